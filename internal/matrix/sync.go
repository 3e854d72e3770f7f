package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ember-chat/ember/internal/cryptostore"
	"github.com/ember-chat/ember/internal/megolm"
)

const (
	defaultSyncTimeout = 30 * time.Second
	defaultRetryDelay  = 5 * time.Second
	dedupCacheSize     = 4096
)

// RoomMessage is a timeline event after decryption, handed to the message
// layer.
type RoomMessage struct {
	RoomID    string
	EventID   string
	Sender    string
	Type      string
	Content   map[string]any
	Encrypted bool
	Timestamp time.Time
}

// Syncer is the long-poll loop. It dispatches each batch in a fixed
// order: device-list deltas, one-time-key counts, to-device events, room
// events. Transient failures retry forever with a constant delay; only
// context cancellation stops the loop.
type Syncer struct {
	client   *Client
	machine  *Machine
	verifier *Verifier
	store    *cryptostore.Store
	logger   *slog.Logger
	dedup    *deduper

	syncTimeout time.Duration
	retryDelay  time.Duration

	// AutoJoin accepts room invites as they arrive.
	AutoJoin bool

	// OnMessage receives decrypted (and plaintext) timeline events.
	OnMessage func(RoomMessage)
	// OnInvite receives invite state events.
	OnInvite func(roomID string, ev RoomEvent)
}

func NewSyncer(client *Client, machine *Machine, verifier *Verifier, store *cryptostore.Store, logger *slog.Logger) (*Syncer, error) {
	dedup, err := newDeduper(dedupCacheSize)
	if err != nil {
		return nil, err
	}
	return &Syncer{
		client:      client,
		machine:     machine,
		verifier:    verifier,
		store:       store,
		logger:      logger,
		dedup:       dedup,
		syncTimeout: defaultSyncTimeout,
		retryDelay:  defaultRetryDelay,
	}, nil
}

// Run loops until ctx is cancelled. The cursor is persisted after every
// processed batch, so a restart resumes where it left off.
func (s *Syncer) Run(ctx context.Context) error {
	since, err := s.store.SyncToken()
	if err != nil {
		return err
	}

	delay := backoff.NewConstantBackOff(s.retryDelay)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		resp, err := s.client.Sync(ctx, since, s.syncTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Everything short of cancellation is treated as transient:
			// server errors, network failures, garbled response bodies.
			s.logger.Warn("sync failed, retrying", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay.NextBackOff()):
			}
			continue
		}
		delay.Reset()

		s.processSync(ctx, resp)

		since = resp.NextBatch
		if err := s.store.SaveSyncToken(since); err != nil {
			return err
		}
	}
}

func (s *Syncer) processSync(ctx context.Context, resp *SyncResponse) {
	// (a) device list deltas invalidate cached keys.
	for _, userID := range resp.DeviceLists.Changed {
		s.machine.InvalidateDevices(userID)
	}
	for _, userID := range resp.DeviceLists.Left {
		s.machine.InvalidateDevices(userID)
	}

	// (b) one-time key counts trigger replenishment.
	if count, ok := resp.DeviceOneTimeKeysCount["signed_curve25519"]; ok {
		if err := s.machine.MaintainOneTimeKeys(ctx, count); err != nil {
			s.logger.Warn("one-time key maintenance failed", "err", err)
		}
	}

	// (c) to-device events.
	fingerprints := make([]string, len(resp.ToDevice.Events))
	for i, ev := range resp.ToDevice.Events {
		fingerprints[i] = fingerprint(ev.Sender, ev.Type, ev.Content)
	}
	dups := s.dedup.alignFingerprints(fingerprints)
	for i, ev := range resp.ToDevice.Events {
		if dups[i] {
			continue
		}
		if err := s.handleToDevice(ctx, ev); err != nil {
			s.logger.Warn("to-device event failed",
				"type", ev.Type,
				"sender", ev.Sender,
				"err", err,
			)
		}
	}

	// (d) room timelines and invites.
	for roomID, room := range resp.Rooms.Join {
		for _, ev := range room.Timeline.Events {
			if s.dedup.seenEvent(ev.EventID) {
				continue
			}
			s.handleRoomEvent(ctx, roomID, ev)
		}
	}
	for roomID, room := range resp.Rooms.Invite {
		if s.AutoJoin {
			if err := s.client.JoinRoom(ctx, roomID); err != nil {
				s.logger.Warn("auto-join failed", "room", roomID, "err", err)
			} else {
				s.logger.Info("joined room", "room", roomID)
			}
		}
		if s.OnInvite == nil {
			continue
		}
		for _, ev := range room.InviteState.Events {
			s.OnInvite(roomID, ev)
		}
	}
}

func (s *Syncer) handleToDevice(ctx context.Context, ev ToDeviceEvent) error {
	switch {
	case ev.Type == EventEncrypted:
		innerType, content, senderKey, err := s.machine.DecryptToDevice(ctx, ev)
		if err != nil {
			return err
		}
		return s.routeDecrypted(ctx, ev.Sender, senderKey, innerType, content)

	case isVerificationEvent(ev.Type):
		return s.verifier.HandleEvent(ctx, ev)

	case ev.Type == EventRoomKeyRequest:
		var content map[string]any
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			return err
		}
		return s.machine.HandleRoomKeyRequest(ctx, ev.Sender, content)

	default:
		s.logger.Debug("ignoring to-device event", "type", ev.Type)
		return nil
	}
}

// routeDecrypted dispatches the plaintext inside an Olm envelope.
func (s *Syncer) routeDecrypted(ctx context.Context, sender, senderKey, eventType string, content map[string]any) error {
	switch {
	case eventType == EventRoomKey, eventType == EventForwardedRoomKey:
		return s.machine.ImportRoomKey(senderKey, content)
	case isVerificationEvent(eventType):
		raw, err := json.Marshal(content)
		if err != nil {
			return err
		}
		return s.verifier.HandleEvent(ctx, ToDeviceEvent{
			Type:    eventType,
			Sender:  sender,
			Content: raw,
		})
	default:
		s.logger.Debug("ignoring decrypted to-device event", "type", eventType)
		return nil
	}
}

func (s *Syncer) handleRoomEvent(ctx context.Context, roomID string, ev RoomEvent) {
	switch ev.Type {
	case EventEncrypted:
		innerType, content, err := s.machine.DecryptRoomEvent(ctx, roomID, ev)
		if err != nil {
			if errors.Is(err, megolm.ErrUnknownSession) {
				s.logger.Info("missing session for event, key requested",
					"room", roomID,
					"event", ev.EventID,
				)
			} else {
				s.logger.Warn("room event decrypt failed",
					"room", roomID,
					"event", ev.EventID,
					"err", err,
				)
			}
			return
		}
		if isVerificationEvent(innerType) || isVerificationRequestMessage(innerType, content) {
			s.routeRoomVerification(ctx, ev, innerType, content)
			return
		}
		s.emit(RoomMessage{
			RoomID:    roomID,
			EventID:   ev.EventID,
			Sender:    ev.Sender,
			Type:      innerType,
			Content:   content,
			Encrypted: true,
			Timestamp: time.UnixMilli(ev.OriginServerTS),
		})

	case "m.room.member":
		// Membership changed: rotate the room's group session and drop
		// the member's cached device keys.
		if ev.StateKey != nil {
			s.machine.InvalidateDevices(*ev.StateKey)
		}
		if err := s.machine.RotateOutboundGroupSession(roomID); err != nil &&
			!errors.Is(err, cryptostore.ErrNotFound) {
			s.logger.Warn("group session rotation failed", "room", roomID, "err", err)
		}

	default:
		var content map[string]any
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			return
		}
		s.emit(RoomMessage{
			RoomID:    roomID,
			EventID:   ev.EventID,
			Sender:    ev.Sender,
			Type:      ev.Type,
			Content:   content,
			Timestamp: time.UnixMilli(ev.OriginServerTS),
		})
	}
}

func (s *Syncer) emit(msg RoomMessage) {
	if s.OnMessage != nil {
		s.OnMessage(msg)
	}
}

// routeRoomVerification maps in-room verification events onto the same
// transaction machinery as to-device ones. The originating request event
// ID doubles as the transaction ID, matching how later events reference
// it via m.relates_to.
func (s *Syncer) routeRoomVerification(ctx context.Context, ev RoomEvent, eventType string, content map[string]any) {
	if eventType == "m.room.message" {
		eventType = EventVerificationReq
		content["transaction_id"] = ev.EventID
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return
	}
	if err := s.verifier.HandleEvent(ctx, ToDeviceEvent{
		Type:    eventType,
		Sender:  ev.Sender,
		Content: raw,
	}); err != nil {
		s.logger.Warn("room verification event failed",
			"event", ev.EventID,
			"type", eventType,
			"err", err,
		)
	}
}

func isVerificationRequestMessage(eventType string, content map[string]any) bool {
	if eventType != "m.room.message" {
		return false
	}
	msgtype, _ := content["msgtype"].(string)
	return msgtype == "m.key.verification.request"
}

func isVerificationEvent(eventType string) bool {
	switch eventType {
	case EventVerificationReq, EventVerificationReady, EventVerificationStart,
		EventVerificationAccpt, EventVerificationKey, EventVerificationMAC,
		EventVerificationDone, EventVerificationCncl:
		return true
	}
	return false
}
