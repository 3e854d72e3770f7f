package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/ember-chat/ember/internal/sas"
)

// Verifier drives SAS verification transactions over to-device events.
// Transactions live in memory; an interrupted verification simply starts
// over.
type Verifier struct {
	client       *Client
	machine      *Machine
	logger       *slog.Logger
	autoAccept   bool
	transactions *xsync.Map[string, *sas.Transaction]
}

func NewVerifier(client *Client, machine *Machine, logger *slog.Logger, autoAccept bool) *Verifier {
	return &Verifier{
		client:       client,
		machine:      machine,
		logger:       logger,
		autoAccept:   autoAccept,
		transactions: xsync.NewMap[string, *sas.Transaction](),
	}
}

// StartVerification opens a transaction toward one of our own (or a
// peer's) devices and sends the request event.
func (v *Verifier) StartVerification(ctx context.Context, userID, deviceID string) (string, error) {
	txnID := uuid.NewString()
	tx := sas.NewOutbound(
		txnID,
		v.client.UserID(), v.client.DeviceID(), v.machine.FingerprintKey(),
		userID, deviceID,
	)
	if err := v.setPeerFingerprint(ctx, tx); err != nil {
		return "", err
	}
	v.transactions.Store(txnID, tx)

	content := tx.RequestContent(time.Now().UnixMilli())
	if err := v.sendEvent(ctx, tx, EventVerificationReq, content); err != nil {
		return "", err
	}
	v.logger.Info("verification requested", "user", userID, "device", deviceID, "txn", txnID)
	return txnID, nil
}

// HandleEvent routes one m.key.verification.* to-device event into its
// transaction. Events for unknown or finished transactions are dropped.
func (v *Verifier) HandleEvent(ctx context.Context, ev ToDeviceEvent) error {
	event, err := parseVerificationEvent(ev)
	if err != nil {
		return err
	}
	if event.TransactionID == "" {
		return nil
	}

	tx, ok := v.transactions.Load(event.TransactionID)
	if !ok {
		if event.Type != sas.EventRequest && event.Type != sas.EventStart {
			v.logger.Debug("dropping event for unknown transaction",
				"type", event.Type.String(),
				"txn", event.TransactionID,
			)
			return nil
		}
		tx, err = sas.NewInbound(event, v.client.UserID(), v.client.DeviceID(), v.machine.FingerprintKey())
		if err != nil {
			return err
		}
		if err := v.setPeerFingerprint(ctx, tx); err != nil {
			// Without the peer's device key the MAC stage can never
			// complete, so cancel now rather than stall later.
			v.logger.Warn("peer fingerprint lookup failed",
				"user", tx.TheirUser,
				"device", tx.TheirDevice,
				"err", err,
			)
			content := tx.CancelContent(sas.CancelKeyMismatch, "peer device key unknown")
			v.transactions.Store(tx.ID, tx)
			return v.sendEvent(ctx, tx, EventVerificationCncl, content)
		}
		v.transactions.Store(tx.ID, tx)

		if event.Type == sas.EventRequest {
			// Answer the request; the peer follows up with start.
			v.logger.Info("verification request received",
				"user", tx.TheirUser,
				"device", tx.TheirDevice,
				"txn", tx.ID,
			)
			return v.sendEvent(ctx, tx, EventVerificationReady, tx.ReadyContent())
		}
	}

	replies, applyErr := tx.Apply(event)
	for _, reply := range replies {
		if err := v.sendEvent(ctx, tx, verificationEventType(reply.EventType), reply.Content); err != nil {
			return err
		}
	}
	if applyErr != nil {
		if errors.Is(applyErr, sas.ErrAuthenticationFailed) {
			v.logger.Error("verification failed authentication",
				"txn", tx.ID,
				"user", tx.TheirUser,
				"err", applyErr,
			)
		}
		return applyErr
	}

	return v.afterTransition(ctx, tx)
}

// afterTransition handles the side effects of a successful state change:
// showing SAS codes, auto-accepting, finishing.
func (v *Verifier) afterTransition(ctx context.Context, tx *sas.Transaction) error {
	switch tx.State {
	case sas.StateKeyExchanged:
		v.logSASCodes(tx)
		if v.autoAccept {
			return v.ConfirmSAS(ctx, tx.ID)
		}
	case sas.StateMACExchanged:
		if done := tx.DoneContent(); done != nil {
			if err := v.sendEvent(ctx, tx, EventVerificationDone, done); err != nil {
				return err
			}
		}
	case sas.StateVerified:
		if err := v.machine.MarkDeviceVerified(tx.TheirUser, tx.TheirDevice); err != nil {
			return err
		}
		v.logger.Info("device verified",
			"user", tx.TheirUser,
			"device", tx.TheirDevice,
			"txn", tx.ID,
		)
	}
	return nil
}

// ConfirmSAS is called when the user (or auto-accept policy) confirmed
// the displayed codes match. It sends our MAC.
func (v *Verifier) ConfirmSAS(ctx context.Context, txnID string) error {
	tx, ok := v.transactions.Load(txnID)
	if !ok {
		return fmt.Errorf("no verification transaction %s", txnID)
	}
	content, err := tx.MACContent()
	if err != nil {
		return err
	}
	if err := v.sendEvent(ctx, tx, EventVerificationMAC, content); err != nil {
		return err
	}
	if done := tx.DoneContent(); done != nil {
		return v.sendEvent(ctx, tx, EventVerificationDone, done)
	}
	return nil
}

// Cancel aborts a transaction from our side.
func (v *Verifier) Cancel(ctx context.Context, txnID, reason string) error {
	tx, ok := v.transactions.Load(txnID)
	if !ok {
		return nil
	}
	content := tx.CancelContent(sas.CancelUser, reason)
	return v.sendEvent(ctx, tx, EventVerificationCncl, content)
}

// Transaction returns a live transaction for UI inspection.
func (v *Verifier) Transaction(txnID string) (*sas.Transaction, bool) {
	return v.transactions.Load(txnID)
}

func (v *Verifier) logSASCodes(tx *sas.Transaction) {
	decimals, err := tx.DecimalCode()
	if err != nil {
		return
	}
	emojis, err := tx.EmojiCode()
	if err != nil {
		return
	}
	symbols := make([]string, 0, len(emojis))
	names := make([]string, 0, len(emojis))
	for _, e := range emojis {
		symbols = append(symbols, e.Symbol)
		names = append(names, e.Name)
	}
	v.logger.Info("compare verification codes",
		"txn", tx.ID,
		"decimals", fmt.Sprintf("%d-%d-%d", decimals[0], decimals[1], decimals[2]),
		"emoji", strings.Join(symbols, " "),
		"emoji_names", strings.Join(names, ", "),
	)
}

func (v *Verifier) setPeerFingerprint(ctx context.Context, tx *sas.Transaction) error {
	devices, err := v.machine.Devices(ctx, tx.TheirUser)
	if err != nil {
		return err
	}
	device, ok := devices[tx.TheirDevice]
	if !ok {
		return fmt.Errorf("unknown device %s/%s", tx.TheirUser, tx.TheirDevice)
	}
	tx.TheirFingerprint = device.Ed25519()
	return nil
}

func (v *Verifier) sendEvent(ctx context.Context, tx *sas.Transaction, eventType string, content map[string]any) error {
	return v.client.SendToDevice(ctx, eventType, map[string]map[string]any{
		tx.TheirUser: {tx.TheirDevice: content},
	})
}

func verificationEventType(short string) string {
	return "m.key.verification." + short
}

// parseVerificationEvent maps a to-device event into the state machine's
// tagged union.
func parseVerificationEvent(ev ToDeviceEvent) (sas.Event, error) {
	var content struct {
		TransactionID string `json:"transaction_id"`
		RelatesTo     struct {
			EventID string `json:"event_id"`
		} `json:"m.relates_to"`
		FromDevice   string            `json:"from_device"`
		Methods      []string          `json:"methods"`
		Commitment   string            `json:"commitment"`
		KeyAgreement string            `json:"key_agreement_protocol"`
		Hash         string            `json:"hash"`
		MAC          string            `json:"message_authentication_code"`
		SASMethods   []string          `json:"short_authentication_string"`
		Key          string            `json:"key"`
		MACs         map[string]string `json:"mac"`
		KeysMAC      string            `json:"keys"`
		Code         string            `json:"code"`
		Reason       string            `json:"reason"`
	}
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return sas.Event{}, fmt.Errorf("parse %s: %w", ev.Type, err)
	}

	// In-room verification references the originating request event
	// instead of carrying a transaction ID.
	txnID := content.TransactionID
	if txnID == "" {
		txnID = content.RelatesTo.EventID
	}

	event := sas.Event{
		TransactionID: txnID,
		FromUser:      ev.Sender,
		FromDevice:    content.FromDevice,
		Methods:       content.Methods,
		Commitment:    content.Commitment,
		KeyAgreement:  content.KeyAgreement,
		Hash:          content.Hash,
		MAC:           content.MAC,
		SASMethods:    content.SASMethods,
		Key:           content.Key,
		MACs:          content.MACs,
		KeysMAC:       content.KeysMAC,
		Code:          content.Code,
		Reason:        content.Reason,
	}

	switch ev.Type {
	case EventVerificationReq:
		event.Type = sas.EventRequest
	case EventVerificationReady:
		event.Type = sas.EventReady
	case EventVerificationStart:
		event.Type = sas.EventStart
		var start map[string]any
		if err := json.Unmarshal(ev.Content, &start); err != nil {
			return sas.Event{}, fmt.Errorf("parse start content: %w", err)
		}
		event.StartContent = start
	case EventVerificationAccpt:
		event.Type = sas.EventAccept
	case EventVerificationKey:
		event.Type = sas.EventKey
	case EventVerificationMAC:
		event.Type = sas.EventMAC
	case EventVerificationDone:
		event.Type = sas.EventDone
	case EventVerificationCncl:
		event.Type = sas.EventCancel
	default:
		return sas.Event{}, fmt.Errorf("unknown verification event %s", ev.Type)
	}
	return event, nil
}
