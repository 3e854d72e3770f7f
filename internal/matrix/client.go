package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ember-chat/ember/internal/backup"
)

const clientPrefix = "/_matrix/client/v3"

// TransportError is any failure talking to the homeserver: a non-2xx
// response (with the server's errcode) or a network-level error
// (StatusCode 0). Retry policy lives with the caller, the client never
// retries on its own.
type TransportError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("matrix: transport: %s", e.Message)
	}
	return fmt.Sprintf("matrix: %s (%d %s)", e.Message, e.StatusCode, e.Code)
}

// Client is a thin wrapper over the client-server REST API, carrying just
// the endpoints the engine needs.
type Client struct {
	homeserver  string
	userID      string
	deviceID    string
	accessToken string
	http        *http.Client
	logger      *slog.Logger
}

func NewClient(homeserver, userID, deviceID, accessToken string, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(homeserver)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid homeserver URL %q", homeserver)
	}
	return &Client{
		homeserver:  strings.TrimRight(u.String(), "/"),
		userID:      userID,
		deviceID:    deviceID,
		accessToken: accessToken,
		http:        &http.Client{Timeout: 60 * time.Second},
		logger:      logger,
	}, nil
}

func (c *Client) UserID() string      { return c.userID }
func (c *Client) DeviceID() string    { return c.deviceID }
func (c *Client) AccessToken() string { return c.accessToken }

// Login performs a password login and returns a client bound to the new
// device session.
func Login(ctx context.Context, homeserver, userID, password, deviceName string, logger *slog.Logger) (*Client, error) {
	c, err := NewClient(homeserver, "", "", "", logger)
	if err != nil {
		return nil, err
	}
	req := map[string]any{
		"type": "m.login.password",
		"identifier": map[string]any{
			"type": "m.id.user",
			"user": userID,
		},
		"password":                    password,
		"initial_device_display_name": deviceName,
	}
	var resp struct {
		UserID      string `json:"user_id"`
		DeviceID    string `json:"device_id"`
		AccessToken string `json:"access_token"`
	}
	if err := c.do(ctx, http.MethodPost, "/login", nil, req, &resp); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	c.userID = resp.UserID
	c.deviceID = resp.DeviceID
	c.accessToken = resp.AccessToken
	return c, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.homeserver + clientPrefix + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{StatusCode: resp.StatusCode, Message: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var matrixErr struct {
			Code    string `json:"errcode"`
			Message string `json:"error"`
		}
		_ = json.Unmarshal(raw, &matrixErr)
		if matrixErr.Message == "" {
			matrixErr.Message = http.StatusText(resp.StatusCode)
		}
		c.logger.Debug("request failed",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"errcode", matrixErr.Code,
		)
		return &TransportError{
			StatusCode: resp.StatusCode,
			Code:       matrixErr.Code,
			Message:    matrixErr.Message,
		}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return nil
}

// DeviceKeyInfo is one device's published key bundle.
type DeviceKeyInfo struct {
	UserID     string                       `json:"user_id"`
	DeviceID   string                       `json:"device_id"`
	Algorithms []string                     `json:"algorithms"`
	Keys       map[string]string            `json:"keys"`
	Signatures map[string]map[string]string `json:"signatures"`
}

// Ed25519 returns the device's fingerprint key, empty if absent.
func (d *DeviceKeyInfo) Ed25519() string {
	return d.Keys["ed25519:"+d.DeviceID]
}

// Curve25519 returns the device's identity key, empty if absent.
func (d *DeviceKeyInfo) Curve25519() string {
	return d.Keys["curve25519:"+d.DeviceID]
}

// UploadKeys publishes device keys and/or one-time keys, returning the
// server's remaining one-time key counts.
func (c *Client) UploadKeys(ctx context.Context, deviceKeys, oneTimeKeys map[string]any) (map[string]int, error) {
	body := map[string]any{}
	if deviceKeys != nil {
		body["device_keys"] = deviceKeys
	}
	if len(oneTimeKeys) > 0 {
		body["one_time_keys"] = oneTimeKeys
	}
	var resp struct {
		Counts map[string]int `json:"one_time_key_counts"`
	}
	if err := c.do(ctx, http.MethodPost, "/keys/upload", nil, body, &resp); err != nil {
		return nil, err
	}
	return resp.Counts, nil
}

// QueryKeys fetches device keys for the given users. An empty device list
// means all devices of that user.
func (c *Client) QueryKeys(ctx context.Context, users map[string][]string) (map[string]map[string]DeviceKeyInfo, error) {
	body := map[string]any{"device_keys": users}
	var resp struct {
		DeviceKeys map[string]map[string]DeviceKeyInfo `json:"device_keys"`
	}
	if err := c.do(ctx, http.MethodPost, "/keys/query", nil, body, &resp); err != nil {
		return nil, err
	}
	return resp.DeviceKeys, nil
}

// ClaimKeys claims one one-time key per listed device. Devices without
// available keys are simply absent from the response.
func (c *Client) ClaimKeys(ctx context.Context, devices map[string]map[string]string) (map[string]map[string]map[string]json.RawMessage, error) {
	body := map[string]any{"one_time_keys": devices}
	var resp struct {
		OneTimeKeys map[string]map[string]map[string]json.RawMessage `json:"one_time_keys"`
	}
	if err := c.do(ctx, http.MethodPost, "/keys/claim", nil, body, &resp); err != nil {
		return nil, err
	}
	return resp.OneTimeKeys, nil
}

// SendToDevice delivers per-device event content outside any room
// timeline.
func (c *Client) SendToDevice(ctx context.Context, eventType string, messages map[string]map[string]any) error {
	txnID := uuid.NewString()
	path := fmt.Sprintf("/sendToDevice/%s/%s", url.PathEscape(eventType), txnID)
	return c.do(ctx, http.MethodPut, path, nil, map[string]any{"messages": messages}, nil)
}

// Device is one entry of the account's device list.
type Device struct {
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name"`
	LastSeenTS  int64  `json:"last_seen_ts"`
}

// Devices lists the account's registered devices.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	var resp struct {
		Devices []Device `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/devices", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

// ToDeviceEvent is one event from the sync to_device stream.
type ToDeviceEvent struct {
	Type    string          `json:"type"`
	Sender  string          `json:"sender"`
	Content json.RawMessage `json:"content"`
}

// RoomEvent is one timeline or state event.
type RoomEvent struct {
	EventID        string          `json:"event_id"`
	Type           string          `json:"type"`
	Sender         string          `json:"sender"`
	StateKey       *string         `json:"state_key,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
}

// SyncResponse is the subset of /sync the engine consumes.
type SyncResponse struct {
	NextBatch string `json:"next_batch"`
	ToDevice  struct {
		Events []ToDeviceEvent `json:"events"`
	} `json:"to_device"`
	DeviceLists struct {
		Changed []string `json:"changed"`
		Left    []string `json:"left"`
	} `json:"device_lists"`
	DeviceOneTimeKeysCount map[string]int `json:"device_one_time_keys_count"`
	Rooms                  struct {
		Join map[string]struct {
			Timeline struct {
				Events []RoomEvent `json:"events"`
			} `json:"timeline"`
		} `json:"join"`
		Invite map[string]struct {
			InviteState struct {
				Events []RoomEvent `json:"events"`
			} `json:"invite_state"`
		} `json:"invite"`
	} `json:"rooms"`
}

// Sync long-polls the server. The request blocks up to timeout on the
// server side; the HTTP client allows a margin on top.
func (c *Client) Sync(ctx context.Context, since string, timeout time.Duration) (*SyncResponse, error) {
	query := url.Values{}
	query.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	if since != "" {
		query.Set("since", since)
	}
	var resp SyncResponse
	if err := c.do(ctx, http.MethodGet, "/sync", query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BackupVersion fetches the current key backup version. A server without
// any backup returns a TransportError with code M_NOT_FOUND.
func (c *Client) BackupVersion(ctx context.Context) (*backup.Version, error) {
	var resp struct {
		Version  string `json:"version"`
		Algo     string `json:"algorithm"`
		AuthData struct {
			PublicKey string `json:"public_key"`
		} `json:"auth_data"`
		Count int    `json:"count"`
		Etag  string `json:"etag"`
	}
	if err := c.do(ctx, http.MethodGet, "/room_keys/version", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &backup.Version{
		Version:   resp.Version,
		Algorithm: resp.Algo,
		PublicKey: resp.AuthData.PublicKey,
		Count:     resp.Count,
		Etag:      resp.Etag,
	}, nil
}

// CreateBackupVersion registers a new backup generation and returns its
// version identifier.
func (c *Client) CreateBackupVersion(ctx context.Context, publicKey string) (string, error) {
	body := map[string]any{
		"algorithm": backup.BackupAlgorithm,
		"auth_data": map[string]any{"public_key": publicKey},
	}
	var resp struct {
		Version string `json:"version"`
	}
	if err := c.do(ctx, http.MethodPost, "/room_keys/version", nil, body, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

// BackupSession is one uploaded session entry.
type BackupSession struct {
	FirstMessageIndex uint32             `json:"first_message_index"`
	ForwardedCount    int                `json:"forwarded_count"`
	IsVerified        bool               `json:"is_verified"`
	SessionData       backup.SessionData `json:"session_data"`
}

// BackupRoom groups uploaded sessions per room.
type BackupRoom struct {
	Sessions map[string]BackupSession `json:"sessions"`
}

// PutRoomKeys uploads encrypted sessions into the given backup version.
func (c *Client) PutRoomKeys(ctx context.Context, version string, rooms map[string]BackupRoom) error {
	query := url.Values{"version": {version}}
	body := map[string]any{"rooms": rooms}
	return c.do(ctx, http.MethodPut, "/room_keys/keys", query, body, nil)
}

// GetRoomKeys downloads every stored session of a backup version.
func (c *Client) GetRoomKeys(ctx context.Context, version string) (map[string]BackupRoom, error) {
	query := url.Values{"version": {version}}
	var resp struct {
		Rooms map[string]BackupRoom `json:"rooms"`
	}
	if err := c.do(ctx, http.MethodGet, "/room_keys/keys", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

// AccountData fetches a global account-data event into out.
func (c *Client) AccountData(ctx context.Context, eventType string, out any) error {
	path := fmt.Sprintf("/user/%s/account_data/%s", url.PathEscape(c.userID), url.PathEscape(eventType))
	return c.do(ctx, http.MethodGet, path, nil, nil, out)
}

// UploadCrossSigningKeys publishes the cross-signing hierarchy.
func (c *Client) UploadCrossSigningKeys(ctx context.Context, master, selfSigning, userSigning map[string]any) error {
	body := map[string]any{
		"master_key":       master,
		"self_signing_key": selfSigning,
		"user_signing_key": userSigning,
	}
	return c.do(ctx, http.MethodPost, "/keys/device_signing/upload", nil, body, nil)
}

// UploadSignatures publishes signatures over device or cross-signing
// keys: user ID → key/device ID → signed object.
func (c *Client) UploadSignatures(ctx context.Context, signatures map[string]map[string]any) error {
	return c.do(ctx, http.MethodPost, "/keys/signatures/upload", nil, signatures, nil)
}

// SendRoomEvent sends a timeline event and returns the event ID.
func (c *Client) SendRoomEvent(ctx context.Context, roomID, eventType string, content any) (string, error) {
	txnID := uuid.NewString()
	path := fmt.Sprintf("/rooms/%s/send/%s/%s",
		url.PathEscape(roomID), url.PathEscape(eventType), txnID)
	var resp struct {
		EventID string `json:"event_id"`
	}
	if err := c.do(ctx, http.MethodPut, path, nil, content, &resp); err != nil {
		return "", err
	}
	return resp.EventID, nil
}

// JoinedMembers returns the user IDs currently joined to a room, the
// audience for an outbound group session.
func (c *Client) JoinedMembers(ctx context.Context, roomID string) ([]string, error) {
	path := fmt.Sprintf("/rooms/%s/joined_members", url.PathEscape(roomID))
	var resp struct {
		Joined map[string]json.RawMessage `json:"joined"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	users := make([]string, 0, len(resp.Joined))
	for user := range resp.Joined {
		users = append(users, user)
	}
	return users, nil
}

// JoinRoom accepts an invite or joins a public room.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	path := "/rooms/" + url.PathEscape(roomID) + "/join"
	return c.do(ctx, http.MethodPost, path, nil, map[string]any{}, nil)
}

// IsNotFound reports whether err is the server saying a resource does not
// exist.
func IsNotFound(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	return te.StatusCode == http.StatusNotFound || te.Code == "M_NOT_FOUND"
}
