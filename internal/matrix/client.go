// Package matrix is a thin client for the slice of the Matrix
// client-server API this system needs: shared-secret login, the sync loop,
// notices, direct rooms, space hierarchies and membership changes. It
// deliberately skips general client features (state cache, e2e encryption).
package matrix

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// RequestError is a non-2xx reply from the homeserver. Callers can inspect
// the HTTP status and the Matrix errcode (e.g. M_FORBIDDEN, M_LIMIT_EXCEEDED).
type RequestError struct {
	Status  int
	ErrCode string `json:"errcode"`
	Message string `json:"error"`
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("matrix: %d %s: %s", e.Status, e.ErrCode, e.Message)
}

type Client struct {
	homeserver  string
	userID      string
	accessToken string
	httpc       *http.Client
	log         *slog.Logger
	txn         atomic.Int64

	mu      sync.Mutex
	dmRooms map[string]string // user id -> direct room id
}

func NewClient(homeserver, userID string, log *slog.Logger) *Client {
	return &Client{
		homeserver: homeserver,
		userID:     userID,
		httpc:      &http.Client{Timeout: 60 * time.Second},
		log:        log,
		dmRooms:    make(map[string]string),
	}
}

// UserID returns the full Matrix id the client acts as.
func (c *Client) UserID() string { return c.userID }

// LoginSharedSecret authenticates via com.devture.shared_secret_auth: the
// login token is the HMAC-SHA512 of the user id keyed by the homeserver's
// shared secret.
func (c *Client) LoginSharedSecret(ctx context.Context, sharedSecret, deviceName string) error {
	mac := hmac.New(sha512.New, []byte(sharedSecret))
	mac.Write([]byte(c.userID))

	var out loginResponse
	err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/login", nil, map[string]any{
		"type": "com.devture.shared_secret_auth",
		"identifier": map[string]any{
			"type": "m.id.user",
			"user": c.userID,
		},
		"token":                       hex.EncodeToString(mac.Sum(nil)),
		"initial_device_display_name": deviceName,
	}, &out)
	if err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}
	c.accessToken = out.AccessToken
	c.log.Info("logged in to homeserver", "user", c.userID, "device", out.DeviceID)
	return nil
}

// Sync long-polls /sync and returns the membership changes plus the next
// resume cursor. An empty since requests an initial sync.
func (c *Client) Sync(ctx context.Context, since string, timeout time.Duration) (*SyncBatch, error) {
	q := url.Values{}
	q.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	if since != "" {
		q.Set("since", since)
	}

	var resp syncResponse
	if err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/sync", q, nil, &resp); err != nil {
		return nil, err
	}

	batch := &SyncBatch{NextBatch: resp.NextBatch}
	for roomID, room := range resp.Rooms.Join {
		appendMemberEvents(batch, roomID, room.Timeline.Events)
	}
	for roomID, room := range resp.Rooms.Leave {
		appendMemberEvents(batch, roomID, room.Timeline.Events)
	}
	for roomID, room := range resp.Rooms.Invite {
		appendMemberEvents(batch, roomID, room.InviteState.Events)
	}
	return batch, nil
}

func appendMemberEvents(batch *SyncBatch, roomID string, events []rawEvent) {
	for _, ev := range events {
		if ev.Type != "m.room.member" || ev.StateKey == "" {
			continue
		}
		batch.Events = append(batch.Events, MemberEvent{
			EventID:    ev.EventID,
			RoomID:     roomID,
			UserID:     ev.StateKey,
			Sender:     ev.Sender,
			Membership: ev.Content.Membership,
		})
	}
}

// SendNotice sends an m.notice with an HTML body and a plain-text fallback.
func (c *Client) SendNotice(ctx context.Context, roomID, text, html string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		url.PathEscape(roomID), c.nextTxnID())
	return c.do(ctx, http.MethodPut, path, nil, map[string]any{
		"msgtype":        "m.notice",
		"format":         "org.matrix.custom.html",
		"body":           text,
		"formatted_body": html,
	}, nil)
}

// FindOrCreateDirectRoom returns a direct room shared with userID,
// creating one when none is known. Created rooms are remembered for the
// process lifetime so repeated notices reuse the same room.
func (c *Client) FindOrCreateDirectRoom(ctx context.Context, userID string) (string, error) {
	c.mu.Lock()
	roomID, ok := c.dmRooms[userID]
	c.mu.Unlock()
	if ok {
		return roomID, nil
	}

	var out createRoomResponse
	err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", nil, map[string]any{
		"is_direct": true,
		"preset":    "trusted_private_chat",
		"invite":    []string{userID},
	}, &out)
	if err != nil {
		return "", fmt.Errorf("creating direct room with %s: %w", userID, err)
	}

	c.mu.Lock()
	c.dmRooms[userID] = out.RoomID
	c.mu.Unlock()
	return out.RoomID, nil
}

// Hierarchy walks the paginated space hierarchy under rootID and returns
// every room id in it, the root included. The pagination cursor is
// forwarded verbatim until the server stops returning one.
func (c *Client) Hierarchy(ctx context.Context, rootID string, maxDepth int, suggestedOnly bool) ([]string, error) {
	path := fmt.Sprintf("/_matrix/client/v1/rooms/%s/hierarchy", url.PathEscape(rootID))

	var rooms []string
	cursor := ""
	for {
		q := url.Values{}
		q.Set("max_depth", strconv.Itoa(maxDepth))
		q.Set("suggested_only", strconv.FormatBool(suggestedOnly))
		if cursor != "" {
			q.Set("from", cursor)
		}

		var page hierarchyResponse
		if err := c.do(ctx, http.MethodGet, path, q, nil, &page); err != nil {
			return nil, err
		}
		for _, room := range page.Rooms {
			rooms = append(rooms, room.RoomID)
		}

		cursor = page.NextBatch
		if cursor == "" {
			return rooms, nil
		}
	}
}

// Kick removes userID from roomID with the given reason.
func (c *Client) Kick(ctx context.Context, roomID, userID, reason string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/kick", url.PathEscape(roomID))
	return c.do(ctx, http.MethodPost, path, nil, map[string]any{
		"user_id": userID,
		"reason":  reason,
	}, nil)
}

// Invite invites userID to roomID with the given reason.
func (c *Client) Invite(ctx context.Context, roomID, userID, reason string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/invite", url.PathEscape(roomID))
	return c.do(ctx, http.MethodPost, path, nil, map[string]any{
		"user_id": userID,
		"reason":  reason,
	}, nil)
}

// JoinRoom accepts an invite to (or otherwise joins) roomID.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/join", url.PathEscape(roomID))
	return c.do(ctx, http.MethodPost, path, nil, map[string]any{}, nil)
}

// DisplayName resolves a user's display name, falling back to the id when
// the profile is unavailable.
func (c *Client) DisplayName(ctx context.Context, userID string) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/profile/%s/displayname", url.PathEscape(userID))
	var out displayNameResponse
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return userID, err
	}
	if out.DisplayName == "" {
		return userID, nil
	}
	return out.DisplayName, nil
}

func (c *Client) nextTxnID() string {
	return fmt.Sprintf("spacegate-%d-%d", time.Now().UnixMilli(), c.txn.Add(1))
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	u := c.homeserver + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body *bytes.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("matrix %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		reqErr := &RequestError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(reqErr)
		c.log.Warn("homeserver request failed",
			"method", method, "path", path,
			"status", resp.StatusCode, "errcode", reqErr.ErrCode)
		return reqErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("matrix %s %s: decoding response: %w", method, path, err)
		}
	}
	return nil
}
