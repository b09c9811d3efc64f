// Package relay is an HTTP client for the connectsphere relay REST API.
// It provides the blob-upload, fetch, audit and call-log collaborators used
// by the transfer and call engines.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/corvino/connectsphere/internal/call"
	"github.com/corvino/connectsphere/internal/protocol"
	"github.com/corvino/connectsphere/internal/transfer"
)

// DefaultAuditRoom receives upload-audit records when none is configured.
const DefaultAuditRoom = "uploads"

// Client talks to the relay server on behalf of one sender.
type Client struct {
	BaseURL   string
	Sender    string
	AuditRoom string
	client    *http.Client
}

// New creates a relay client.
func New(baseURL, sender string) *Client {
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		Sender:    sender,
		AuditRoom: DefaultAuditRoom,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) url(path string) string {
	return c.BaseURL + path
}

func roomPath(room, suffix string) string {
	return "/api/rooms/" + url.PathEscape(room) + suffix
}

// do issues a request and decodes a JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, u, contentType string, body io.Reader, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) sendRequest(msgType string, payload any) (io.Reader, error) {
	body, err := json.Marshal(protocol.SendRequest{
		Sender:  c.Sender,
		Type:    msgType,
		Payload: protocol.MustPayload(payload),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return bytes.NewReader(body), nil
}

// PostMessage persists a message in room.
func (c *Client) PostMessage(ctx context.Context, room, msgType string, payload any) (*protocol.Envelope, error) {
	body, err := c.sendRequest(msgType, payload)
	if err != nil {
		return nil, err
	}
	var env protocol.Envelope
	if err := c.do(ctx, http.MethodPost, c.url(roomPath(room, "/messages")), "application/json", body, http.StatusCreated, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Broadcast fans an ephemeral message out to the current subscribers of room.
func (c *Client) Broadcast(ctx context.Context, room, msgType string, payload any) error {
	body, err := c.sendRequest(msgType, payload)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, c.url(roomPath(room, "/broadcast")), "application/json", body, http.StatusAccepted, nil)
}

// Messages returns persisted messages after seq.
func (c *Client) Messages(ctx context.Context, room string, after int64, limit int) (*protocol.MessageList, error) {
	u := c.url(roomPath(room, fmt.Sprintf("/messages?after=%d&limit=%d", after, limit)))
	var list protocol.MessageList
	if err := c.do(ctx, http.MethodGet, u, "", nil, http.StatusOK, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Latest returns the last n persisted messages.
func (c *Client) Latest(ctx context.Context, room string, n int) (*protocol.MessageList, error) {
	u := c.url(roomPath(room, fmt.Sprintf("/messages/latest?n=%d", n)))
	var list protocol.MessageList
	if err := c.do(ctx, http.MethodGet, u, "", nil, http.StatusOK, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Presence returns the tracked presence of room.
func (c *Client) Presence(ctx context.Context, room string) (*protocol.PresenceList, error) {
	var list protocol.PresenceList
	if err := c.do(ctx, http.MethodGet, c.url(roomPath(room, "/presence")), "", nil, http.StatusOK, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Rooms lists active rooms.
func (c *Client) Rooms(ctx context.Context) (*protocol.RoomList, error) {
	var list protocol.RoomList
	if err := c.do(ctx, http.MethodGet, c.url("/api/rooms"), "", nil, http.StatusOK, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Health returns server status.
func (c *Client) Health(ctx context.Context) (*protocol.HealthResponse, error) {
	var health protocol.HealthResponse
	if err := c.do(ctx, http.MethodGet, c.url("/api/health"), "", nil, http.StatusOK, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// UploadBlob stores data on the relay and returns its descriptor.
func (c *Client) UploadBlob(ctx context.Context, data []byte, contentType string) (*protocol.BlobInfo, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var info protocol.BlobInfo
	if err := c.do(ctx, http.MethodPost, c.url("/api/blobs"), contentType, bytes.NewReader(data), http.StatusCreated, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Upload implements transfer.Uploader. The relay is its own origin, so
// UseProxy has no effect.
func (c *Client) Upload(ctx context.Context, data []byte, contentType string, _ transfer.UploadOptions) (string, error) {
	info, err := c.UploadBlob(ctx, data, contentType)
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

// Fetch implements transfer.Fetcher for any absolute URL.
func (c *Client) Fetch(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: server returned %d", u, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// AuditUpload implements transfer.Auditor by persisting an upload-audit
// message in the audit room.
func (c *Client) AuditUpload(ctx context.Context, urls []string, filename string, size int64) error {
	_, err := c.PostMessage(ctx, c.AuditRoom, protocol.TypeUploadAudit, protocol.UploadAuditPayload{
		Filename: filename,
		Size:     size,
		URLs:     urls,
	})
	return err
}

// LogCall implements call.CallLogger.
func (c *Client) LogCall(ctx context.Context, roomID string, entry protocol.CallLogPayload) error {
	_, err := c.PostMessage(ctx, roomID, protocol.TypeCallLog, entry)
	return err
}

// callLogPage is how many room messages CallLogs reads per request.
const callLogPage = 100

// CallLogs returns up to limit call-log records persisted in room, oldest
// first. It pages through the room history, skipping other message types,
// so busy rooms still yield limit records when that many exist. A limit of
// zero or less returns every record.
func (c *Client) CallLogs(ctx context.Context, room string, limit int) ([]protocol.Envelope, error) {
	var (
		out   []protocol.Envelope
		after int64
	)
	for {
		list, err := c.Messages(ctx, room, after, callLogPage)
		if err != nil {
			return nil, err
		}
		for _, env := range list.Messages {
			if env.Type != protocol.TypeCallLog {
				continue
			}
			out = append(out, env)
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
		if len(list.Messages) < callLogPage {
			return out, nil
		}
		after = list.Messages[len(list.Messages)-1].SeqNum
	}
}

// Profile implements call.Directory from the presence meta a user publishes
// on their personal channel. Users that are not listening resolve to a bare
// profile.
func (c *Client) Profile(ctx context.Context, userID string) (call.Profile, error) {
	list, err := c.Presence(ctx, protocol.UserChannel(userID))
	if err != nil {
		return call.Profile{}, err
	}
	p := call.Profile{ID: userID, Name: userID}
	if meta, ok := list.Presence[userID]; ok {
		if name := meta["name"]; name != "" {
			p.Name = name
		}
		p.Avatar = meta["avatar"]
	}
	return p, nil
}

var (
	_ transfer.Uploader = (*Client)(nil)
	_ transfer.Fetcher  = (*Client)(nil)
	_ transfer.Auditor  = (*Client)(nil)
	_ call.CallLogger   = (*Client)(nil)
	_ call.Directory    = (*Client)(nil)
)
