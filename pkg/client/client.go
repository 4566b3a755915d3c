package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Message mirrors the server's message payload.
type Message struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	AuthorID   uint      `json:"author_id"`
	AuthorName string    `json:"author_name"`
	Type       string    `json:"type"`
	Content    string    `json:"content"`
	MediaRef   string    `json:"media_ref,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// History is the request/response surface the reconciliation cache reads
// from: paginated history plus the resync query.
type History interface {
	List(ctx context.Context, roomID, cursor string, limit int) ([]Message, string, error)
	ListSince(ctx context.Context, roomID, sinceID string) ([]Message, error)
}

// Client is the discussion API client. It implements History over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a new API client.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// List fetches one history page for a room, oldest to newest.
func (c *Client) List(ctx context.Context, roomID, cursor string, limit int) ([]Message, string, error) {
	params := url.Values{}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	params.Set("limit", strconv.Itoa(limit))

	var resp struct {
		Messages   []Message `json:"messages"`
		NextCursor string    `json:"next_cursor"`
	}
	path := "/api/v1/rooms/" + url.PathEscape(roomID) + "/messages?" + params.Encode()
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, "", fmt.Errorf("client.List: %w", err)
	}
	return resp.Messages, resp.NextCursor, nil
}

// ListSince fetches all messages strictly after sinceID. A 410 response
// maps to ErrStaleSince.
func (c *Client) ListSince(ctx context.Context, roomID, sinceID string) ([]Message, error) {
	params := url.Values{}
	params.Set("since", sinceID)

	var resp struct {
		Messages []Message `json:"messages"`
	}
	path := "/api/v1/rooms/" + url.PathEscape(roomID) + "/messages?" + params.Encode()
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("client.ListSince: %w", err)
	}
	return resp.Messages, nil
}

// CreatePrivateRoom asks the server for the canonical private room with
// another user. Idempotent.
func (c *Client) CreatePrivateRoom(ctx context.Context, otherUserID uint) (string, error) {
	body := map[string]uint{"other_user_id": otherUserID}
	var resp struct {
		RoomID string `json:"room_id"`
	}
	if err := c.post(ctx, "/api/v1/private-rooms", body, &resp); err != nil {
		return "", fmt.Errorf("client.CreatePrivateRoom: %w", err)
	}
	return resp.RoomID, nil
}

// SendMessage posts a message to a room and returns the stored record.
func (c *Client) SendMessage(ctx context.Context, roomID, msgType, content, mediaRef string) (*Message, error) {
	body := map[string]string{"type": msgType, "content": content, "media_ref": mediaRef}
	var msg Message
	if err := c.post(ctx, "/api/v1/rooms/"+url.PathEscape(roomID)+"/messages", body, &msg); err != nil {
		return nil, fmt.Errorf("client.SendMessage: %w", err)
	}
	return &msg, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusGone:
		return ErrStaleSince
	case http.StatusUnauthorized:
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{StatusCode: resp.StatusCode, Message: string(msg)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
