// Package upstream is a thin authenticated HTTP client for the Rocket.Chat
// REST API (v1). It holds no state beyond the service credential; every call
// is bounded by the caller's context plus the client-level timeout.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTimeout = 10 * time.Second

	// Bodies of failed responses are kept for error reporting but truncated
	// to avoid unbounded memory on misbehaving upstreams.
	maxErrorBodyBytes = 4 << 10
)

// Client issues authenticated requests against one upstream base URL.
type Client struct {
	log     *slog.Logger
	baseURL string
	service Credentials
	httpc   *http.Client
}

// NewClient constructs a Client. The service credential is used for calls that
// do not carry caller credentials (listing, polling, registration).
func NewClient(log *slog.Logger, baseURL string, service Credentials, timeout time.Duration) *Client {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		log:     log,
		baseURL: strings.TrimRight(baseURL, "/"),
		service: service,
		httpc:   &http.Client{Timeout: timeout},
	}
}

// ---- messages ----

type syncMessagesResult struct {
	Success bool `json:"success"`
	Result  struct {
		Updated []RawMessage `json:"updated"`
	} `json:"result"`
}

// SyncMessages fetches all messages in roomID updated strictly after
// sinceMillis (milliseconds since epoch). Results are returned in upstream
// order; the caller is responsible for chronological sorting.
func (c *Client) SyncMessages(ctx context.Context, roomID string, sinceMillis int64) ([]RawMessage, error) {
	q := url.Values{}
	q.Set("roomId", roomID)
	q.Set("next", strconv.FormatInt(sinceMillis, 10))
	q.Set("type", "UPDATED")

	var out syncMessagesResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/chat.syncMessages?"+q.Encode(), nil, c.service, &out); err != nil {
		return nil, err
	}
	return out.Result.Updated, nil
}

type sendMessageResult struct {
	Success bool       `json:"success"`
	Message RawMessage `json:"message"`
}

// SendMessage posts a message upstream with the caller's own credentials.
// Avatar and attachment URLs that are not absolute http(s) URLs are stripped
// rather than failing the call.
func (c *Client) SendMessage(ctx context.Context, in SendMessageInput) (RawMessage, error) {
	if !in.Credentials.Valid() {
		return RawMessage{}, fmt.Errorf("send message: %w", errMissingCredentials)
	}
	if strings.TrimSpace(in.Text) == "" {
		return RawMessage{}, fmt.Errorf("send message: %w", errEmptyMessage)
	}

	msg := map[string]any{
		"rid": in.RoomID,
		"msg": in.Text,
	}
	if in.Alias != "" {
		msg["alias"] = in.Alias
	}
	if in.Emoji != "" {
		msg["emoji"] = in.Emoji
	}
	if avatar := in.Avatar; isAbsoluteHTTPURL(avatar) {
		msg["avatar"] = avatar
	}
	if len(in.Attachments) > 0 {
		msg["attachments"] = SanitizeAttachments(in.Attachments)
	}

	var out sendMessageResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/chat.sendMessage", map[string]any{"message": msg}, in.Credentials, &out); err != nil {
		return RawMessage{}, err
	}
	return out.Message, nil
}

// ---- rooms / users ----

type listRoomsResult struct {
	Success bool          `json:"success"`
	Update  []RoomSummary `json:"update"`
}

// ListRooms returns the rooms visible to the service credential.
func (c *Client) ListRooms(ctx context.Context) ([]RoomSummary, error) {
	var out listRoomsResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/rooms.get", nil, c.service, &out); err != nil {
		return nil, err
	}
	return out.Update, nil
}

type listUsersResult struct {
	Success bool          `json:"success"`
	Users   []UserSummary `json:"users"`
}

// ListUsers returns the upstream user directory.
func (c *Client) ListUsers(ctx context.Context) ([]UserSummary, error) {
	var out listUsersResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/users.list", nil, c.service, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

type createDMResult struct {
	Success bool        `json:"success"`
	Room    RoomSummary `json:"room"`
}

// CreateDirectMessage opens (or reuses) a DM room between the caller and
// targetUsername, using the caller's credentials.
func (c *Client) CreateDirectMessage(ctx context.Context, targetUsername string, creds Credentials) (RoomSummary, error) {
	if !creds.Valid() {
		return RoomSummary{}, fmt.Errorf("create dm: %w", errMissingCredentials)
	}

	body := map[string]any{
		"username":    targetUsername,
		"excludeSelf": false,
	}

	var out createDMResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/dm.create", body, creds, &out); err != nil {
		return RoomSummary{}, err
	}
	return out.Room, nil
}

// ---- auth forwarding ----

type loginResult struct {
	Status string `json:"status"`
	Data   struct {
		AuthToken string `json:"authToken"`
		UserID    string `json:"userId"`
	} `json:"data"`
}

// Login exchanges an identifier (username or email) and password for upstream
// credentials. On success it also marks the user online, best-effort.
func (c *Client) Login(ctx context.Context, identifier, password string) (Credentials, error) {
	body := map[string]any{
		"email":    identifier,
		"password": password,
	}

	var out loginResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/login", body, Credentials{}, &out); err != nil {
		return Credentials{}, err
	}

	creds := Credentials{AuthToken: out.Data.AuthToken, UserID: out.Data.UserID}

	// Presence is cosmetic; a failure here must not fail the login.
	if err := c.setStatusOnline(ctx); err != nil {
		c.log.Info("upstream.set_status.fail", "err", err)
	}
	return creds, nil
}

// Register creates an upstream user with the service credential and then logs
// the new user in to obtain their tokens.
func (c *Client) Register(ctx context.Context, username, name, email, password string) (Credentials, error) {
	body := map[string]any{
		"username": username,
		"name":     name,
		"email":    email,
		"password": password,
	}

	var out struct {
		Success bool `json:"success"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/users.create", body, c.service, &out); err != nil {
		return Credentials{}, err
	}
	return c.Login(ctx, email, password)
}

func (c *Client) setStatusOnline(ctx context.Context) error {
	body := map[string]any{
		"status":  "online",
		"message": "Online via SpikeChat relay",
	}
	var out struct {
		Success bool `json:"success"`
	}
	return c.do(ctx, http.MethodPost, "/api/v1/users.setStatus", body, c.service, &out)
}

// ---- request plumbing ----

func (c *Client) do(ctx context.Context, method, path string, body any, creds Credentials, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if creds.AuthToken != "" {
		req.Header.Set("X-Auth-Token", creds.AuthToken)
	}
	if creds.UserID != "" {
		req.Header.Set("X-User-Id", creds.UserID)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &Error{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ---- validation helpers ----

// SanitizeAttachments strips title_link and image_url fields whose values are
// not well-formed absolute http(s) URLs. Attachments themselves are kept.
func SanitizeAttachments(atts []RawAttachment) []RawAttachment {
	out := make([]RawAttachment, 0, len(atts))
	for _, a := range atts {
		if !isAbsoluteHTTPURL(a.TitleLink) {
			a.TitleLink = ""
		}
		if !isAbsoluteHTTPURL(a.ImageURL) {
			a.ImageURL = ""
		}
		out = append(out, a)
	}
	return out
}

func isAbsoluteHTTPURL(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
