package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"spikechat/cmd/internal/relay"
	"spikechat/cmd/internal/upstream"
)

// upstreamAPI is the subset of the upstream client the HTTP surface uses.
type upstreamAPI interface {
	SyncMessages(ctx context.Context, roomID string, sinceMillis int64) ([]upstream.RawMessage, error)
	SendMessage(ctx context.Context, in upstream.SendMessageInput) (upstream.RawMessage, error)
	ListRooms(ctx context.Context) ([]upstream.RoomSummary, error)
	ListUsers(ctx context.Context) ([]upstream.UserSummary, error)
	CreateDirectMessage(ctx context.Context, targetUsername string, creds upstream.Credentials) (upstream.RoomSummary, error)
	Register(ctx context.Context, username, name, email, password string) (upstream.Credentials, error)
	Login(ctx context.Context, identifier, password string) (upstream.Credentials, error)
}

// apiHandler serves the relay's REST surface. Every response carries the
// {success, ...} envelope the browser clients expect.
type apiHandler struct {
	log           *slog.Logger
	up            upstreamAPI
	defaultRoomID string
	lookback      time.Duration
	timeout       time.Duration
}

func newAPIHandler(log *slog.Logger, up upstreamAPI, cfg Config) *apiHandler {
	return &apiHandler{
		log:           log,
		up:            up,
		defaultRoomID: cfg.DefaultRoomID,
		lookback:      cfg.HistoryLookback,
		timeout:       cfg.UpstreamTimeout,
	}
}

func (h *apiHandler) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.handleHealth)
	mux.HandleFunc("GET /api/messages", h.handleGetMessages)
	mux.HandleFunc("GET /api/messages/{roomId}", h.handleGetMessages)
	mux.HandleFunc("GET /api/list-rooms", h.handleListRooms)
	mux.HandleFunc("GET /api/list-users", h.handleListUsers)
	mux.HandleFunc("POST /api/create-dm", h.handleCreateDM)
	mux.HandleFunc("POST /api/messages", h.handleSendMessage)
	mux.HandleFunc("POST /api/register", h.handleRegister)
	mux.HandleFunc("POST /api/login", h.handleLogin)
}

// ---- handlers ----

func (h *apiHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *apiHandler) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimSpace(r.PathValue("roomId"))
	if roomID == "" {
		roomID = h.defaultRoomID
	}

	since := time.Now().UTC().Add(-h.lookback).UnixMilli()
	if prev := strings.TrimSpace(r.URL.Query().Get("previous")); prev != "" {
		n, err := strconv.ParseInt(prev, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "previous must be a positive millisecond timestamp")
			return
		}
		since = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	raw, err := h.up.SyncMessages(ctx, roomID, since)
	if err != nil {
		h.writeUpstreamError(w, "fetch messages", err)
		return
	}

	msgs := relay.FormatBatch(raw)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"messages": msgs,
		"count":    len(msgs),
	})
}

func (h *apiHandler) handleListRooms(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	rooms, err := h.up.ListRooms(ctx)
	if err != nil {
		h.writeUpstreamError(w, "list rooms", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "rooms": rooms})
}

func (h *apiHandler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	users, err := h.up.ListUsers(ctx)
	if err != nil {
		h.writeUpstreamError(w, "list users", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "users": users})
}

func (h *apiHandler) handleCreateDM(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username  string `json:"username"`
		AuthToken string `json:"authToken"`
		UserID    string `json:"userId"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Username) == "" {
		writeError(w, http.StatusBadRequest, "username is required to create a DM")
		return
	}
	creds := upstream.Credentials{AuthToken: req.AuthToken, UserID: req.UserID}
	if !creds.Valid() {
		writeError(w, http.StatusBadRequest, "authToken and userId are required to create a DM")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	room, err := h.up.CreateDirectMessage(ctx, req.Username, creds)
	if err != nil {
		h.writeUpstreamError(w, "create dm", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "room": room})
}

func (h *apiHandler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message     string                   `json:"message"`
		RoomID      string                   `json:"roomId"`
		UserID      string                   `json:"userId"`
		AuthToken   string                   `json:"authToken"`
		Alias       string                   `json:"alias"`
		Emoji       string                   `json:"emoji"`
		Avatar      string                   `json:"avatar"`
		Attachments []upstream.RawAttachment `json:"attachments"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	creds := upstream.Credentials{AuthToken: req.AuthToken, UserID: req.UserID}
	if !creds.Valid() {
		writeError(w, http.StatusBadRequest, "authToken and userId are required to send messages")
		return
	}

	roomID := strings.TrimSpace(req.RoomID)
	if roomID == "" {
		roomID = h.defaultRoomID
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sent, err := h.up.SendMessage(ctx, upstream.SendMessageInput{
		RoomID:      roomID,
		Text:        req.Message,
		Credentials: creds,
		Alias:       req.Alias,
		Emoji:       req.Emoji,
		Avatar:      req.Avatar,
		Attachments: req.Attachments,
	})
	if err != nil {
		h.writeUpstreamError(w, "send message", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": relay.FormatMessage(sent)})
}

func (h *apiHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Name == "" || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username, name, email and password are all required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	creds, err := h.up.Register(ctx, req.Username, req.Name, req.Email, req.Password)
	if err != nil {
		h.writeUpstreamError(w, "register", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    map[string]string{"authToken": creds.AuthToken, "userId": creds.UserID},
	})
}

func (h *apiHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	identifier := req.Username
	if identifier == "" {
		identifier = req.Email
	}
	if identifier == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username or email, and password, are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	creds, err := h.up.Login(ctx, identifier, req.Password)
	if err != nil {
		h.writeUpstreamError(w, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    map[string]string{"authToken": creds.AuthToken, "userId": creds.UserID},
	})
}

// ---- response plumbing ----

func (h *apiHandler) writeUpstreamError(w http.ResponseWriter, op string, err error) {
	h.log.Warn("api.upstream.fail", "op", op, "err", err)

	var ue *upstream.Error
	if errors.As(err, &ue) && ue.Status >= 400 && ue.Status < 500 {
		// Rejection: the caller's request was bad (credentials, payload).
		writeError(w, http.StatusBadRequest, ue.Body)
		return
	}
	writeError(w, http.StatusBadGateway, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
