package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"relaychat/auth"
	"relaychat/db"
	"relaychat/models"
	"relaychat/protocol"
	"relaychat/server"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	maxBodyBytes        = 1 << 20
)

// Handler serves the REST endpoints. Chat submission and read marking go
// through the websocket router so live delivery matches the socket path.
type Handler struct {
	store  db.Store
	router *server.Router
	issuer *auth.Issuer
	log    zerolog.Logger
}

func NewHandler(store db.Store, router *server.Router, issuer *auth.Issuer, log zerolog.Logger) *Handler {
	return &Handler{store: store, router: router, issuer: issuer, log: log}
}

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, response{Success: false, Message: message})
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	h.log.Error().Err(err).Str("path", r.URL.Path).Msg(msg)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

type userJSON struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Avatar    string `json:"avatar,omitempty"`
	IsOnline  *bool  `json:"isOnline,omitempty"`
	Role      string `json:"role,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

func initials(name string) string {
	var b strings.Builder
	for _, part := range strings.Fields(name) {
		for _, r := range part {
			b.WriteString(strings.ToUpper(string(r)))
			break
		}
	}
	return b.String()
}

type signupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	if req.Name == "" || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Name, email, and password are required")
		return
	}

	user, err := h.store.CreateUser(r.Context(), req.Email, req.Name, req.Password)
	switch {
	case errors.Is(err, db.ErrEmailTaken):
		writeError(w, http.StatusConflict, "An account with this email already exists")
		return
	case errors.Is(err, db.ErrNameTaken):
		writeError(w, http.StatusConflict, "This username is already taken")
		return
	case err != nil:
		h.internalError(w, r, err, "signup failed")
		return
	}

	h.log.Info().Int64("user_id", user.ID).Msg("user created")
	writeJSON(w, http.StatusCreated, response{
		Success: true,
		Message: "Account created successfully!",
		Data: map[string]any{
			"user": userJSON{ID: user.ID, Name: user.Name, Email: user.Email},
		},
	})
}

type signinRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signinResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Token   string   `json:"token"`
	User    userJSON `json:"user"`
}

func (h *Handler) Signin(w http.ResponseWriter, r *http.Request) {
	var req signinRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	user, err := h.store.AuthenticateUser(r.Context(), strings.TrimSpace(req.Email), req.Password)
	if errors.Is(err, db.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	if err != nil {
		h.internalError(w, r, err, "signin failed")
		return
	}

	token, err := h.issuer.Issue(user.ID)
	if err != nil {
		h.internalError(w, r, err, "token issue failed")
		return
	}

	h.log.Info().Int64("user_id", user.ID).Msg("user signed in")
	writeJSON(w, http.StatusOK, signinResponse{
		Success: true,
		Message: "Login successful!",
		Token:   token,
		User:    userJSON{ID: user.ID, Name: user.Name, Email: user.Email},
	})
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	if models.IsAdmin(userID) {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"user":    userJSON{ID: userID, Name: models.AdminUserName, Email: "admin", Role: "admin"},
		})
		return
	}

	user, err := h.store.GetUser(r.Context(), userID)
	if errors.Is(err, db.ErrNoRows) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		h.internalError(w, r, err, "verify failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    userJSON{ID: user.ID, Name: user.Name, Email: user.Email},
	})
}

// Signout is stateless: tokens expire on their own and the websocket
// logout frame handles presence.
func (h *Handler) Signout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, response{Success: true, Message: "Logged out successfully"})
}

func (h *Handler) Users(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.internalError(w, r, err, "list users failed")
		return
	}

	out := make([]userJSON, 0, len(users))
	for _, u := range users {
		online := h.router.IsOnline(u.ID)
		out = append(out, userJSON{
			ID:        u.ID,
			Name:      u.Name,
			Email:     u.Email,
			Avatar:    initials(u.Name),
			IsOnline:  &online,
			CreatedAt: protocol.FormatTime(u.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, response{Success: true, Data: out})
}

type messageJSON struct {
	ID           int64  `json:"id"`
	SenderID     int64  `json:"senderId"`
	ReceiverID   int64  `json:"receiverId"`
	Message      string `json:"message"`
	MessageType  string `json:"messageType"`
	Timestamp    string `json:"timestamp"`
	IsRead       bool   `json:"isRead"`
	SenderName   string `json:"senderName,omitempty"`
	ReceiverName string `json:"receiverName,omitempty"`
}

func newMessageJSON(m *models.Message) messageJSON {
	return messageJSON{
		ID:          m.ID,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Message:     m.Body,
		MessageType: m.Kind,
		Timestamp:   protocol.FormatTime(m.CreatedAt),
		IsRead:      m.Read,
	}
}

type sendRequest struct {
	ReceiverID  *protocol.ID `json:"receiverId"`
	Message     string       `json:"message"`
	MessageType string       `json:"messageType"`
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	senderID, _ := UserIDFromContext(r.Context())

	var req sendRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var receiver *int64
	if req.ReceiverID != nil {
		id := int64(*req.ReceiverID)
		receiver = &id
	}

	res, err := h.router.SubmitChat(r.Context(), senderID, receiver, req.Message, req.MessageType)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, server.ErrReceiverRequired), errors.Is(err, server.ErrEmptyMessage):
			status = http.StatusBadRequest
		case errors.Is(err, server.ErrReceiverNotFound):
			status = http.StatusNotFound
		default:
			h.log.Error().Err(err).Int64("sender_id", senderID).Msg("send message failed")
		}
		writeError(w, status, server.ChatErrorText(err))
		return
	}

	msg := newMessageJSON(res.Message)
	msg.SenderName = res.View.SenderName
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":   true,
		"message":   "Message sent successfully",
		"data":      msg,
		"delivered": res.Delivered,
	})
}

func parseUserID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "userId")
	if raw == "" {
		return 0, errors.New("missing user id")
	}
	return strconv.ParseInt(raw, 10, 64)
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return v
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	me, _ := UserIDFromContext(r.Context())
	peer, err := parseUserID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "User ID is required")
		return
	}

	limit := queryInt(r, "limit", defaultHistoryLimit)
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	messages, err := h.store.GetMessages(r.Context(), me, peer, offset, limit)
	if err != nil {
		h.internalError(w, r, err, "get messages failed")
		return
	}
	total, err := h.store.CountMessages(r.Context(), me, peer)
	if err != nil {
		h.internalError(w, r, err, "count messages failed")
		return
	}

	names := map[int64]string{
		me:   h.nameOf(r.Context(), me),
		peer: h.nameOf(r.Context(), peer),
	}
	out := make([]messageJSON, 0, len(messages))
	for i := range messages {
		m := newMessageJSON(&messages[i])
		m.SenderName = names[m.SenderID]
		m.ReceiverName = names[m.ReceiverID]
		out = append(out, m)
	}

	writeJSON(w, http.StatusOK, response{
		Success: true,
		Data: map[string]any{
			"messages": out,
			"total":    total,
			"hasMore":  offset+limit < total,
		},
	})
}

func (h *Handler) nameOf(ctx context.Context, id int64) string {
	if models.IsAdmin(id) {
		return models.AdminUserName
	}
	u, err := h.store.GetUser(ctx, id)
	if err != nil {
		return ""
	}
	return u.Name
}

type conversationJSON struct {
	UserID          int64  `json:"userId"`
	UserName        string `json:"userName"`
	UserAvatar      string `json:"userAvatar"`
	LastMessage     string `json:"lastMessage"`
	LastMessageTime string `json:"lastMessageTime"`
	UnreadCount     int    `json:"unreadCount"`
	IsOnline        bool   `json:"isOnline"`
}

func (h *Handler) Conversations(w http.ResponseWriter, r *http.Request) {
	me, _ := UserIDFromContext(r.Context())

	convs, err := h.store.GetConversations(r.Context(), me)
	if err != nil {
		h.internalError(w, r, err, "get conversations failed")
		return
	}

	out := make([]conversationJSON, 0, len(convs))
	for _, c := range convs {
		out = append(out, conversationJSON{
			UserID:          c.PeerID,
			UserName:        c.PeerName,
			UserAvatar:      initials(c.PeerName),
			LastMessage:     c.LastMessage,
			LastMessageTime: protocol.FormatTime(c.LastMessageAt),
			UnreadCount:     c.UnreadCount,
			IsOnline:        h.router.IsOnline(c.PeerID),
		})
	}
	writeJSON(w, http.StatusOK, response{Success: true, Data: out})
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	me, _ := UserIDFromContext(r.Context())
	sender, err := parseUserID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "User ID is required")
		return
	}

	count, err := h.router.MarkRead(r.Context(), me, sender)
	if err != nil {
		h.internalError(w, r, err, "mark as read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("%d messages marked as read", count),
		"count":   count,
	})
}

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status, code := "healthy", http.StatusOK
	checks := make(map[string]Check)

	start := time.Now()
	if err := h.store.Ping(ctx); err != nil {
		checks["store"] = Check{Status: "fail", Message: "connection failed"}
		status, code = "degraded", http.StatusServiceUnavailable
	} else {
		checks["store"] = Check{Status: "pass", Latency: time.Since(start).String()}
	}

	writeJSON(w, code, map[string]any{
		"status":      status,
		"checks":      checks,
		"onlineUsers": len(h.router.OnlineUsers()),
		"timestamp":   protocol.FormatTime(time.Now()),
	})
}
