package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Avicted/courier/internal/auth"
	"github.com/Avicted/courier/internal/message"
	"github.com/Avicted/courier/internal/securelog"
	"github.com/Avicted/courier/internal/user"
)

const (
	maxBodyBytes = 1 << 20
	timeLayout   = time.RFC3339Nano
)

type Handler struct {
	auth       *auth.Service
	messages   *message.Service
	sender     Sender
	presence   PresenceProvider
	adminToken string
	log        *zap.Logger
}

// Sender routes a validated draft on behalf of identity.
type Sender interface {
	Route(ctx context.Context, identity user.ID, draft message.Draft) (message.Message, error)
}

type PresenceProvider interface {
	Online(userID user.ID) bool
}

func NewHandler(auth *auth.Service, messages *message.Service, sender Sender, presence PresenceProvider, adminToken string, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		auth:       auth,
		messages:   messages,
		sender:     sender,
		presence:   presence,
		adminToken: adminToken,
		log:        log.Named("httpapi"),
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/messages", h.handleMessages)
	mux.HandleFunc("/messages/hide", h.handleHide)
	mux.HandleFunc("/messages/delete-for-everyone", h.handleDeleteForEveryone)
	mux.HandleFunc("/presence", h.handlePresence)
	mux.HandleFunc("/auth/tokens", h.handleIssueToken)
	mux.HandleFunc("/health", h.handleHealth)
}

func (h *Handler) authenticate(r *http.Request) (auth.Session, error) {
	if h.auth == nil {
		return auth.Session{}, auth.ErrUnauthorized
	}
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return auth.Session{}, auth.ErrUnauthorized
	}
	return h.auth.ValidateToken(token)
}

func (h *Handler) authenticateAdmin(r *http.Request) bool {
	if strings.TrimSpace(h.adminToken) == "" {
		return false
	}
	return strings.TrimSpace(r.Header.Get("X-Admin-Token")) == h.adminToken
}

type historyResponse struct {
	With     user.ID           `json:"with"`
	Messages []message.Payload `json:"messages"`
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleHistory(w, r)
	case http.MethodPost:
		h.handleSend(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if h.messages == nil {
		h.writeError(w, http.StatusInternalServerError, errors.New("message service not configured"))
		return
	}
	session, err := h.authenticate(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, err)
		return
	}

	peer := user.ID(strings.TrimSpace(r.URL.Query().Get("with")))
	if !peer.Valid() {
		h.writeError(w, http.StatusBadRequest, errors.New("with query parameter is required"))
		return
	}

	msgs, err := h.messages.History(r.Context(), session.UserID, peer, session.UserID)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}

	resp := historyResponse{With: peer, Messages: make([]message.Payload, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, message.ToPayload(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	if h.sender == nil {
		h.writeError(w, http.StatusInternalServerError, errors.New("router not configured"))
		return
	}
	session, err := h.authenticate(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, err)
		return
	}

	var frame message.Frame
	if err := decodeJSON(w, r, &frame); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	draft, err := frame.Draft()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	msg, err := h.sender.Route(r.Context(), session.UserID, draft)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, message.ToPayload(msg))
}

type messageIDRequest struct {
	MessageID message.ID `json:"message_id"`
}

func (h *Handler) handleHide(w http.ResponseWriter, r *http.Request) {
	h.handleVisibility(w, r, func(ctx context.Context, id message.ID, actor user.ID) error {
		return h.messages.HideForMe(ctx, id, actor)
	})
}

func (h *Handler) handleDeleteForEveryone(w http.ResponseWriter, r *http.Request) {
	h.handleVisibility(w, r, func(ctx context.Context, id message.ID, actor user.ID) error {
		return h.messages.DeleteForEveryone(ctx, id, actor)
	})
}

func (h *Handler) handleVisibility(w http.ResponseWriter, r *http.Request, apply func(context.Context, message.ID, user.ID) error) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.messages == nil {
		h.writeError(w, http.StatusInternalServerError, errors.New("message service not configured"))
		return
	}
	session, err := h.authenticate(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, err)
		return
	}

	var req messageIDRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	req.MessageID = message.ID(strings.TrimSpace(string(req.MessageID)))
	if req.MessageID == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("message_id is required"))
		return
	}

	if err := apply(r.Context(), req.MessageID, session.UserID); err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type presenceResponse struct {
	UserID user.ID `json:"user_id"`
	Online bool    `json:"online"`
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, err := h.authenticate(r); err != nil {
		h.writeError(w, http.StatusUnauthorized, err)
		return
	}

	id := user.ID(strings.TrimSpace(r.URL.Query().Get("user")))
	if !id.Valid() {
		h.writeError(w, http.StatusBadRequest, errors.New("user query parameter is required"))
		return
	}
	online := false
	if h.presence != nil {
		online = h.presence.Online(id)
	}
	writeJSON(w, http.StatusOK, presenceResponse{UserID: id, Online: online})
}

type issueTokenRequest struct {
	UserID user.ID `json:"user_id"`
}

type issueTokenResponse struct {
	Token     string  `json:"token"`
	UserID    user.ID `json:"user_id"`
	ExpiresAt string  `json:"expires_at"`
}

func (h *Handler) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.authenticateAdmin(r) {
		h.writeError(w, http.StatusUnauthorized, auth.ErrUnauthorized)
		return
	}
	if h.auth == nil {
		h.writeError(w, http.StatusInternalServerError, errors.New("auth service not configured"))
		return
	}

	var req issueTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	session, err := h.auth.Issue(req.UserID)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidInput) {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusCreated, issueTokenResponse{
		Token:     session.Token,
		UserID:    session.UserID,
		ExpiresAt: session.ExpiresAt.UTC().Format(timeLayout),
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, message.ErrMalformedInput), errors.Is(err, message.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, message.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, message.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, message.ErrPersistenceUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("multiple json objects are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError logs the error chain without its text and returns a short
// client-facing message.
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	securelog.Error(h.log, "httpapi", err)
	writeJSON(w, status, map[string]string{"error": publicMessage(status, err)})
}

func publicMessage(status int, err error) string {
	switch status {
	case http.StatusInternalServerError:
		return "internal error"
	case http.StatusBadGateway:
		return message.ErrPersistenceUnavailable.Error()
	case http.StatusUnauthorized:
		return auth.ErrUnauthorized.Error()
	default:
		return err.Error()
	}
}
