package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Wyydra/yacall/internal/auth"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog/log"
)

type ctxKey struct{}

func participantFrom(ctx context.Context) (domain.Participant, bool) {
	p, ok := ctx.Value(ctxKey{}).(domain.Participant)
	return p, ok
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := h.Verifier.Verify(auth.TokenFromRequest(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, p)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// ListMessages returns the conversation with ?with=<user>.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	me, _ := participantFrom(r.Context())
	with := domain.UserID(r.URL.Query().Get("with"))
	if with.IsZero() {
		writeError(w, http.StatusBadRequest, domain.ErrNoPeerSelected)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	msgs, err := h.ChatService.History(r.Context(), me.ID, with, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	me, _ := participantFrom(r.Context())

	var req domain.MessageSend
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	msg, err := h.ChatService.SendMessage(r.Context(), me.ID, req.To, req.Content)
	switch {
	case errors.Is(err, domain.ErrEmptyMessage), errors.Is(err, domain.ErrNoPeerSelected):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) ListPresence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, domain.PresenceList{Users: h.Hub.OnlineUsers()})
}
