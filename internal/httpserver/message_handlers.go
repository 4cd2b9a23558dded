package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/LionelRostand/neorent-sub005/internal/domain"
	"github.com/LionelRostand/neorent-sub005/internal/session"
)

type sendMessageRequest struct {
	// Either ConversationID or ToUserID must be set.
	ConversationID string `json:"conversation_id"`
	ToUserID       string `json:"to_user_id"`
	ToDisplayName  string `json:"to_display_name"`
	Type           string `json:"type"`
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotency_key"`
}

func handleSendMessage(core session.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := CurrentIdentity(r)
		if !ok {
			writeError(w, domain.ErrUnauthorized)
			return
		}
		var req sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
		if req.IdempotencyKey == "" {
			req.IdempotencyKey = r.Header.Get("Idempotency-Key")
		}

		msg, err := core.Send(r.Context(), id, session.SendRequest{
			ConversationID: req.ConversationID,
			ToUserID:       req.ToUserID,
			ToDisplayName:  req.ToDisplayName,
			Type:           domain.ConversationType(req.Type),
			Content:        req.Content,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}

func handleListMessages(core session.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := CurrentIdentity(r)
		if !ok {
			writeError(w, domain.ErrUnauthorized)
			return
		}
		limit, err := queryInt(r, "limit")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		before, err := queryInt(r, "before")
		if err != nil || before < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid cursor"})
			return
		}

		page, err := core.History(r.Context(), id, chi.URLParam(r, "conversationID"), int(limit), before)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

func queryInt(r *http.Request, key string) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}
