package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/LionelRostand/neorent-sub005/internal/domain"
	"github.com/LionelRostand/neorent-sub005/internal/session"
)

func handleListConversations(core session.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := CurrentIdentity(r)
		if !ok {
			writeError(w, domain.ErrUnauthorized)
			return
		}
		convs, err := core.ListConversations(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, convs)
	}
}

func handleGetConversation(core session.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := CurrentIdentity(r)
		if !ok {
			writeError(w, domain.ErrUnauthorized)
			return
		}
		conv, err := core.Conversation(r.Context(), id, chi.URLParam(r, "conversationID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

func handleMarkConversationRead(core session.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := CurrentIdentity(r)
		if !ok {
			writeError(w, domain.ErrUnauthorized)
			return
		}
		if err := core.MarkRead(r.Context(), id, chi.URLParam(r, "conversationID")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}
