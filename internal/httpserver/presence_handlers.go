package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/LionelRostand/neorent-sub005/internal/domain"
	"github.com/LionelRostand/neorent-sub005/internal/session"
)

func handleListOnline(core session.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := core.OnlineUsers(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, users)
	}
}

func handleUserStatus(core session.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := core.QueryStatus(r.Context(), chi.URLParam(r, "userID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

type heartbeatRequest struct {
	DeviceID string `json:"device_id"`
	Online   *bool  `json:"online"`
}

// handleHeartbeat lets clients without a websocket keep a device marked
// online by polling at the heartbeat interval.
func handleHeartbeat(core session.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := CurrentIdentity(r)
		if !ok {
			writeError(w, domain.ErrUnauthorized)
			return
		}
		var req heartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
		if req.DeviceID == "" {
			req.DeviceID = "http"
		}
		online := req.Online == nil || *req.Online

		if err := core.Heartbeat(r.Context(), id, req.DeviceID, online); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"device_id":          req.DeviceID,
			"online":             online,
			"heartbeat_interval": core.HeartbeatInterval().String(),
		})
	}
}
