package portal

import (
	"net/http"
	"strconv"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/auth"
)

const defaultInboxLimit = 50

// handleNotificationList returns the actor's inbox, newest first. Query
// params: unread=true narrows to unread rows, limit caps the page.
func (s *Server) handleNotificationList(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	q := r.URL.Query()
	unreadOnly := q.Get("unread") == "true"
	limit := defaultInboxLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			api.WriteBadRequest(w, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	list, err := s.deps.Inbox.ListForUser(r.Context(), actor.UserID, unreadOnly, limit)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	unread, err := s.deps.Inbox.UnreadCount(r.Context(), actor.UserID)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	api.WriteJSON(w, http.StatusOK, map[string]any{
		"notifications": list,
		"count":         len(list),
		"unread":        unread,
	})
}

// handleNotificationRead acknowledges one row. Marking a row that is not
// yours is a 404, same as one that does not exist.
func (s *Server) handleNotificationRead(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	if err := s.deps.Inbox.MarkRead(r.Context(), actor.UserID, r.PathValue("id")); err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
