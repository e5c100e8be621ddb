package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ongoingai/tracedesk/internal/pathutil"
	"github.com/ongoingai/tracedesk/internal/trace"
)

type createCommentRequest struct {
	ObjectType   string `json:"object_type"`
	ObjectID     string `json:"object_id"`
	AuthorUserID string `json:"author_user_id"`
	Content      string `json:"content"`
}

func CommentsHandler(store trace.CommentStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "comment store is not configured")
			return
		}
		switch r.Method {
		case http.MethodGet:
			listComments(w, r, store)
		case http.MethodPost:
			createComment(w, r, store)
		default:
			writeMethodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
	})
}

func CommentDetailHandler(store trace.CommentStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodDelete) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "comment store is not configured")
			return
		}
		id, ok := pathutil.Resource(r.URL.EscapedPath(), "/api/comments")
		if !ok {
			http.NotFound(w, r)
			return
		}
		if err := store.DeleteComment(r.Context(), id); err != nil {
			if errors.Is(err, trace.ErrNotFound) {
				writeError(w, http.StatusNotFound, "comment not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to delete comment")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func listComments(w http.ResponseWriter, r *http.Request, store trace.CommentStore) {
	query := r.URL.Query()
	objectType, ok := normalizeObjectType(query.Get("object_type"))
	if !ok {
		writeError(w, http.StatusBadRequest, "object_type must be TRACE or OBSERVATION")
		return
	}
	objectID := strings.TrimSpace(query.Get("object_id"))
	if objectID == "" {
		writeError(w, http.StatusBadRequest, "object_id is required")
		return
	}

	items, err := store.ListComments(r.Context(), objectType, objectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list comments")
		return
	}
	out := make([]Comment, 0, len(items))
	for _, item := range items {
		out = append(out, FromComment(item))
	}
	writeJSON(w, http.StatusOK, CommentList{Items: out})
}

func createComment(w http.ResponseWriter, r *http.Request, store trace.CommentStore) {
	var req createCommentRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	objectType, ok := normalizeObjectType(req.ObjectType)
	if !ok {
		writeError(w, http.StatusBadRequest, "object_type must be TRACE or OBSERVATION")
		return
	}
	if strings.TrimSpace(req.ObjectID) == "" {
		writeError(w, http.StatusBadRequest, "object_id is required")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	created, err := store.CreateComment(r.Context(), trace.Comment{
		ObjectType:   objectType,
		ObjectID:     strings.TrimSpace(req.ObjectID),
		AuthorUserID: strings.TrimSpace(req.AuthorUserID),
		Content:      req.Content,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create comment")
		return
	}
	writeJSON(w, http.StatusCreated, FromComment(*created))
}

// normalizeObjectType defaults to TRACE.
func normalizeObjectType(raw string) (string, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", trace.CommentObjectTrace:
		return trace.CommentObjectTrace, true
	case trace.CommentObjectObservation:
		return trace.CommentObjectObservation, true
	default:
		return "", false
	}
}
