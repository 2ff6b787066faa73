package api

import (
	"errors"
	"net/http"
	"slices"

	"github.com/pauljones0/portfolio-backend/internal/likes"
	"github.com/pauljones0/portfolio-backend/internal/models"
	"github.com/pauljones0/portfolio-backend/internal/validator"
)

type itemsResponse struct {
	Items []likes.View `json:"items"`
}

type reactRequest struct {
	Emoji string `json:"emoji" validate:"required,max=16"`
}

func (s *Server) device(w http.ResponseWriter, r *http.Request) *device {
	return s.devices.get(r.Context(), deviceID(w, r), s.sessionFor(r))
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	collection := r.URL.Query().Get("collection")
	if collection != "" && !slices.Contains(models.Collections, collection) {
		writeError(w, http.StatusBadRequest, "unknown collection")
		return
	}
	d := s.device(w, r)
	writeJSON(w, http.StatusOK, itemsResponse{Items: d.reconciler.Items(collection)})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	d := s.device(w, r)
	if !d.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "slow down")
		return
	}
	if err := d.reconciler.Refresh(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, "items are unavailable right now")
		return
	}
	writeJSON(w, http.StatusOK, itemsResponse{Items: d.reconciler.Items("")})
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	key := r.PathValue("key")
	action := r.PathValue("action")
	if !slices.Contains(models.Collections, collection) {
		writeError(w, http.StatusBadRequest, "unknown collection")
		return
	}

	var react reactRequest
	if action == "react" {
		if !decodeJSON(w, r, &react) {
			return
		}
		if err := s.validate.ValidateStruct(react); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid reaction", Fields: validator.Fields(err)})
			return
		}
	}

	d := s.device(w, r)
	if !d.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "slow down")
		return
	}
	view, ok := d.reconciler.Lookup(collection, key)
	if !ok {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}

	ctx := r.Context()
	var err error
	switch action {
	case "like":
		err = d.reconciler.Like(ctx, view.Item)
	case "unlike":
		err = d.reconciler.Unlike(ctx, view.Item)
	case "dislike":
		err = d.reconciler.Dislike(ctx, view.Item)
	case "react":
		err = d.reconciler.React(ctx, view.Item, react.Emoji)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if errors.Is(err, likes.ErrBlogOnly) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		// The vote is applied in memory even when the cache write fails.
		s.telemetry.Warn(ctx, "Vote not persisted locally", map[string]any{"action": action, "key": key, "error": err.Error()})
	}

	s.saveSession(w, r, d.identity.session())
	view, _ = d.reconciler.Lookup(collection, key)
	writeJSON(w, http.StatusOK, view)
}
