package api

import (
	"errors"
	"math"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mihaimyh/storyflow/pkg/generator"
	"github.com/mihaimyh/storyflow/pkg/storyflow"
)

const defaultReadTime = 5

// ListStories returns the stories matching q, genre and length that the
// caller may read. Premium stories are silently left out for non-entitled viewers.
func (h *Handler) ListStories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storyflow.StoryFilter{
		Query:  strings.TrimSpace(q.Get("q")),
		Genre:  q.Get("genre"),
		Length: q.Get("length"),
	}

	stories, err := h.config.Store.ListStories(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	viewer := storyflow.ResolveViewer(r.Context(), h.config.Store, identity(r), h.logger)
	items := storyflow.FilterStories(stories, viewer)
	if items == nil {
		items = []*storyflow.Story{}
	}
	h.respond(w, http.StatusOK, storyList{Items: items})
}

// GetStory returns one story. A premium story read without entitlement is
// answered exactly like a missing one.
func (h *Handler) GetStory(w http.ResponseWriter, r *http.Request) {
	story, err := h.config.Store.GetStory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	viewer := storyflow.ResolveViewer(r.Context(), h.config.Store, identity(r), h.logger)
	if !viewer.CanRead(story) {
		h.writeError(w, r, storyflow.ErrNotFound)
		return
	}
	h.respond(w, http.StatusOK, storyEnvelope{Story: story})
}

// CreateStory stores a story authored by the caller
func (h *Handler) CreateStory(w http.ResponseWriter, r *http.Request) {
	var req createStoryRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	id := identity(r)

	story := &storyflow.Story{
		ID:        uuid.NewString(),
		Title:     strings.TrimSpace(req.Title),
		Excerpt:   req.Excerpt,
		Content:   req.Content,
		Author:    strings.TrimSpace(req.Author),
		Genre:     req.Genre,
		Length:    req.Length,
		ReadTime:  defaultReadTime,
		Tags:      req.Tags,
		Premium:   req.Premium,
		UserID:    id.UserID,
		CreatedAt: h.config.Now().UTC(),
	}
	if req.ReadTime != nil {
		story.ReadTime = *req.ReadTime
	}
	if story.Tags == nil {
		story.Tags = []string{}
	}
	if story.Author == "" {
		story.Author = h.authorName(r, id)
	}

	if err := h.config.Store.CreateStory(r.Context(), story); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, storyEnvelope{Story: story})
}

func (h *Handler) authorName(r *http.Request, id *storyflow.Identity) string {
	user, err := h.config.Store.GetUserByID(r.Context(), id.UserID)
	if err != nil || user.Name == "" {
		return "Anonymous"
	}
	return user.Name
}

// RateStory upserts the caller's score for a story and returns the new average
func (h *Handler) RateStory(w http.ResponseWriter, r *http.Request) {
	var req ratingRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	summary, err := h.config.Store.UpsertRating(r.Context(), storyflow.Rating{
		UserID:  identity(r).UserID,
		StoryID: req.StoryID,
		Score:   *req.Score,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, ratingResponse{
		Rating: math.Round(summary.Average*10) / 10,
		Count:  summary.Count,
	})
}

// Generate asks the story generator for a new story
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var req generator.Request
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	story, err := h.config.Generator.Generate(r.Context(), req)
	if err != nil {
		if !errors.Is(err, storyflow.ErrValidation) {
			h.logger.Error("story generation failed", storyflow.F("error", err.Error()))
			h.respond(w, http.StatusInternalServerError, errorResponse{Error: "Failed to generate story"})
			return
		}
		h.writeError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, story)
}
