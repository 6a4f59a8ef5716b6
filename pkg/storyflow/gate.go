package storyflow

import (
	"context"
	"errors"
)

// Viewer is the entitlement-resolved reader of content. The zero value is an
// anonymous viewer without premium access.
type Viewer struct {
	UserID  string
	Premium bool
}

// Anonymous reports whether the viewer has no identity
func (v Viewer) Anonymous() bool {
	return v.UserID == ""
}

// CanRead reports whether the viewer may see the story
func (v Viewer) CanRead(s *Story) bool {
	if s == nil {
		return false
	}
	return !s.Premium || v.Premium
}

// FilterStories returns the stories the viewer may see, preserving order.
// Entitled viewers get the input slice back unchanged.
func FilterStories(stories []*Story, v Viewer) []*Story {
	if v.Premium {
		return stories
	}
	visible := make([]*Story, 0, len(stories))
	for _, s := range stories {
		if v.CanRead(s) {
			visible = append(visible, s)
		}
	}
	return visible
}

// ResolveViewer reads the identity's current premium flag from the store.
// It never fails: an anonymous identity, an unknown user or a store error all
// produce a viewer without premium access.
func ResolveViewer(ctx context.Context, users UserStore, id *Identity, logger Logger) Viewer {
	if id == nil || id.UserID == "" {
		return Viewer{}
	}
	user, err := users.GetUserByID(ctx, id.UserID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) && logger != nil {
			logger.Warn("viewer lookup failed, treating as non-premium",
				F("user_id", id.UserID), F("error", err.Error()))
		}
		return Viewer{UserID: id.UserID}
	}
	return Viewer{UserID: user.ID, Premium: user.Premium}
}
