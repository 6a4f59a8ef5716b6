// Package memory provides an in-memory implementation of the storyflow.Storage interface.
// It backs the Fallback storage mode and tests; state is lost on restart and is
// not shared between processes.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/storyflow/pkg/storyflow"
)

// Storage implements storyflow.Storage using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	users         map[string]*storyflow.User
	byEmail       map[string]string // normalized email -> user id
	byCustomer    map[string]string // external customer id -> user id
	subscriptions map[string]*storyflow.Subscription
	stories       map[string]*storyflow.Story
	ratings       map[string]map[string]int // story id -> user id -> score
	seq           int64

	now func() time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		users:         make(map[string]*storyflow.User),
		byEmail:       make(map[string]string),
		byCustomer:    make(map[string]string),
		subscriptions: make(map[string]*storyflow.Subscription),
		stories:       make(map[string]*storyflow.Story),
		ratings:       make(map[string]map[string]int),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateUser implements storyflow.UserStore
func (s *Storage) CreateUser(_ context.Context, user *storyflow.User) error {
	if user == nil || normalizeEmail(user.Email) == "" {
		return fmt.Errorf("%w: user email is required", storyflow.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	email := normalizeEmail(user.Email)
	if _, taken := s.byEmail[email]; taken {
		return storyflow.ErrEmailTaken
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if _, exists := s.users[user.ID]; exists {
		return fmt.Errorf("%w: user id %s", storyflow.ErrConflict, user.ID)
	}
	if user.ExternalCustomerID != "" {
		if _, linked := s.byCustomer[user.ExternalCustomerID]; linked {
			return storyflow.ErrCustomerLinkConflict
		}
	}

	now := s.now()
	user.Email = email
	user.CreatedAt = now
	user.UpdatedAt = now

	u := *user
	s.users[u.ID] = &u
	s.byEmail[email] = u.ID
	if u.ExternalCustomerID != "" {
		s.byCustomer[u.ExternalCustomerID] = u.ID
	}
	return nil
}

// GetUserByID implements storyflow.UserStore
func (s *Storage) GetUserByID(_ context.Context, id string) (*storyflow.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, storyflow.ErrNotFound
	}
	uCopy := *u
	return &uCopy, nil
}

// GetUserByEmail implements storyflow.UserStore
func (s *Storage) GetUserByEmail(_ context.Context, email string) (*storyflow.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, storyflow.ErrNotFound
	}
	uCopy := *s.users[id]
	return &uCopy, nil
}

// UpsertCustomerLink implements storyflow.EntitlementStore
func (s *Storage) UpsertCustomerLink(_ context.Context, email, externalCustomerID string) (*storyflow.User, error) {
	if externalCustomerID == "" {
		return nil, fmt.Errorf("%w: external customer id is required", storyflow.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, storyflow.ErrNotFound
	}
	u := s.users[id]
	before := *u

	if u.ExternalCustomerID == externalCustomerID {
		return &before, nil
	}
	if u.ExternalCustomerID != "" {
		return nil, storyflow.ErrCustomerLinkConflict
	}
	if owner, linked := s.byCustomer[externalCustomerID]; linked && owner != id {
		return nil, storyflow.ErrCustomerLinkConflict
	}

	u.ExternalCustomerID = externalCustomerID
	u.UpdatedAt = s.now()
	s.byCustomer[externalCustomerID] = id
	return &before, nil
}

// SetPremium implements storyflow.EntitlementStore
func (s *Storage) SetPremium(_ context.Context, userID string, premium bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return storyflow.ErrNotFound
	}
	if u.Premium != premium {
		u.Premium = premium
		u.UpdatedAt = s.now()
	}
	return nil
}

// UpsertSubscription implements storyflow.EntitlementStore
func (s *Storage) UpsertSubscription(_ context.Context, sub *storyflow.Subscription) error {
	if err := validateSubscription(sub); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsertSubscriptionLocked(sub)
	return nil
}

// UpsertSubscriptionIfNewer implements storyflow.EntitlementStore
func (s *Storage) UpsertSubscriptionIfNewer(_ context.Context, sub *storyflow.Subscription) (bool, error) {
	if err := validateSubscription(sub); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.subscriptions[sub.ExternalID]; ok && !existing.Supersedes(sub.EventAt, sub.EventID) {
		return false, nil
	}
	s.upsertSubscriptionLocked(sub)
	return true, nil
}

func (s *Storage) upsertSubscriptionLocked(sub *storyflow.Subscription) {
	now := s.now()
	s.seq++
	// seq keeps UpdatedAt strictly increasing for deterministic ordering
	updatedAt := now.Add(time.Duration(s.seq))

	if existing, ok := s.subscriptions[sub.ExternalID]; ok {
		existing.UserID = sub.UserID
		existing.Status = sub.Status
		existing.Plan = sub.Plan
		existing.EventAt = sub.EventAt
		existing.EventID = sub.EventID
		existing.UpdatedAt = updatedAt
		return
	}

	subCopy := *sub
	subCopy.CreatedAt = now
	subCopy.UpdatedAt = updatedAt
	s.subscriptions[sub.ExternalID] = &subCopy
}

func validateSubscription(sub *storyflow.Subscription) error {
	if sub == nil || sub.ExternalID == "" || sub.UserID == "" {
		return fmt.Errorf("%w: subscription requires external id and user id", storyflow.ErrValidation)
	}
	return nil
}

// GetSubscription implements storyflow.EntitlementStore
func (s *Storage) GetSubscription(_ context.Context, externalID string) (*storyflow.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[externalID]
	if !ok {
		return nil, storyflow.ErrNotFound
	}
	subCopy := *sub
	return &subCopy, nil
}

// ListSubscriptions implements storyflow.EntitlementStore
func (s *Storage) ListSubscriptions(_ context.Context, userID string) ([]*storyflow.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var subs []*storyflow.Subscription
	for _, sub := range s.subscriptions {
		if sub.UserID == userID {
			subCopy := *sub
			subs = append(subs, &subCopy)
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].UpdatedAt.After(subs[j].UpdatedAt)
	})
	return subs, nil
}

// FindUserByExternalCustomerID implements storyflow.EntitlementStore
func (s *Storage) FindUserByExternalCustomerID(_ context.Context, externalCustomerID string) (*storyflow.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byCustomer[externalCustomerID]
	if !ok {
		return nil, storyflow.ErrNotFound
	}
	uCopy := *s.users[id]
	return &uCopy, nil
}

// CreateStory implements storyflow.ContentStore
func (s *Storage) CreateStory(_ context.Context, story *storyflow.Story) error {
	if story == nil || story.Title == "" {
		return fmt.Errorf("%w: story title is required", storyflow.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if story.ID == "" {
		story.ID = uuid.NewString()
	}
	if _, exists := s.stories[story.ID]; exists {
		return fmt.Errorf("%w: story id %s", storyflow.ErrConflict, story.ID)
	}
	if story.CreatedAt.IsZero() {
		story.CreatedAt = s.now()
	}

	s.stories[story.ID] = copyStory(story)
	return nil
}

// GetStory implements storyflow.ContentStore
func (s *Storage) GetStory(_ context.Context, id string) (*storyflow.Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stories[id]
	if !ok {
		return nil, storyflow.ErrNotFound
	}
	return copyStory(st), nil
}

// ListStories implements storyflow.ContentStore
func (s *Storage) ListStories(_ context.Context, filter storyflow.StoryFilter) ([]*storyflow.Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stories := make([]*storyflow.Story, 0, len(s.stories))
	for _, st := range s.stories {
		if filter.Matches(st) {
			stories = append(stories, copyStory(st))
		}
	}
	sort.Slice(stories, func(i, j int) bool {
		if stories[i].CreatedAt.Equal(stories[j].CreatedAt) {
			return stories[i].ID < stories[j].ID
		}
		return stories[i].CreatedAt.After(stories[j].CreatedAt)
	})
	return stories, nil
}

func copyStory(st *storyflow.Story) *storyflow.Story {
	stCopy := *st
	stCopy.Tags = make([]string, len(st.Tags))
	copy(stCopy.Tags, st.Tags)
	return &stCopy
}

// UpsertRating implements storyflow.ContentStore
func (s *Storage) UpsertRating(_ context.Context, rating storyflow.Rating) (storyflow.RatingSummary, error) {
	if rating.Score < 1 || rating.Score > 5 {
		return storyflow.RatingSummary{}, fmt.Errorf("%w: score must be between 1 and 5", storyflow.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stories[rating.StoryID]; !ok {
		return storyflow.RatingSummary{}, storyflow.ErrNotFound
	}
	scores, ok := s.ratings[rating.StoryID]
	if !ok {
		scores = make(map[string]int)
		s.ratings[rating.StoryID] = scores
	}
	scores[rating.UserID] = rating.Score

	total := 0
	for _, score := range scores {
		total += score
	}
	return storyflow.RatingSummary{
		Average: float64(total) / float64(len(scores)),
		Count:   len(scores),
	}, nil
}

// Ping implements storyflow.Storage
func (s *Storage) Ping(_ context.Context) error {
	return nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = make(map[string]*storyflow.User)
	s.byEmail = make(map[string]string)
	s.byCustomer = make(map[string]string)
	s.subscriptions = make(map[string]*storyflow.Subscription)
	s.stories = make(map[string]*storyflow.Story)
	s.ratings = make(map[string]map[string]int)
}
