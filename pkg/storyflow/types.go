// Package storyflow holds the domain model shared by the storyflow service:
// accounts, entitlement state, stories and the read-path content gate.
package storyflow

import (
	"strings"
	"time"
)

// SubscriptionStatus mirrors the payment provider's subscription lifecycle states
type SubscriptionStatus string

const (
	StatusActive            SubscriptionStatus = "active"
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusUnpaid            SubscriptionStatus = "unpaid"
	StatusIncomplete        SubscriptionStatus = "incomplete"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	StatusPaused            SubscriptionStatus = "paused"
)

// Entitled reports whether a subscription in this status grants premium access.
// Only active and trialing subscriptions do; past_due is not tolerated.
func (s SubscriptionStatus) Entitled() bool {
	return s == StatusActive || s == StatusTrialing
}

// DefaultPlan is stored when the provider sends no plan label
const DefaultPlan = "default"

// User is a local account together with its entitlement fields.
// Premium and ExternalCustomerID are written only by the billing reconciler.
type User struct {
	ID                 string
	Email              string
	Name               string
	PasswordHash       string // empty for identity-less (demo) users
	Premium            bool
	ExternalCustomerID string // empty until linked by a completed checkout
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// HasCredential reports whether the user can log in with a password
func (u *User) HasCredential() bool {
	return u.PasswordHash != ""
}

// Subscription is one external subscription lifecycle instance, keyed by ExternalID
type Subscription struct {
	ExternalID string
	UserID     string
	Status     SubscriptionStatus
	Plan       string
	// EventAt and EventID identify the provider event that last wrote this record
	EventAt   time.Time
	EventID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Supersedes reports whether a write carrying eventAt and eventID may replace
// this record under event-time ordering. Provider timestamps have second
// resolution, so a different event in the same second still applies; only an
// older event or a replay of the stored one is rejected.
func (s *Subscription) Supersedes(eventAt time.Time, eventID string) bool {
	if eventAt.After(s.EventAt) {
		return true
	}
	return eventAt.Equal(s.EventAt) && eventID != "" && eventID != s.EventID
}

// Story is a piece of readable content. Premium stories are hidden from
// viewers without an entitlement.
type Story struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Excerpt   string    `json:"excerpt"`
	Content   string    `json:"content"`
	Author    string    `json:"author"`
	Genre     string    `json:"genre"`
	Length    string    `json:"length"`
	ReadTime  int       `json:"readTime"`
	Tags      []string  `json:"tags"`
	Views     int       `json:"views"`
	Likes     int       `json:"likes"`
	Premium   bool      `json:"isPremium"`
	UserID    string    `json:"userId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// StoryFilter narrows a story listing. Zero values match everything.
type StoryFilter struct {
	Query  string
	Genre  string
	Length string
}

// Matches applies the filter in memory (case-insensitive substring on
// title, excerpt and author; exact genre and length).
func (f StoryFilter) Matches(s *Story) bool {
	if f.Genre != "" && s.Genre != f.Genre {
		return false
	}
	if f.Length != "" && s.Length != f.Length {
		return false
	}
	if f.Query == "" {
		return true
	}
	q := strings.ToLower(f.Query)
	return strings.Contains(strings.ToLower(s.Title), q) ||
		strings.Contains(strings.ToLower(s.Excerpt), q) ||
		strings.Contains(strings.ToLower(s.Author), q)
}

// Rating is one user's score for one story
type Rating struct {
	UserID  string
	StoryID string
	Score   int
}

// RatingSummary aggregates all ratings of a story
type RatingSummary struct {
	Average float64
	Count   int
}

// Identity is the authenticated caller as carried by a verified session token
type Identity struct {
	UserID string
	Email  string
}
