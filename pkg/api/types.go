package api

import (
	"strings"
	"time"

	"github.com/mihaimyh/storyflow/pkg/storyflow"
)

type signupRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,password"`
	Name     string `json:"name" validate:"max=100"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// UserResponse is the public view of an account
type UserResponse struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	Name      string     `json:"name"`
	Premium   bool       `json:"premium"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

func newUserResponse(u *storyflow.User, withCreated bool) *UserResponse {
	resp := &UserResponse{ID: u.ID, Email: u.Email, Name: u.Name, Premium: u.Premium}
	if withCreated {
		created := u.CreatedAt
		resp.CreatedAt = &created
	}
	return resp
}

type userEnvelope struct {
	User *UserResponse `json:"user"`
}

type createStoryRequest struct {
	Title    string   `json:"title" validate:"required,max=200"`
	Excerpt  string   `json:"excerpt" validate:"max=500"`
	Content  string   `json:"content" validate:"required"`
	Author   string   `json:"author" validate:"max=100"`
	Genre    string   `json:"genre" validate:"max=64"`
	Length   string   `json:"length" validate:"omitempty,oneof=short medium long"`
	ReadTime *int     `json:"readTime" validate:"omitempty,gte=1,lte=600"`
	Tags     []string `json:"tags" validate:"max=20,dive,max=32"`
	Premium  bool     `json:"isPremium"`
}

type storyEnvelope struct {
	Story *storyflow.Story `json:"story"`
}

type storyList struct {
	Items []*storyflow.Story `json:"items"`
}

type ratingRequest struct {
	StoryID string `json:"storyId" validate:"required"`
	Score   *int   `json:"score" validate:"required,gte=1,lte=5"`
}

type ratingResponse struct {
	Rating float64 `json:"rating"`
	Count  int     `json:"count"`
}

// checkoutRequest accepts the price reference under either name
type checkoutRequest struct {
	PriceRef string `json:"priceRef"`
	PriceID  string `json:"priceId"`
}

func (c checkoutRequest) price() string {
	if ref := strings.TrimSpace(c.PriceRef); ref != "" {
		return ref
	}
	return strings.TrimSpace(c.PriceID)
}

type redirectResponse struct {
	URL  string `json:"url"`
	Note string `json:"note,omitempty"`
}

// HealthResponse is the body of GET /api/health
type HealthResponse struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Environment string            `json:"environment"`
	Services    map[string]string `json:"services"`
}
