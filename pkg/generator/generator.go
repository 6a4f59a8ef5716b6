// Package generator produces stories on request. The generation itself is an
// external collaborator; this package only fixes the request/response contract.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/storyflow/pkg/storyflow"
)

// Request describes the story to generate
type Request struct {
	Genre  string `json:"genre" validate:"required,max=64"`
	Length string `json:"length" validate:"required,oneof=short medium long"`
	Style  string `json:"style,omitempty" validate:"max=64"`
	Prompt string `json:"prompt,omitempty" validate:"max=2000"`
}

// Generator produces a story for a request
type Generator interface {
	Generate(ctx context.Context, req Request) (*storyflow.Story, error)
}

// ReadTime returns the estimated reading time in minutes for a length class
func ReadTime(length string) int {
	switch length {
	case "short":
		return 3
	case "long":
		return 15
	default:
		return 8
	}
}

// Placeholder answers without any external service
type Placeholder struct {
	Now func() time.Time
}

// Generate implements Generator
func (p Placeholder) Generate(_ context.Context, req Request) (*storyflow.Story, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	title := fmt.Sprintf("A %s %s story", req.Length, strings.ToLower(req.Genre))
	content := fmt.Sprintf("Story generation is not configured. Requested genre: %s, length: %s.", req.Genre, req.Length)
	if req.Prompt != "" {
		content += " Prompt: " + req.Prompt
	}
	tags := []string{strings.ToLower(req.Genre)}
	if req.Style != "" {
		tags = append(tags, strings.ToLower(req.Style))
	}

	return &storyflow.Story{
		ID:        "story_" + uuid.NewString(),
		Title:     title,
		Excerpt:   content,
		Content:   content,
		Author:    "AI StoryFlow",
		Genre:     req.Genre,
		Length:    req.Length,
		ReadTime:  ReadTime(req.Length),
		Tags:      tags,
		CreatedAt: now().UTC(),
	}, nil
}

// Remote forwards requests to an external generation server's /api/generate
// endpoint and falls back when it is unreachable or answers with an error
type Remote struct {
	baseURL  string
	client   *http.Client
	fallback Generator
	logger   storyflow.Logger
}

// RemoteConfig configures a Remote generator
type RemoteConfig struct {
	BaseURL string

	// Timeout bounds each request. Defaults to 30s.
	Timeout time.Duration

	// Fallback defaults to Placeholder
	Fallback Generator

	Logger storyflow.Logger
}

// NewRemote creates a Remote generator
func NewRemote(cfg RemoteConfig) *Remote {
	r := &Remote{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		fallback: cfg.Fallback,
		logger:   cfg.Logger,
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r.client = &http.Client{Timeout: timeout}
	if r.fallback == nil {
		r.fallback = Placeholder{}
	}
	if r.logger == nil {
		r.logger = &storyflow.NoopLogger{}
	}
	return r
}

// Generate implements Generator
func (r *Remote) Generate(ctx context.Context, req Request) (*storyflow.Story, error) {
	story, err := r.generateRemote(ctx, req)
	if err == nil {
		return story, nil
	}
	r.logger.Warn("remote story generation failed, using fallback",
		storyflow.F("url", r.baseURL), storyflow.F("error", err))
	return r.fallback.Generate(ctx, req)
}

func (r *Remote) generateRemote(ctx context.Context, req Request) (*storyflow.Story, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("generator answered %d", resp.StatusCode)
	}

	var story storyflow.Story
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&story); err != nil {
		return nil, fmt.Errorf("decode generated story: %w", err)
	}
	if story.Title == "" || story.Content == "" {
		return nil, fmt.Errorf("generated story is incomplete")
	}
	return &story, nil
}
