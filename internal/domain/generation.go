package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	GenerationStatusCreated    = "created"
	GenerationStatusQueued     = "queued"
	GenerationStatusProcessing = "processing"
	GenerationStatusSucceeded  = "succeeded"
	GenerationStatusFailed     = "failed"
)

const MaxPromptLength = 2000

// GenerationRequest is the caller's side of a render submission. The image
// itself arrives as a multipart file and is validated by the preprocessor,
// not here.
type GenerationRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	WebhookURL     string `json:"webhook_url,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}

func (r GenerationRequest) Validate() error {
	prompt := strings.TrimSpace(r.Prompt)
	if prompt == "" {
		return errors.New("prompt is required")
	}
	if utf8.RuneCountInString(prompt) > MaxPromptLength {
		return fmt.Errorf("prompt exceeds %d characters", MaxPromptLength)
	}
	if utf8.RuneCountInString(r.NegativePrompt) > MaxPromptLength {
		return fmt.Errorf("negative_prompt exceeds %d characters", MaxPromptLength)
	}
	if r.WebhookURL != "" {
		u, err := url.Parse(r.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("webhook_url must be an absolute http(s) URL")
		}
	}
	return nil
}

// Generation is one render job: a prompt plus a preprocessed source image
// driven through the external runner.
type Generation struct {
	ID              string
	UserID          string
	Status          string
	Prompt          string
	NegativePrompt  string
	WebhookURL      string
	SourceKey       string
	SourceMediaType string
	SourceWidth     int
	SourceHeight    int
	OutputKey       string
	OutputMediaType string
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
