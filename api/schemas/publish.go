package schemas

import (
	"fmt"
	"strings"
	"time"
)

// -- Login Schemas --

// Credentials are the account credentials for one login attempt. They are held
// in memory only for the duration of the attempt.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"-"`
}

// LoginStatus classifies the terminal outcome of a login attempt.
type LoginStatus string

const (
	LoginSuccess                    LoginStatus = "success"
	LoginFailed                     LoginStatus = "failed"
	LoginTwoFactorRequired          LoginStatus = "twoFactorRequired"
	LoginDeviceRegistrationRequired LoginStatus = "deviceRegistrationRequired"
)

// IsChallenge reports whether the status asks for out-of-band user action
// rather than signalling success or failure.
func (s LoginStatus) IsChallenge() bool {
	return s == LoginTwoFactorRequired || s == LoginDeviceRegistrationRequired
}

// LoginResult is returned by every login attempt, including failed ones.
type LoginResult struct {
	Status   LoginStatus `json:"status"`
	Username string      `json:"username,omitempty"`
	FinalURL string      `json:"finalUrl,omitempty"`
	Reason   string      `json:"reason,omitempty"`
}

// -- Content Schemas --

// ImageMarker binds a literal "(image N)" marker in the body to the image that
// replaces it. Source is a remote URL or a local path.
type ImageMarker struct {
	Index  int    `json:"index"`
	Source string `json:"source"`
}

// MarkerText returns the literal placeholder for an image index.
func MarkerText(index int) string {
	return fmt.Sprintf("(image %d)", index)
}

// ContentPayload is the immutable input of one content injection run.
type ContentPayload struct {
	Title   string        `json:"title"`
	Body    string        `json:"body"`
	Markers []ImageMarker `json:"markers,omitempty"`
	Links   []string      `json:"links,omitempty"`
}

// Validate checks the payload invariants: a non-empty title and body, and
// markers whose indices are unique, positive and present in the body.
func (p ContentPayload) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("%w: title is empty", ErrInvalidContent)
	}
	if strings.TrimSpace(p.Body) == "" {
		return fmt.Errorf("%w: body is empty", ErrInvalidContent)
	}
	seen := make(map[int]bool, len(p.Markers))
	for _, m := range p.Markers {
		if m.Index <= 0 {
			return fmt.Errorf("%w: marker index %d must be positive", ErrInvalidContent, m.Index)
		}
		if seen[m.Index] {
			return fmt.Errorf("%w: marker index %d bound twice", ErrInvalidContent, m.Index)
		}
		seen[m.Index] = true
		if !strings.Contains(p.Body, MarkerText(m.Index)) {
			return fmt.Errorf("%w: marker %q not present in body", ErrInvalidContent, MarkerText(m.Index))
		}
	}
	return nil
}

// InjectionReport records what the content injection pipeline actually placed.
// Callers compare it with the payload to present partial results.
type InjectionReport struct {
	TitleEntered  bool     `json:"titleEntered"`
	BodyPasted    bool     `json:"bodyPasted"`
	ImagesPlaced  []int    `json:"imagesPlaced,omitempty"`
	ImagesSkipped []int    `json:"imagesSkipped,omitempty"`
	LinksCarded   []string `json:"linksCarded,omitempty"`
	LinksSkipped  []string `json:"linksSkipped,omitempty"`
}

// -- Publish Schemas --

// PublishMode selects how the document leaves the editor.
type PublishMode string

const (
	ModeDraft     PublishMode = "draft"
	ModeImmediate PublishMode = "immediate"
	ModeScheduled PublishMode = "scheduled"
)

// ParsePublishMode maps user input onto a PublishMode.
func ParsePublishMode(s string) (PublishMode, error) {
	switch PublishMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeDraft:
		return ModeDraft, nil
	case ModeImmediate, "":
		return ModeImmediate, nil
	case ModeScheduled:
		return ModeScheduled, nil
	}
	return "", fmt.Errorf("%w: unknown publish mode %q", ErrInvalidOptions, s)
}

// PublishOptions are the immutable options of one publish attempt.
type PublishOptions struct {
	Mode        PublishMode `json:"mode"`
	ScheduledAt *time.Time  `json:"scheduledAt,omitempty"`
	Board       string      `json:"board,omitempty"`
}

// Validate checks the options against the current time. A scheduled publish
// needs a time strictly after now.
func (o PublishOptions) Validate(now time.Time) error {
	switch o.Mode {
	case ModeDraft, ModeImmediate:
		return nil
	case ModeScheduled:
		if o.ScheduledAt == nil {
			return fmt.Errorf("%w: scheduled mode requires a date and time", ErrInvalidOptions)
		}
		if !o.ScheduledAt.After(now) {
			return fmt.Errorf("%w: scheduled time %s is not in the future", ErrInvalidOptions, o.ScheduledAt.Format(time.RFC3339))
		}
		return nil
	}
	return fmt.Errorf("%w: unknown publish mode %q", ErrInvalidOptions, o.Mode)
}

// PublishStatus is the outcome of a publish attempt.
type PublishStatus string

const (
	StatusSuccess                PublishStatus = "success"
	StatusDraftSaved             PublishStatus = "draftSaved"
	StatusScheduled              PublishStatus = "scheduled"
	StatusTimedOutAssumedSuccess PublishStatus = "timedOutAssumedSuccess"
	StatusFailed                 PublishStatus = "failed"
)

// PublishResult is produced once per attempt and never retried automatically.
// Verified is false when the status rests on a timeout or a missing toast.
type PublishResult struct {
	Status        PublishStatus `json:"status"`
	SelectedBoard string        `json:"selectedBoard,omitempty"`
	BoardApplied  bool          `json:"boardApplied"`
	PublishedURL  string        `json:"publishedUrl,omitempty"`
	Verified      bool          `json:"verified"`
	Reason        string        `json:"reason,omitempty"`
}

// BoardSelection reports the category that is in effect after selection.
// Applied is false when the requested category was not found.
type BoardSelection struct {
	Success       bool   `json:"success"`
	SelectedBoard string `json:"selectedBoard"`
	Applied       bool   `json:"applied"`
}
