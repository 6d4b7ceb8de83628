// internal/auth/detect.go
package auth

import (
	"net/url"
	"strings"
	"time"

	"github.com/xkilldash9x/quill-cli/internal/config"
)

// PageSnapshot is the slice of page state the login classifier looks at. It is
// captured in a single evaluate per poll.
type PageSnapshot struct {
	URL     string
	Text    string
	Present map[string]bool
}

// Detector recognises one kind of second-factor indicator.
type Detector interface {
	Name() string
	Detect(PageSnapshot) bool
}

// FieldDetector fires when any of the known challenge form fields is present.
type FieldDetector struct{ Selectors []string }

func (FieldDetector) Name() string { return "field" }

func (d FieldDetector) Detect(s PageSnapshot) bool { return anyPresent(s, d.Selectors) }

// StatusTextDetector fires when any known challenge status element is present.
type StatusTextDetector struct{ Selectors []string }

func (StatusTextDetector) Name() string { return "status-text" }

func (d StatusTextDetector) Detect(s PageSnapshot) bool { return anyPresent(s, d.Selectors) }

// PhraseDetector fires when the page text contains a challenge phrase,
// compared case-insensitively.
type PhraseDetector struct{ Phrases []string }

func (PhraseDetector) Name() string { return "phrase" }

func (d PhraseDetector) Detect(s PageSnapshot) bool { return containsAny(s.Text, d.Phrases) }

func anyPresent(s PageSnapshot, selectors []string) bool {
	for _, sel := range selectors {
		if s.Present[sel] {
			return true
		}
	}
	return false
}

func containsAny(text string, phrases []string) bool {
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// AnyOf combines detectors with logical OR, in priority order.
type AnyOf []Detector

// Match returns the name of the first detector that fires.
func (a AnyOf) Match(s PageSnapshot) (string, bool) {
	for _, d := range a {
		if d.Detect(s) {
			return d.Name(), true
		}
	}
	return "", false
}

// ChallengeDetectors builds the configured second-factor detectors.
func ChallengeDetectors(cfg config.AuthConfig) AnyOf {
	return AnyOf{
		FieldDetector{Selectors: cfg.TwoFactorFields},
		StatusTextDetector{Selectors: cfg.TwoFactorStatusText},
		PhraseDetector{Phrases: cfg.ChallengePhrases},
	}
}

// -- Classification --

type action int

const (
	actPoll action = iota
	actSucceed
	actFail
	actSkipDevice
	actChallenge
)

// pollState is what the classifier remembers between polls.
type pollState struct {
	quiet           bool
	deviceAttempted bool
}

type decision struct {
	action action
	state  State
	reason string
}

// classifier maps one snapshot onto the next step of the login state machine.
type classifier struct {
	platform  config.PlatformConfig
	detectors AnyOf
	errors    []string
	stall     time.Duration
}

func (c classifier) classify(s PageSnapshot, elapsed time.Duration, st pollState) decision {
	host := hostOf(s.URL)

	if c.authenticated(host) {
		return decision{action: actSucceed, state: StateSuccess}
	}

	if c.platform.DeviceMarker != "" && strings.Contains(s.URL, c.platform.DeviceMarker) {
		if !st.deviceAttempted {
			return decision{action: actSkipDevice, state: StateDeviceRegistrationPending}
		}
		return decision{action: actPoll, state: StateDeviceRegistrationPending}
	}

	if name, ok := c.detectors.Match(s); ok {
		return decision{action: actChallenge, state: StateTwoFactorPending, reason: "second-factor challenge (" + name + ")"}
	}
	if st.quiet {
		return decision{action: actPoll, state: StateTwoFactorPending}
	}

	onLogin := c.onLoginURL(s.URL)
	if onLogin && containsAny(s.Text, c.errors) {
		return decision{action: actFail, state: StateFailed, reason: "login rejected by the platform"}
	}
	if onLogin && elapsed >= c.stall {
		return decision{action: actFail, state: StateFailed, reason: "still on the login page after " + c.stall.String()}
	}
	return decision{action: actPoll, state: StateCredentialsSubmitted}
}

// authenticated reports whether host is on the authenticated domain and not
// on the login domain.
func (c classifier) authenticated(host string) bool {
	if host == "" {
		return false
	}
	return onDomain(host, c.platform.AuthenticatedDomain) && !onDomain(host, c.platform.LoginDomain)
}

// onLoginURL compares scheme-less host and path with the configured login URL.
func (c classifier) onLoginURL(raw string) bool {
	got, err := url.Parse(raw)
	if err != nil {
		return false
	}
	want, err := url.Parse(c.platform.LoginURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(got.Hostname(), want.Hostname()) &&
		strings.TrimSuffix(got.Path, "/") == strings.TrimSuffix(want.Path, "/")
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// onDomain matches host against domain and its subdomains.
func onDomain(host, domain string) bool {
	domain = strings.ToLower(strings.TrimPrefix(domain, "."))
	if domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}
