// Package stealth makes an automated tab present like an ordinary desktop
// browser: a consistent user agent, locale, timezone and language headers,
// plus a script that hides the usual automation tells before any page script
// runs.
package stealth

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quill-cli/internal/config"
)

// evasionsScript runs in every new document.
const evasionsScript = `(() => {
  const define = (obj, prop, value) => {
    try { Object.defineProperty(obj, prop, { get: () => value, configurable: true }); } catch (e) {}
  };
  define(Navigator.prototype, 'webdriver', undefined);
  if (!window.chrome) { window.chrome = { runtime: {} }; }
  const langs = %s;
  if (langs.length) { define(Navigator.prototype, 'languages', Object.freeze(langs.slice())); }
  const platform = %q;
  if (platform) { define(Navigator.prototype, 'platform', platform); }
  const query = window.navigator.permissions && window.navigator.permissions.query;
  if (query) {
    window.navigator.permissions.query = (p) => p && p.name === 'notifications'
      ? Promise.resolve({ state: Notification.permission })
      : query.call(window.navigator.permissions, p);
  }
})();`

// Persona is the browser profile to present.
type Persona struct {
	UserAgent string
	Platform  string
	Languages []string
	Timezone  string
	Locale    string
}

// PersonaFromConfig builds the persona for cfg. The stealth user agent wins
// over browser.user_agent.
func PersonaFromConfig(cfg config.BrowserConfig) Persona {
	ua := cfg.Stealth.UserAgent
	if ua == "" {
		ua = cfg.UserAgent
	}
	return Persona{
		UserAgent: ua,
		Platform:  cfg.Stealth.Platform,
		Languages: cfg.Stealth.Languages,
		Timezone:  cfg.Stealth.Timezone,
		Locale:    cfg.Stealth.Locale,
	}
}

// AcceptLanguage renders the languages as an Accept-Language header value
// with descending quality weights.
func (p Persona) AcceptLanguage() string {
	parts := make([]string, 0, len(p.Languages))
	for i, lang := range p.Languages {
		lang = strings.TrimSpace(lang)
		if lang == "" {
			continue
		}
		if i == 0 {
			parts = append(parts, lang)
			continue
		}
		q := 1.0 - 0.1*float64(i)
		if q < 0.1 {
			q = 0.1
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", lang, q))
	}
	return strings.Join(parts, ",")
}

// Script returns the evasion script with the persona's values filled in.
func (p Persona) Script() string {
	quoted := make([]string, 0, len(p.Languages))
	for _, lang := range p.Languages {
		if lang = strings.TrimSpace(lang); lang != "" {
			quoted = append(quoted, fmt.Sprintf("%q", lang))
		}
	}
	return fmt.Sprintf(evasionsScript, "["+strings.Join(quoted, ",")+"]", p.Platform)
}

// Apply returns the CDP actions that install the persona on the current tab.
// Empty persona fields leave the browser's own value in place.
func Apply(p Persona, logger *zap.Logger) chromedp.Tasks {
	logger.Debug("Applying browser persona.",
		zap.String("user_agent", p.UserAgent),
		zap.String("timezone", p.Timezone),
		zap.String("locale", p.Locale),
	)

	tasks := chromedp.Tasks{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(p.Script()).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),
	}
	if p.UserAgent != "" {
		override := emulation.SetUserAgentOverride(p.UserAgent).WithPlatform(p.Platform)
		if al := p.AcceptLanguage(); al != "" {
			override = override.WithAcceptLanguage(al)
		}
		tasks = append(tasks, override)
	}
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}
	if al := p.AcceptLanguage(); al != "" {
		tasks = append(tasks, network.Enable(), network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": al}))
	}
	return tasks
}
