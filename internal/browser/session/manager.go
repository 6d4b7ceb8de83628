// internal/browser/session/manager.go
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quill-cli/internal/browser/stealth"
	"github.com/xkilldash9x/quill-cli/internal/clock"
	"github.com/xkilldash9x/quill-cli/internal/config"
)

// Manager owns the browser allocator. It either attaches to a running Chrome
// over CDP (browser.remote_url) or launches a local one, and hands out one
// Session per tab.
type Manager struct {
	cfg    config.BrowserConfig
	timing config.TimingConfig
	clock  clock.Clock
	logger *zap.Logger

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
}

// NewManager creates a Manager. The allocator is started lazily by NewSession.
func NewManager(cfg config.Interface, clk clock.Clock, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		cfg:    cfg.Browser(),
		timing: cfg.Timing(),
		clock:  clk,
		logger: logger.Named("browser_manager"),
	}
}

// ExecAllocatorOptions builds the launch flags for a local Chrome.
func ExecAllocatorOptions(cfg config.BrowserConfig) ([]chromedp.ExecAllocatorOption, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("headless", cfg.Headless),
	)
	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("hide-scrollbars", false), chromedp.Flag("mute-audio", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		dir, err := homedir.Expand(cfg.UserDataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to expand user data dir: %w", err)
		}
		opts = append(opts, chromedp.UserDataDir(dir))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		opts = append(opts, chromedp.WindowSize(w, h))
	}

	for _, arg := range cfg.Args {
		arg = strings.TrimPrefix(arg, "--")
		if key, value, ok := strings.Cut(arg, "="); ok {
			opts = append(opts, chromedp.Flag(key, value))
			continue
		}
		opts = append(opts, chromedp.Flag(arg, true))
	}
	return opts, nil
}

func (m *Manager) ensureAllocator() error {
	if m.allocCtx != nil && m.allocCtx.Err() == nil {
		return nil
	}
	if m.allocCancel != nil {
		m.allocCancel()
	}

	if remote := strings.TrimSpace(m.cfg.RemoteURL); remote != "" {
		m.logger.Info("Attaching to remote browser.", zap.String("url", remote))
		m.allocCtx, m.allocCancel = chromedp.NewRemoteAllocator(context.Background(), remote)
		return nil
	}

	opts, err := ExecAllocatorOptions(m.cfg)
	if err != nil {
		return err
	}
	m.logger.Info("Launching local browser.", zap.Bool("headless", m.cfg.Headless))
	m.allocCtx, m.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	return nil
}

// NewSession opens a tab and returns it wrapped as a Session.
func (m *Manager) NewSession(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if err := m.ensureAllocator(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	allocCtx := m.allocCtx
	m.mu.Unlock()

	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(m.logger.Sugar().Debugf),
		chromedp.WithErrorf(m.logger.Sugar().Debugf),
	)

	var setup []chromedp.Action
	if m.cfg.Stealth.Enabled {
		setup = append(setup, stealth.Apply(stealth.PersonaFromConfig(m.cfg), m.logger))
	}
	setup = append(setup, chromedp.Navigate("about:blank"))
	if w, h := m.cfg.Viewport["width"], m.cfg.Viewport["height"]; w > 0 && h > 0 {
		setup = append(setup, emulation.SetDeviceMetricsOverride(int64(w), int64(h), 1, false))
	}

	startCtx, startCancel := CombineContext(tabCtx, ctx)
	defer startCancel()
	if err := chromedp.Run(startCtx, setup...); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to open browser tab: %w", err)
	}

	primary := ModCtrl
	if strings.EqualFold(m.cfg.PasteModifier, "meta") {
		primary = ModMeta
	}
	s := NewSession(tabCtx, tabCancel, Options{
		ActionTimeout:     m.timing.ActionTimeout,
		NavigationTimeout: m.timing.NavigationTimeout,
		PrimaryModifier:   primary,
		Clock:             m.clock,
	}, m.logger)
	m.logger.Debug("Browser tab opened.", zap.String("session_id", s.ID()))
	return s, nil
}

// Close shuts the allocator down, terminating a locally launched browser.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.allocCancel != nil {
		m.allocCancel()
		m.allocCancel = nil
		m.allocCtx = nil
	}
}
