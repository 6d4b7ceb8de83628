// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Platform() PlatformConfig
	Selectors() SelectorsConfig
	Auth() AuthConfig
	Timing() TimingConfig
	Staging() StagingConfig
	Store() StoreConfig
	Metrics() MetricsConfig

	SetBrowserHeadless(bool)
	SetBrowserRemoteURL(string)
	SetStoreEnabled(bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	BrowserCfg   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	PlatformCfg  PlatformConfig  `mapstructure:"platform" yaml:"platform"`
	SelectorsCfg SelectorsConfig `mapstructure:"selectors" yaml:"selectors"`
	AuthCfg      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	TimingCfg    TimingConfig    `mapstructure:"timing" yaml:"timing"`
	StagingCfg   StagingConfig   `mapstructure:"staging" yaml:"staging"`
	StoreCfg     StoreConfig     `mapstructure:"store" yaml:"store"`
	MetricsCfg   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig       { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig     { return c.BrowserCfg }
func (c *Config) Platform() PlatformConfig   { return c.PlatformCfg }
func (c *Config) Selectors() SelectorsConfig { return c.SelectorsCfg }
func (c *Config) Auth() AuthConfig           { return c.AuthCfg }
func (c *Config) Timing() TimingConfig       { return c.TimingCfg }
func (c *Config) Staging() StagingConfig     { return c.StagingCfg }
func (c *Config) Store() StoreConfig         { return c.StoreCfg }
func (c *Config) Metrics() MetricsConfig     { return c.MetricsCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)    { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserRemoteURL(u string) { c.BrowserCfg.RemoteURL = u }
func (c *Config) SetStoreEnabled(b bool)       { c.StoreCfg.Enabled = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig controls how the Chrome session is obtained.
// When RemoteURL is set the driver attaches to an already running browser over
// CDP instead of launching one.
type BrowserConfig struct {
	Headless    bool           `mapstructure:"headless" yaml:"headless"`
	RemoteURL   string         `mapstructure:"remote_url" yaml:"remote_url"`
	ExecPath    string         `mapstructure:"exec_path" yaml:"exec_path"`
	UserDataDir string         `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	UserAgent   string         `mapstructure:"user_agent" yaml:"user_agent"`
	Args        []string       `mapstructure:"args" yaml:"args"`
	Viewport    map[string]int `mapstructure:"viewport" yaml:"viewport"`
	// PasteModifier is the modifier used for editing chords: "ctrl" or "meta".
	PasteModifier string         `mapstructure:"paste_modifier" yaml:"paste_modifier"`
	Humanoid      HumanoidConfig `mapstructure:"humanoid" yaml:"humanoid"`
	Stealth       StealthConfig  `mapstructure:"stealth" yaml:"stealth"`
}

// StealthConfig is the browser persona applied to every tab. UserAgent
// overrides browser.user_agent when set.
type StealthConfig struct {
	Enabled   bool     `mapstructure:"enabled" yaml:"enabled"`
	UserAgent string   `mapstructure:"user_agent" yaml:"user_agent"`
	Platform  string   `mapstructure:"platform" yaml:"platform"`
	Languages []string `mapstructure:"languages" yaml:"languages"`
	Timezone  string   `mapstructure:"timezone" yaml:"timezone"`
	Locale    string   `mapstructure:"locale" yaml:"locale"`
}

// PlatformConfig describes the target publishing platform. URL patterns may
// contain the {user} placeholder, which is replaced with the quoted username.
type PlatformConfig struct {
	Name                string `mapstructure:"name" yaml:"name"`
	LoginURL            string `mapstructure:"login_url" yaml:"login_url"`
	LoginDomain         string `mapstructure:"login_domain" yaml:"login_domain"`
	AuthenticatedDomain string `mapstructure:"authenticated_domain" yaml:"authenticated_domain"`
	DeviceMarker        string `mapstructure:"device_marker" yaml:"device_marker"`
	EditorURL           string `mapstructure:"editor_url" yaml:"editor_url"`
	LogoutURL           string `mapstructure:"logout_url" yaml:"logout_url"`
	EditorFrame         string `mapstructure:"editor_frame" yaml:"editor_frame"`
	PublishedPattern    string `mapstructure:"published_pattern" yaml:"published_pattern"`
	ScheduledPattern    string `mapstructure:"scheduled_pattern" yaml:"scheduled_pattern"`
}

// SelectorsConfig lists locator candidates for every control the automation
// touches. Each entry is a locator spec: a bare CSS selector, "text:<label>"
// for a DOM text search, or "xy:<x>,<y>" for a fixed coordinate. Entries are
// tried in order.
type SelectorsConfig struct {
	LoginUsername []string `mapstructure:"login_username" yaml:"login_username"`
	LoginPassword []string `mapstructure:"login_password" yaml:"login_password"`
	LoginSubmit   []string `mapstructure:"login_submit" yaml:"login_submit"`
	DeviceSkip    []string `mapstructure:"device_skip" yaml:"device_skip"`

	EditorReady   string   `mapstructure:"editor_ready" yaml:"editor_ready"`
	ResumeCancel  []string `mapstructure:"resume_cancel" yaml:"resume_cancel"`
	HelpClose     []string `mapstructure:"help_close" yaml:"help_close"`
	Title         []string `mapstructure:"title" yaml:"title"`
	Body          []string `mapstructure:"body" yaml:"body"`
	LinkLoader    string   `mapstructure:"link_loader" yaml:"link_loader"`
	CategoryOpen  []string `mapstructure:"category_open" yaml:"category_open"`
	CategoryItems string   `mapstructure:"category_items" yaml:"category_items"`
	CategoryLabel []string `mapstructure:"category_label" yaml:"category_label"`

	ScheduleToggle []string `mapstructure:"schedule_toggle" yaml:"schedule_toggle"`
	DateOpen       []string `mapstructure:"date_open" yaml:"date_open"`
	MonthLabel     string   `mapstructure:"month_label" yaml:"month_label"`
	NextMonth      []string `mapstructure:"next_month" yaml:"next_month"`
	DayButtons     string   `mapstructure:"day_buttons" yaml:"day_buttons"`
	HourSelect     string   `mapstructure:"hour_select" yaml:"hour_select"`
	MinuteSelect   string   `mapstructure:"minute_select" yaml:"minute_select"`

	PublishOpen    []string `mapstructure:"publish_open" yaml:"publish_open"`
	PublishConfirm []string `mapstructure:"publish_confirm" yaml:"publish_confirm"`
	DraftSave      []string `mapstructure:"draft_save" yaml:"draft_save"`
	Toast          string   `mapstructure:"toast" yaml:"toast"`
}

// AuthConfig holds the heuristics used to classify login outcomes.
type AuthConfig struct {
	TwoFactorFields     []string `mapstructure:"two_factor_fields" yaml:"two_factor_fields"`
	TwoFactorStatusText []string `mapstructure:"two_factor_status_text" yaml:"two_factor_status_text"`
	ChallengePhrases    []string `mapstructure:"challenge_phrases" yaml:"challenge_phrases"`
	ErrorPhrases        []string `mapstructure:"error_phrases" yaml:"error_phrases"`
	DraftSavedPhrases   []string `mapstructure:"draft_saved_phrases" yaml:"draft_saved_phrases"`
}

// TimingConfig holds every timeout and settle delay of the automation.
type TimingConfig struct {
	ActionTimeout      time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	NavigationTimeout  time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	LoginPollInterval  time.Duration `mapstructure:"login_poll_interval" yaml:"login_poll_interval"`
	LoginTimeout       time.Duration `mapstructure:"login_timeout" yaml:"login_timeout"`
	LoginStallTimeout  time.Duration `mapstructure:"login_stall_timeout" yaml:"login_stall_timeout"`
	VerifyTimeout      time.Duration `mapstructure:"verify_timeout" yaml:"verify_timeout"`
	VerifyPollInterval time.Duration `mapstructure:"verify_poll_interval" yaml:"verify_poll_interval"`
	ToastTimeout       time.Duration `mapstructure:"toast_timeout" yaml:"toast_timeout"`
	ToastPollInterval  time.Duration `mapstructure:"toast_poll_interval" yaml:"toast_poll_interval"`
	LinkCardTimeout    time.Duration `mapstructure:"link_card_timeout" yaml:"link_card_timeout"`
	ClickSettle        time.Duration `mapstructure:"click_settle" yaml:"click_settle"`
	DoubleClickGap     time.Duration `mapstructure:"double_click_gap" yaml:"double_click_gap"`
	PasteSettle        time.Duration `mapstructure:"paste_settle" yaml:"paste_settle"`
	ImageSettle        time.Duration `mapstructure:"image_settle" yaml:"image_settle"`
	MenuSettle         time.Duration `mapstructure:"menu_settle" yaml:"menu_settle"`
	EditorSettle       time.Duration `mapstructure:"editor_settle" yaml:"editor_settle"`
	LocatorRounds      int           `mapstructure:"locator_rounds" yaml:"locator_rounds"`
	MinuteStep         int           `mapstructure:"minute_step" yaml:"minute_step"`
}

// StagingConfig controls the image staging service.
type StagingConfig struct {
	Dir             string        `mapstructure:"dir" yaml:"dir"`
	MaxWidth        int           `mapstructure:"max_width" yaml:"max_width"`
	MaxDownloadSize int64         `mapstructure:"max_download_size" yaml:"max_download_size"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout" yaml:"download_timeout"`
	Concurrency     int           `mapstructure:"concurrency" yaml:"concurrency"`
	RatePerSecond   float64       `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	// ProxyURL routes image downloads through a proxy. Empty uses the
	// HTTP(S)_PROXY environment.
	ProxyURL     string `mapstructure:"proxy_url" yaml:"proxy_url"`
	MaxRedirects int    `mapstructure:"max_redirects" yaml:"max_redirects"`
}

// StoreConfig controls the SQLite account and history store.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// MetricsConfig controls the Prometheus textfile output.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

// NewDefaultConfig creates a configuration populated with every default.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
// The platform defaults describe a SmartEditor-style blog editor.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "quill")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_data_dir", "")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.viewport", map[string]int{"width": 1440, "height": 900})
	v.SetDefault("browser.paste_modifier", "ctrl")
	setHumanoidDefaults(v)
	v.SetDefault("browser.stealth.enabled", true)
	v.SetDefault("browser.stealth.user_agent", "")
	v.SetDefault("browser.stealth.platform", "Win32")
	v.SetDefault("browser.stealth.languages", []string{"ko-KR", "ko", "en-US"})
	v.SetDefault("browser.stealth.timezone", "Asia/Seoul")
	v.SetDefault("browser.stealth.locale", "ko-KR")

	// -- Platform --
	v.SetDefault("platform.name", "naver-blog")
	v.SetDefault("platform.login_url", "https://nid.naver.com/nidlogin.login")
	v.SetDefault("platform.login_domain", "nid.naver.com")
	v.SetDefault("platform.authenticated_domain", "naver.com")
	v.SetDefault("platform.device_marker", "deviceConfirm")
	v.SetDefault("platform.editor_url", "https://blog.naver.com/{user}/postwrite")
	v.SetDefault("platform.logout_url", "https://nid.naver.com/nidlogin.logout")
	v.SetDefault("platform.editor_frame", "mainFrame")
	v.SetDefault("platform.published_pattern", `^https?://(?:m\.)?blog\.naver\.com/{user}/(\d+)(?:[/?#].*)?$`)
	v.SetDefault("platform.scheduled_pattern", `^https?://(?:m\.)?blog\.naver\.com/{user}/?(?:[?#].*)?$`)

	// -- Selectors --
	v.SetDefault("selectors.login_username", []string{"#id", "input[name='id']"})
	v.SetDefault("selectors.login_password", []string{"#pw", "input[name='pw']"})
	v.SetDefault("selectors.login_submit", []string{"#log\\.login", "button[type='submit']"})
	v.SetDefault("selectors.device_skip", []string{"#new\\.dontsave", "a.btn_cancel", "text:등록안함"})
	v.SetDefault("selectors.editor_ready", ".se-content")
	v.SetDefault("selectors.resume_cancel", []string{".se-popup-button-cancel"})
	v.SetDefault("selectors.help_close", []string{".se-help-panel-close-button"})
	v.SetDefault("selectors.title", []string{
		".se-documentTitle .se-placeholder",
		".se-documentTitle .se-text-paragraph",
	})
	v.SetDefault("selectors.body", []string{
		".se-component.se-text .se-text-paragraph",
		".se-content",
	})
	v.SetDefault("selectors.link_loader", ".se-oglink-loading, .se-module-oglink-loading")
	v.SetDefault("selectors.category_open", []string{"button[class*='selectbox_button']", "text:카테고리"})
	v.SetDefault("selectors.category_items", "[class*='option_list'] [class*='text'], [class*='option_list'] label")
	v.SetDefault("selectors.category_label", []string{"button[class*='selectbox_button'] [class*='text']"})
	v.SetDefault("selectors.schedule_toggle", []string{"label[for='radio_time2']", "text:예약"})
	v.SetDefault("selectors.date_open", []string{"input[class*='input_date']", "button[class*='input_date']"})
	v.SetDefault("selectors.month_label", ".ui-datepicker-title")
	v.SetDefault("selectors.next_month", []string{".ui-datepicker-next", "button[class*='next']"})
	v.SetDefault("selectors.day_buttons", ".ui-datepicker-calendar td:not(.ui-state-disabled) button, .ui-datepicker-calendar td:not(.ui-state-disabled) a")
	v.SetDefault("selectors.hour_select", "select[class*='hour_option']")
	v.SetDefault("selectors.minute_select", "select[class*='minute_option']")
	v.SetDefault("selectors.publish_open", []string{"button[class*='publish_btn']", "text:발행"})
	v.SetDefault("selectors.publish_confirm", []string{
		"button[class*='confirm_btn']",
		"button[data-testid='seOnePublishBtn']",
		"text:발행",
	})
	v.SetDefault("selectors.draft_save", []string{"button[class*='save_btn']", "text:저장"})
	v.SetDefault("selectors.toast", "[class*='toast'], .se-toast-popup")

	// -- Auth --
	v.SetDefault("auth.two_factor_fields", []string{"#otp", "input[name='otp']", "#push_title"})
	v.SetDefault("auth.two_factor_status_text", []string{".two_step_title", "#push_notice", ".push_area"})
	v.SetDefault("auth.challenge_phrases", []string{
		"2단계 인증", "two-step verification", "verification code", "approve the sign-in", "인증 알림",
	})
	v.SetDefault("auth.error_phrases", []string{"incorrect password", "비밀번호를 잘못", "아이디 또는 비밀번호"})
	v.SetDefault("auth.draft_saved_phrases", []string{"저장되었습니다", "draft saved", "saved"})

	// -- Timing --
	v.SetDefault("timing.action_timeout", "10s")
	v.SetDefault("timing.navigation_timeout", "30s")
	v.SetDefault("timing.login_poll_interval", "2s")
	v.SetDefault("timing.login_timeout", "90s")
	v.SetDefault("timing.login_stall_timeout", "10s")
	v.SetDefault("timing.verify_timeout", "8s")
	v.SetDefault("timing.verify_poll_interval", "250ms")
	v.SetDefault("timing.toast_timeout", "3s")
	v.SetDefault("timing.toast_poll_interval", "100ms")
	v.SetDefault("timing.link_card_timeout", "5s")
	v.SetDefault("timing.click_settle", "300ms")
	v.SetDefault("timing.double_click_gap", "60ms")
	v.SetDefault("timing.paste_settle", "1s")
	v.SetDefault("timing.image_settle", "2s")
	v.SetDefault("timing.menu_settle", "500ms")
	v.SetDefault("timing.editor_settle", "3s")
	v.SetDefault("timing.locator_rounds", 2)
	v.SetDefault("timing.minute_step", 10)

	// -- Staging --
	v.SetDefault("staging.dir", "~/.quill/staging")
	v.SetDefault("staging.max_width", 1600)
	v.SetDefault("staging.max_download_size", 20<<20)
	v.SetDefault("staging.download_timeout", "30s")
	v.SetDefault("staging.concurrency", 4)
	v.SetDefault("staging.rate_per_second", 4.0)
	v.SetDefault("staging.proxy_url", "")
	v.SetDefault("staging.max_redirects", 5)

	// -- Store --
	v.SetDefault("store.enabled", true)
	v.SetDefault("store.path", "~/.quill/quill.db")

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.textfile", "quill.prom")
}

// NewConfigFromViper unmarshals and validates the configuration held by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	v.BindEnv("browser.remote_url", "QUILL_CDP_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.BrowserCfg.RemoteURL == "" {
		cfg.BrowserCfg.RemoteURL = os.Getenv("QUILL_CDP_URL")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.PlatformCfg.Validate(); err != nil {
		return fmt.Errorf("platform configuration invalid: %w", err)
	}
	if err := c.TimingCfg.Validate(); err != nil {
		return fmt.Errorf("timing configuration invalid: %w", err)
	}
	switch strings.ToLower(c.BrowserCfg.PasteModifier) {
	case "ctrl", "meta":
	default:
		return fmt.Errorf("browser.paste_modifier must be \"ctrl\" or \"meta\"")
	}
	if len(c.SelectorsCfg.Title) == 0 || len(c.SelectorsCfg.Body) == 0 {
		return fmt.Errorf("selectors.title and selectors.body require at least one candidate")
	}
	if len(c.SelectorsCfg.PublishOpen) == 0 || len(c.SelectorsCfg.PublishConfirm) == 0 {
		return fmt.Errorf("selectors.publish_open and selectors.publish_confirm require at least one candidate")
	}
	if c.StagingCfg.Concurrency <= 0 {
		return fmt.Errorf("staging.concurrency must be a positive integer")
	}
	if c.StagingCfg.MaxRedirects < 0 {
		return fmt.Errorf("staging.max_redirects must not be negative")
	}
	if c.StagingCfg.MaxWidth < 0 {
		return fmt.Errorf("staging.max_width must not be negative")
	}
	return nil
}

// Validate checks the platform URLs and patterns.
func (p PlatformConfig) Validate() error {
	if p.LoginURL == "" || p.EditorURL == "" {
		return fmt.Errorf("platform.login_url and platform.editor_url are required")
	}
	if p.LoginDomain == "" || p.AuthenticatedDomain == "" {
		return fmt.Errorf("platform.login_domain and platform.authenticated_domain are required")
	}
	for key, pattern := range map[string]string{
		"platform.published_pattern": p.PublishedPattern,
		"platform.scheduled_pattern": p.ScheduledPattern,
	} {
		if _, err := regexp.Compile(strings.ReplaceAll(pattern, "{user}", "user")); err != nil {
			return fmt.Errorf("%s does not compile: %w", key, err)
		}
	}
	return nil
}

// Validate checks the timing values.
func (t TimingConfig) Validate() error {
	if t.LoginPollInterval <= 0 || t.LoginTimeout <= 0 {
		return fmt.Errorf("timing.login_poll_interval and timing.login_timeout must be positive")
	}
	if t.VerifyTimeout <= 0 || t.VerifyPollInterval <= 0 {
		return fmt.Errorf("timing.verify_timeout and timing.verify_poll_interval must be positive")
	}
	if t.ToastTimeout <= 0 || t.ToastPollInterval <= 0 {
		return fmt.Errorf("timing.toast_timeout and timing.toast_poll_interval must be positive")
	}
	if t.LocatorRounds <= 0 {
		return fmt.Errorf("timing.locator_rounds must be a positive integer")
	}
	if t.MinuteStep <= 0 || t.MinuteStep > 60 {
		return fmt.Errorf("timing.minute_step must be between 1 and 60")
	}
	return nil
}
