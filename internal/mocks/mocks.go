// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/quill-cli/api/schemas"
	"github.com/xkilldash9x/quill-cli/internal/config"
	"github.com/xkilldash9x/quill-cli/internal/staging"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

// NewMockConfigFrom returns a MockConfig whose getters answer with cfg.
// Expectations are optional, so tests only assert on what they care about.
func NewMockConfigFrom(cfg *config.Config) *MockConfig {
	m := new(MockConfig)
	m.On("Logger").Return(cfg.Logger()).Maybe()
	m.On("Browser").Return(cfg.Browser()).Maybe()
	m.On("Platform").Return(cfg.Platform()).Maybe()
	m.On("Selectors").Return(cfg.Selectors()).Maybe()
	m.On("Auth").Return(cfg.Auth()).Maybe()
	m.On("Timing").Return(cfg.Timing()).Maybe()
	m.On("Staging").Return(cfg.Staging()).Maybe()
	m.On("Store").Return(cfg.Store()).Maybe()
	m.On("Metrics").Return(cfg.Metrics()).Maybe()
	return m
}

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Platform() config.PlatformConfig {
	args := m.Called()
	return args.Get(0).(config.PlatformConfig)
}

func (m *MockConfig) Selectors() config.SelectorsConfig {
	args := m.Called()
	return args.Get(0).(config.SelectorsConfig)
}

func (m *MockConfig) Auth() config.AuthConfig {
	args := m.Called()
	return args.Get(0).(config.AuthConfig)
}

func (m *MockConfig) Timing() config.TimingConfig {
	args := m.Called()
	return args.Get(0).(config.TimingConfig)
}

func (m *MockConfig) Staging() config.StagingConfig {
	args := m.Called()
	return args.Get(0).(config.StagingConfig)
}

func (m *MockConfig) Store() config.StoreConfig {
	args := m.Called()
	return args.Get(0).(config.StoreConfig)
}

func (m *MockConfig) Metrics() config.MetricsConfig {
	args := m.Called()
	return args.Get(0).(config.MetricsConfig)
}

// --- Setters ---

func (m *MockConfig) SetBrowserHeadless(b bool) {
	m.Called(b)
}

func (m *MockConfig) SetBrowserRemoteURL(u string) {
	m.Called(u)
}

func (m *MockConfig) SetStoreEnabled(b bool) {
	m.Called(b)
}

// -- Stager Mock --

// MockStager mocks the image staging collaborator.
type MockStager struct {
	mock.Mock
}

func (m *MockStager) Stage(ctx context.Context, source string) (string, error) {
	args := m.Called(ctx, source)
	return args.String(0), args.Error(1)
}

func (m *MockStager) CopyToClipboard(ctx context.Context, path string, w staging.ClipboardWriter) error {
	args := m.Called(ctx, path, w)
	return args.Error(0)
}

func (m *MockStager) Release(path string) error {
	args := m.Called(path)
	return args.Error(0)
}

// -- Account Store Mock --

// MockAccountStore mocks the account and history store.
type MockAccountStore struct {
	mock.Mock
}

func (m *MockAccountStore) SaveAccount(ctx context.Context, acct schemas.Account) error {
	args := m.Called(ctx, acct)
	return args.Error(0)
}

func (m *MockAccountStore) RecordPublish(ctx context.Context, rec schemas.PublishRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}
