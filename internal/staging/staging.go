// internal/staging/staging.go
// Package staging prepares images for clipboard injection. Sources are remote
// URLs or local files; every staged image is re-encoded as PNG, the only image
// type the browser clipboard accepts, and written to a private temp directory
// until released.
package staging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/quill-cli/api/schemas"
	"github.com/xkilldash9x/quill-cli/internal/browser/session"
	"github.com/xkilldash9x/quill-cli/internal/config"
	"github.com/xkilldash9x/quill-cli/internal/network"
)

// ErrClipboardRejected means the page refused the clipboard write.
var ErrClipboardRejected = errors.New("clipboard write rejected")

// ClipboardWriter is the part of the session driver staging needs.
type ClipboardWriter interface {
	SetClipboard(ctx context.Context, data session.ClipboardData) (session.Outcome, error)
}

// Service stages images into a temp directory.
type Service struct {
	dir      string
	maxWidth int
	maxSize  int64
	workers  int
	client   *http.Client
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu     sync.Mutex
	staged map[string]bool
}

// New creates the staging directory and returns a Service over it.
func New(cfg config.StagingConfig, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir, err := homedir.Expand(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("expand staging dir: %w", err)
	}
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "quill-staging")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	workers := cfg.Concurrency
	if workers <= 0 {
		workers = 1
	}

	clientCfg := network.NewDefaultClientConfig()
	if cfg.DownloadTimeout > 0 {
		clientCfg.RequestTimeout = cfg.DownloadTimeout
	}
	clientCfg.MaxRedirects = cfg.MaxRedirects
	clientCfg.ProxyURL = cfg.ProxyURL
	clientCfg.MaxIdleConnsPerHost = workers
	clientCfg.Logger = logger
	client, err := network.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("staging download client: %w", err)
	}
	return &Service{
		dir:      dir,
		maxWidth: cfg.MaxWidth,
		maxSize:  cfg.MaxDownloadSize,
		workers:  workers,
		client:   client,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.Named("staging"),
		staged:   make(map[string]bool),
	}, nil
}

// Dir returns the staging directory.
func (s *Service) Dir() string { return s.dir }

// Stage fetches source, normalizes it to PNG and returns the staged path.
// Staging an already staged path returns it unchanged.
func (s *Service) Stage(ctx context.Context, source string) (string, error) {
	s.mu.Lock()
	if s.staged[source] {
		s.mu.Unlock()
		return source, nil
	}
	s.mu.Unlock()

	var (
		data []byte
		err  error
	)
	if isRemote(source) {
		data, err = s.download(ctx, source)
	} else {
		data, err = s.readLocal(source)
	}
	if err != nil {
		return "", err
	}
	return s.StageBytes(ctx, data)
}

// StageBytes normalizes raw image bytes and writes them to the staging dir.
func (s *Service) StageBytes(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	encoded, err := s.normalize(data)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, uuid.NewString()+".png")
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return "", fmt.Errorf("write staged image: %w", err)
	}
	s.mu.Lock()
	s.staged[path] = true
	s.mu.Unlock()
	s.logger.Debug("Staged image.", zap.String("path", path), zap.Int("bytes", len(encoded)))
	return path, nil
}

// StageAll stages every marker source concurrently. Markers whose source
// cannot be staged are dropped from the result and logged; the returned
// markers carry local paths.
func (s *Service) StageAll(ctx context.Context, markers []schemas.ImageMarker) ([]schemas.ImageMarker, map[int]error) {
	paths := make([]string, len(markers))
	errs := make([]error, len(markers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, m := range markers {
		g.Go(func() error {
			path, err := s.Stage(gctx, m.Source)
			paths[i], errs[i] = path, err
			return nil
		})
	}
	_ = g.Wait()

	var out []schemas.ImageMarker
	failed := make(map[int]error)
	for i, m := range markers {
		if errs[i] != nil {
			s.logger.Warn("Image could not be staged, marker will stay in the body.",
				zap.Int("index", m.Index), zap.String("source", m.Source), zap.Error(errs[i]))
			failed[m.Index] = errs[i]
			continue
		}
		out = append(out, schemas.ImageMarker{Index: m.Index, Source: paths[i]})
	}
	return out, failed
}

// CopyToClipboard places the staged PNG at path on the page clipboard.
func (s *Service) CopyToClipboard(ctx context.Context, path string, w ClipboardWriter) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read staged image: %w", err)
	}
	out, err := w.SetClipboard(ctx, session.ClipboardData{PNG: data})
	if err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("%w: %s", ErrClipboardRejected, out.Reason)
	}
	return nil
}

// Release deletes a staged file. Paths that were not staged by this Service
// are left alone.
func (s *Service) Release(path string) error {
	s.mu.Lock()
	owned := s.staged[path]
	delete(s.staged, path)
	s.mu.Unlock()
	if !owned {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release staged image: %w", err)
	}
	return nil
}

// Cleanup releases everything still staged.
func (s *Service) Cleanup() {
	s.mu.Lock()
	paths := make([]string, 0, len(s.staged))
	for p := range s.staged {
		paths = append(paths, p)
	}
	s.mu.Unlock()
	for _, p := range paths {
		if err := s.Release(p); err != nil {
			s.logger.Warn("Failed to release staged image.", zap.String("path", p), zap.Error(err))
		}
	}
}

func isRemote(source string) bool {
	u, err := url.Parse(source)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (s *Service) download(ctx context.Context, source string) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("build image request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", source, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: unexpected status %s", source, resp.Status)
	}
	return s.readCapped(resp.Body, source)
}

func (s *Service) readLocal(source string) ([]byte, error) {
	path, err := homedir.Expand(source)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	return s.readCapped(f, path)
}

func (s *Service) readCapped(r io.Reader, name string) ([]byte, error) {
	if s.maxSize <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, fmt.Errorf("image %s exceeds %d bytes", name, s.maxSize)
	}
	return data, nil
}

// normalize decodes any supported format, downscales wide images and encodes
// the result as PNG.
func (s *Service) normalize(data []byte) ([]byte, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if s.maxWidth > 0 && w > s.maxWidth {
		newH := h * s.maxWidth / w
		if newH < 1 {
			newH = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, s.maxWidth, newH))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
		img = dst
	} else if strings.EqualFold(format, "png") {
		return data, nil
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
