// File: cmd/publish.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quill-cli/api/schemas"
	"github.com/xkilldash9x/quill-cli/internal/content"
	"github.com/xkilldash9x/quill-cli/internal/observability"
	"github.com/xkilldash9x/quill-cli/internal/service"
)

type publishFlags struct {
	creds    credentialFlags
	title    string
	bodyFile string
	format   string
	images   []string
	mode     string
	at       string
	board    string
}

// scheduleLayouts are accepted by --at. Layouts without a zone are local time.
var scheduleLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

func newPublishCmd(open openFunc) *cobra.Command {
	var flags publishFlags
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Sign in, write a post and publish it",
		Long: `Signs in, opens the editor, enters the title and body, places images at their
"(image N)" markers and publishes, saves a draft, or schedules the post.

Images are bound with --image N=SOURCE, where SOURCE is a local path or an http(s) URL.
The run report is printed as JSON on stdout and a one-line summary on stderr.`,
		Example: `  quill publish -u writer -t "Weekend in Busan" -b post.md -i 1=beach.jpg --board "Travel"
  quill publish -u writer -t "Later" -b post.md --mode scheduled --at "2026-07-01 09:30"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			job, doc, err := buildJob(flags, os.ReadFile, cmd.InOrStdin(), time.Local)
			if err != nil {
				return err
			}
			if len(doc.Unbound) > 0 {
				logger.Warn("Markers without an image will stay in the body.", zap.Ints("indices", doc.Unbound))
			}
			return runPublish(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), job, flags.creds.awaitChallenge, func(ctx context.Context, opts openOptions) (publisher, func(), error) {
				return open(ctx, cfg, opts, logger)
			})
		},
	}

	flags.creds.register(cmd)
	cmd.Flags().StringVarP(&flags.title, "title", "t", "", "Post title (required)")
	cmd.Flags().StringVarP(&flags.bodyFile, "body", "b", "", "File holding the post body, or - for stdin (required)")
	cmd.Flags().StringVar(&flags.format, "format", "auto", "Body format: auto, markdown, html or text")
	cmd.Flags().StringArrayVarP(&flags.images, "image", "i", nil, "Bind an image to a marker as N=SOURCE (repeatable)")
	cmd.Flags().StringVarP(&flags.mode, "mode", "m", string(schemas.ModeImmediate), "Publish mode: immediate, scheduled or draft")
	cmd.Flags().StringVar(&flags.at, "at", "", "Publish time for --mode scheduled (RFC3339 or \"2006-01-02 15:04\" local)")
	cmd.Flags().StringVar(&flags.board, "board", "", "Category to publish under; the editor's current one is kept when it is not found")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

// buildJob turns the flags into a job. The body is rendered here so an
// invalid post fails before a browser is started.
func buildJob(f publishFlags, readFile func(string) ([]byte, error), stdin io.Reader, loc *time.Location) (service.Job, content.Document, error) {
	var job service.Job
	if f.creds.passwordStdin && f.bodyFile == "-" {
		return job, content.Document{}, fmt.Errorf("--password-stdin and --body - cannot both read stdin")
	}

	creds, err := f.creds.credentials(stdin)
	if err != nil {
		return job, content.Document{}, err
	}

	var raw []byte
	if f.bodyFile == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = readFile(f.bodyFile)
	}
	if err != nil {
		return job, content.Document{}, fmt.Errorf("failed to read body: %w", err)
	}

	format, err := parseFormat(f.format, f.bodyFile)
	if err != nil {
		return job, content.Document{}, err
	}
	images, err := parseImages(f.images)
	if err != nil {
		return job, content.Document{}, err
	}
	doc, err := content.Build(f.title, string(raw), format, images)
	if err != nil {
		return job, content.Document{}, err
	}

	mode, err := schemas.ParsePublishMode(f.mode)
	if err != nil {
		return job, content.Document{}, err
	}
	opts := schemas.PublishOptions{Mode: mode, Board: strings.TrimSpace(f.board)}
	if f.at != "" {
		if mode != schemas.ModeScheduled {
			return job, content.Document{}, fmt.Errorf("%w: --at requires --mode scheduled", schemas.ErrInvalidOptions)
		}
		at, err := parseSchedule(f.at, loc)
		if err != nil {
			return job, content.Document{}, err
		}
		opts.ScheduledAt = &at
	}

	job = service.Job{Credentials: creds, Payload: doc.Payload, Options: opts}
	return job, doc, nil
}

func parseFormat(s, bodyFile string) (content.Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return content.DetectFormat(bodyFile), nil
	case string(content.FormatMarkdown), "md":
		return content.FormatMarkdown, nil
	case string(content.FormatHTML):
		return content.FormatHTML, nil
	case string(content.FormatText), "txt":
		return content.FormatText, nil
	}
	return "", fmt.Errorf("%w: unknown body format %q", schemas.ErrInvalidContent, s)
}

// parseImages reads N=SOURCE bindings.
func parseImages(bindings []string) (map[int]string, error) {
	images := make(map[int]string, len(bindings))
	for _, b := range bindings {
		idx, src, ok := strings.Cut(b, "=")
		if !ok || strings.TrimSpace(src) == "" {
			return nil, fmt.Errorf("%w: image binding %q is not N=SOURCE", schemas.ErrInvalidContent, b)
		}
		n, err := strconv.Atoi(strings.TrimSpace(idx))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: image index %q must be a positive integer", schemas.ErrInvalidContent, idx)
		}
		if _, dup := images[n]; dup {
			return nil, fmt.Errorf("%w: image %d bound twice", schemas.ErrInvalidContent, n)
		}
		images[n] = strings.TrimSpace(src)
	}
	return images, nil
}

func parseSchedule(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range scheduleLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: cannot parse schedule time %q", schemas.ErrInvalidOptions, s)
}

func runPublish(ctx context.Context, out, errOut io.Writer, job service.Job, await bool, open func(context.Context, openOptions) (publisher, func(), error)) error {
	logger := observability.GetLogger()
	p, cleanup, err := open(ctx, openOptions{AwaitChallenge: await})
	if err != nil {
		return err
	}
	defer cleanup()

	report, runErr := p.Run(ctx, job)
	if err := writeJSON(out, report); err != nil {
		return err
	}
	fmt.Fprintln(errOut, summarize(job, report))
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return runErr
		}
		return fmt.Errorf("publish run failed: %w", runErr)
	}

	res := report.Publish
	fields := []zap.Field{
		zap.String("status", string(res.Status)),
		zap.Bool("verified", res.Verified),
		zap.Int("images_placed", len(report.Injection.ImagesPlaced)),
		zap.Int("images_expected", len(job.Payload.Markers)),
	}
	if res.PublishedURL != "" {
		fields = append(fields, zap.String("url", res.PublishedURL))
	}
	if len(report.Injection.ImagesSkipped) > 0 {
		fields = append(fields, zap.Ints("images_skipped", report.Injection.ImagesSkipped))
	}
	logger.Info("Publish run finished.", fields...)
	return nil
}

// summarize states what the run achieved against what the job asked for,
// e.g. "2 of 3 images placed, 1 of 1 links carded, status scheduled".
func summarize(job service.Job, report service.JobReport) string {
	inj, res := report.Injection, report.Publish
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d images placed", len(inj.ImagesPlaced), len(job.Payload.Markers))
	if n := len(job.Payload.Links); n > 0 {
		fmt.Fprintf(&b, ", %d of %d links carded", len(inj.LinksCarded), n)
	}
	if job.Options.Board != "" && job.Options.Mode != schemas.ModeDraft {
		if res.BoardApplied {
			fmt.Fprintf(&b, ", board %q applied", res.SelectedBoard)
		} else {
			fmt.Fprintf(&b, ", board %q not found (kept %q)", job.Options.Board, res.SelectedBoard)
		}
	}
	if res.Status != "" {
		fmt.Fprintf(&b, ", status %s", res.Status)
		if res.PublishedURL != "" {
			fmt.Fprintf(&b, " at %s", res.PublishedURL)
		}
	}
	return b.String()
}
