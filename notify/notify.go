// Package notify raises user-visible notifications about jobs.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"
	"pkt.systems/pslog"

	"github.com/jxucoder/aicoder/model"
)

// Level is the severity of a notification.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notification is a single user-visible message.
type Notification struct {
	Level   Level
	JobID   model.JobID
	Title   string
	Message string
	Err     error
}

// Text renders the notification as one line.
func (n Notification) Text() string {
	s := n.Title
	if n.Message != "" {
		s += ": " + n.Message
	}
	if n.Err != nil {
		s += " (" + n.Err.Error() + ")"
	}
	return s
}

// Notifier delivers notifications. Failures are returned so the caller can
// log them; callers never let a notifier failure change job state.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notification) error

func (f Func) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Log writes notifications to a pslog logger.
type Log struct {
	log pslog.Logger
}

// NewLog creates a logging notifier.
func NewLog(logger pslog.Logger) *Log {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Log{log: logger}
}

func (l *Log) Notify(_ context.Context, n Notification) error {
	kv := []any{"job", n.JobID}
	if n.Message != "" {
		kv = append(kv, "detail", n.Message)
	}
	if n.Err != nil {
		kv = append(kv, "err", n.Err)
	}
	switch n.Level {
	case LevelError:
		l.log.Error(n.Title, kv...)
	case LevelWarn:
		l.log.Warn(n.Title, kv...)
	default:
		l.log.Info(n.Title, kv...)
	}
	return nil
}

// Slack posts notifications to an incoming webhook.
type Slack struct {
	url    string
	client *http.Client
}

// NewSlack creates a webhook notifier.
func NewSlack(webhookURL string) *Slack {
	return &Slack{url: webhookURL, client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *Slack) Notify(ctx context.Context, n Notification) error {
	text := slack.NewTextBlockObject(slack.MarkdownType,
		fmt.Sprintf("%s *%s*\n%s", icon(n.Level), n.Title, detail(n)), false, false)
	section := slack.NewSectionBlock(text, nil, nil)
	ctxBlock := slack.NewContextBlock("",
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("Job `%s`", n.JobID), false, false))

	msg := &slack.WebhookMessage{
		Text:   n.Text(),
		Blocks: &slack.Blocks{BlockSet: []slack.Block{section, ctxBlock}},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.url, s.client, msg); err != nil {
		return fmt.Errorf("posting slack webhook: %w", err)
	}
	return nil
}

func icon(l Level) string {
	switch l {
	case LevelError:
		return ":x:"
	case LevelWarn:
		return ":warning:"
	default:
		return ":information_source:"
	}
}

func detail(n Notification) string {
	s := n.Message
	if n.Err != nil {
		if s != "" {
			s += "\n"
		}
		s += "```" + model.Truncate(n.Err.Error(), 1500) + "```"
	}
	return s
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if nt == nil {
			continue
		}
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
