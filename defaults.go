package aicoder

import (
	"context"
	"fmt"

	"pkt.systems/pslog"

	"github.com/jxucoder/aicoder/backend"
	"github.com/jxucoder/aicoder/eventbus"
	"github.com/jxucoder/aicoder/internal/config"
	"github.com/jxucoder/aicoder/notify"
	sqliteStore "github.com/jxucoder/aicoder/store/sqlite"
	"github.com/jxucoder/aicoder/transport"
)

// applyDefaults fills in missing fields on the builder with sensible defaults.
func applyDefaults(b *Builder) error {
	if b.config == nil {
		def := config.Default()
		b.config = &def
	}
	if err := b.config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if b.logger == nil {
		b.logger = pslog.Ctx(context.Background())
	}

	// Journal.
	if b.journal == nil && !b.noJournal {
		if err := b.config.EnsureDataDir(); err != nil {
			return err
		}
		st, err := sqliteStore.New(b.config.DatabasePath)
		if err != nil {
			return fmt.Errorf("initializing journal: %w", err)
		}
		b.journal = st
	}

	// Backend.
	if b.backend == nil {
		b.backend = backend.New(b.config.Server, b.config.HTTPTimeout(), backend.WithLogger(b.logger))
	}

	// Stream transport.
	if b.dialer == nil {
		d, err := dialerFor(b.config, b.logger)
		if err != nil {
			return err
		}
		b.dialer = d
	}

	// Event bus.
	if b.bus == nil {
		b.bus = eventbus.New(b.logger)
	}

	// Notifications: always logged, and posted to Slack when configured.
	if b.notifier == nil {
		var n notify.Multi
		n = append(n, notify.NewLog(b.logger))
		if b.config.SlackEnabled() {
			n = append(n, notify.NewSlack(b.config.Notify.SlackWebhook))
		}
		b.notifier = n
	}

	return nil
}

func dialerFor(cfg *config.Config, logger pslog.Logger) (transport.Dialer, error) {
	switch transport.Kind(cfg.Transport) {
	case transport.KindWebSocket:
		return transport.NewWebSocket(cfg.Server, logger), nil
	case transport.KindSSE:
		return transport.NewSSE(cfg.Server, logger), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}
