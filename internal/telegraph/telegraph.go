package telegraph

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/zulandar/intakeyard/internal/config"
	"github.com/zulandar/intakeyard/internal/messaging"
)

// Subscriber is the event source the daemon reads from.
type Subscriber interface {
	Subscribe(buffer int) (<-chan messaging.Event, func())
}

// Daemon posts intake events from the bus to a chat platform and sends
// the scheduled digest.
type Daemon struct {
	cfg        config.TelegraphConfig
	notifier   Notifier
	bus        Subscriber
	summarizer Summarizer
	now        func() time.Time
	out        io.Writer
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Config   config.TelegraphConfig
	Notifier Notifier
	Bus      Subscriber
	// Summarizer is required when the digest is enabled.
	Summarizer Summarizer
	Now        func() time.Time
	Out        io.Writer
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Notifier == nil {
		return nil, fmt.Errorf("telegraph: notifier is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("telegraph: bus is required")
	}
	if opts.Config.Digest.Enabled && opts.Summarizer == nil {
		return nil, fmt.Errorf("telegraph: digest enabled without a summarizer")
	}
	if opts.Config.Digest.Enabled {
		if _, err := cronParser.Parse(opts.Config.Digest.Cron); err != nil {
			return nil, fmt.Errorf("telegraph: digest cron %q: %w", opts.Config.Digest.Cron, err)
		}
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Daemon{
		cfg:        opts.Config,
		notifier:   opts.Notifier,
		bus:        opts.Bus,
		summarizer: opts.Summarizer,
		now:        now,
		out:        out,
	}, nil
}

// Run connects the notifier and forwards events until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Telegraph connecting...\n")
	if err := d.notifier.Connect(ctx); err != nil {
		return fmt.Errorf("telegraph: connect: %w", err)
	}
	events, cancel := d.bus.Subscribe(256)
	defer cancel()

	go d.runDigestScheduler(ctx)

	fmt.Fprintf(d.out, "Telegraph online\n")
	if err := d.notifier.Send(ctx, OutboundMessage{Text: "Intake alerts online"}); err != nil {
		log.Printf("telegraph: send online message: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Telegraph shutting down...\n")
			if err := d.notifier.Close(); err != nil {
				log.Printf("telegraph: close notifier: %v", err)
			}
			fmt.Fprintf(d.out, "Telegraph stopped\n")
			return nil
		case evt, ok := <-events:
			if !ok {
				fmt.Fprintf(d.out, "Telegraph event stream closed\n")
				return d.notifier.Close()
			}
			d.handleEvent(ctx, evt)
		}
	}
}

// format applies the event toggles and returns the message to post, if any.
func (d *Daemon) format(evt messaging.Event) (FormattedEvent, bool) {
	toggles := d.cfg.Events
	switch evt.Kind {
	case messaging.KindWeightAnomaly:
		if !config.Enabled(toggles.Anomalies) {
			return FormattedEvent{}, false
		}
		return FormatAnomaly(evt), true
	case messaging.KindReconciliationFlagged:
		if !config.Enabled(toggles.Anomalies) {
			return FormattedEvent{}, false
		}
		return FormatReconciliation(evt), true
	case messaging.KindFeedStale:
		if !config.Enabled(toggles.StaleFeed) {
			return FormattedEvent{}, false
		}
		return FormatStale(evt), true
	case messaging.KindFeedDisconnected:
		if !config.Enabled(toggles.StaleFeed) {
			return FormattedEvent{}, false
		}
		return FormatDisconnected(evt), true
	case messaging.KindSnapshot:
		if evt.Snapshot == nil || !evt.Snapshot.Terminal() || !config.Enabled(toggles.Completions) {
			return FormattedEvent{}, false
		}
		return FormatCompletion(evt.Snapshot), true
	}
	return FormattedEvent{}, false
}

func (d *Daemon) handleEvent(ctx context.Context, evt messaging.Event) {
	formatted, ok := d.format(evt)
	if !ok {
		return
	}
	if err := d.notifier.Send(ctx, OutboundMessage{
		Text:   formatted.Title,
		Events: []FormattedEvent{formatted},
	}); err != nil {
		log.Printf("telegraph: send %s for %s: %v", evt.Kind, evt.RecordID, err)
	}
}

// runDigestScheduler fires the digest on its cron schedule. It returns
// immediately if the digest is disabled.
func (d *Daemon) runDigestScheduler(ctx context.Context) {
	if !d.cfg.Digest.Enabled {
		return
	}
	wait := nextCronDuration(d.cfg.Digest.Cron, d.now())
	if wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			d.fireDigest(ctx)
			if wait := nextCronDuration(d.cfg.Digest.Cron, d.now()); wait > 0 {
				timer.Reset(wait)
			}
		}
	}
}

// fireDigest builds and sends the digest. Quiet days send nothing.
func (d *Daemon) fireDigest(ctx context.Context) {
	evt, err := BuildDigest(ctx, d.summarizer, d.now())
	if err != nil {
		log.Printf("telegraph: %v", err)
		return
	}
	if evt == nil {
		return
	}
	if err := d.notifier.Send(ctx, OutboundMessage{
		Text:   evt.Title,
		Events: []FormattedEvent{*evt},
	}); err != nil {
		log.Printf("telegraph: send digest: %v", err)
	}
}
