package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/citymate/citymate/internal/platform/metrics"
	"github.com/citymate/citymate/internal/platform/timeouts"
	"github.com/citymate/citymate/internal/services/matching/storage"
)

// Sender delivers one queued email to its transport.
type Sender interface {
	Send(ctx context.Context, email storage.EmailRecord) error
}

// Dispatcher drains the email outbox on an interval. Each due email is
// attempted at most once per pass; a failed send is rescheduled with
// exponential backoff until the attempt budget runs out.
type Dispatcher struct {
	store       storage.EmailStore
	sender      Sender
	interval    time.Duration
	batchSize   int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	maxAttempts int
	clock       func() time.Time
	logf        func(format string, args ...any)
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Store       storage.EmailStore
	Sender      Sender
	Interval    time.Duration
	BatchSize   int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
	Clock       func() time.Time
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("email store is required")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("email sender is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Minute
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Dispatcher{
		store:       cfg.Store,
		sender:      cfg.Sender,
		interval:    cfg.Interval,
		batchSize:   cfg.BatchSize,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		maxAttempts: cfg.MaxAttempts,
		clock:       cfg.Clock,
		logf:        log.Printf,
	}, nil
}

// Run drains the outbox until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.DispatchOnce(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.DispatchOnce(ctx)
		}
	}
}

// DispatchOnce attempts every currently due email once.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	now := d.clock().UTC()

	listCtx, cancel := context.WithTimeout(ctx, timeouts.Storage)
	due, err := d.store.ListDueEmails(listCtx, d.batchSize, now)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			d.logf("matching: list due emails: %v", err)
		}
		return
	}

	for _, email := range due {
		if ctx.Err() != nil {
			return
		}
		d.attempt(ctx, email)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, email storage.EmailRecord) {
	sendCtx, cancel := context.WithTimeout(ctx, timeouts.EmailSend)
	err := d.sender.Send(sendCtx, email)
	cancel()

	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Storage)
	defer cancel()

	if err == nil {
		metrics.RecordEmailOutcome(email.Kind, string(storage.EmailStatusDelivered))
		if markErr := d.store.MarkEmailDelivered(markCtx, email.ID, d.clock().UTC()); markErr != nil {
			d.logf("matching: mark email %s delivered: %v", email.ID, markErr)
		}
		return
	}

	attempts := email.AttemptCount + 1
	if attempts >= d.maxAttempts {
		metrics.RecordEmailOutcome(email.Kind, string(storage.EmailStatusFailed))
		d.logf("matching: email %s kind=%s failed permanently after %d attempts: %v", email.ID, email.Kind, attempts, err)
		if markErr := d.store.MarkEmailFailed(markCtx, email.ID, err.Error(), d.clock().UTC()); markErr != nil {
			d.logf("matching: mark email %s failed: %v", email.ID, markErr)
		}
		return
	}

	next := d.clock().UTC().Add(d.backoff(attempts))
	d.logf("matching: email %s kind=%s attempt %d failed, retrying at %s: %v", email.ID, email.Kind, attempts, next.Format(time.RFC3339), err)
	if markErr := d.store.MarkEmailRetry(markCtx, email.ID, attempts, next, err.Error(), d.clock().UTC()); markErr != nil {
		d.logf("matching: mark email %s retry: %v", email.ID, markErr)
	}
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.baseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.maxBackoff {
			return d.maxBackoff
		}
	}
	return delay
}

// LogSender records outgoing emails to the process log. It stands in for
// a real transport in development and tests.
type LogSender struct {
	Logf func(format string, args ...any)
}

// Send implements Sender.
func (s LogSender) Send(_ context.Context, email storage.EmailRecord) error {
	logf := s.Logf
	if logf == nil {
		logf = log.Printf
	}
	logf("matching: email kind=%s to=%s request=%s payload=%s", email.Kind, email.Recipient, email.RequestID, email.PayloadJSON)
	return nil
}
