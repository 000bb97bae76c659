// Package dispatch implements the Email Dispatcher (spec §4.N): it
// sends digests that have no successful EmailDelivery yet, recording
// the outcome of each attempt for the next tick to retry on failure.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"centinela/internal/logging"
	"centinela/internal/model"
	"centinela/internal/notify"
)

// Store is the persistence surface the Dispatcher needs.
type Store interface {
	// UndeliveredDigests returns digests with no EmailDelivery row of
	// status=sent.
	UndeliveredDigests(ctx context.Context) ([]model.Digest, error)

	// RecipientsForTenant returns the email addresses a tenant's
	// digests should be sent to (ALERT_RECIPIENT_EMAIL, or a
	// per-tenant override).
	RecipientsForTenant(ctx context.Context, tenantID string) ([]string, error)

	PutEmailDelivery(ctx context.Context, d model.EmailDelivery) error
}

// Sender abstracts the network client that actually sends mail, so the
// Dispatcher's retry/bookkeeping logic runs in tests without touching
// SMTP.
type Sender interface {
	Send(ctx context.Context, to, subject, bodyText, bodyHTML string) (providerMessageID string, err error)
}

// Dispatcher drives one send-pass per call.
type Dispatcher struct {
	store  Store
	sender Sender
	logger *slog.Logger
	newID  func() string
	now    func() time.Time
}

// Config configures a Dispatcher.
type Config struct {
	Store  Store
	Sender Sender
	Logger *slog.Logger
	NewID  func() string
	Now    func() time.Time
}

// New builds a Dispatcher.
func New(cfg Config) *Dispatcher {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		store:  cfg.Store,
		sender: cfg.Sender,
		logger: logging.Default(cfg.Logger).With("component", "dispatch"),
		newID:  cfg.NewID,
		now:    now,
	}
}

// RunTick sends every undelivered digest once. Returns counts of
// successful and failed send attempts; a failed attempt is retried on
// the next tick (spec §4.N), so RunTick itself never returns an error
// for an individual send failure.
func (d *Dispatcher) RunTick(ctx context.Context) (sent, failed int, err error) {
	digests, err := d.store.UndeliveredDigests(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("load undelivered digests: %w", err)
	}

	for _, digest := range digests {
		recipients, rerr := d.store.RecipientsForTenant(ctx, digest.TenantID)
		if rerr != nil {
			d.logger.Warn("load recipients failed", "tenant_id", digest.TenantID, "error", rerr)
			continue
		}
		for _, recipient := range recipients {
			if d.sendOne(ctx, digest, recipient) {
				sent++
			} else {
				failed++
			}
		}
	}

	return sent, failed, nil
}

func (d *Dispatcher) sendOne(ctx context.Context, digest model.Digest, recipient string) bool {
	id := ""
	if d.newID != nil {
		id = d.newID()
	}

	providerMessageID, err := d.sender.Send(ctx, recipient, digest.Subject, digest.BodyText, digest.BodyHTML)
	sentAt := d.now()

	delivery := model.EmailDelivery{
		ID:       id,
		DigestID: digest.ID,
		TenantID: digest.TenantID,
		Recipient: recipient,
	}
	if err != nil {
		delivery.Status = model.DeliveryFailed
		delivery.Error = err.Error()
		d.logger.Warn("email send failed", "digest_id", digest.ID, "recipient", recipient, "error", err)
	} else {
		delivery.Status = model.DeliverySent
		delivery.ProviderMessageID = providerMessageID
		delivery.SentAt = &sentAt
	}

	if perr := d.store.PutEmailDelivery(ctx, delivery); perr != nil {
		d.logger.Warn("record email delivery failed", "digest_id", digest.ID, "error", perr)
	}

	return err == nil
}

// WaitForSignal blocks until sig fires or ctx is canceled — the
// Dispatcher's wake-up path when the Batcher produces a fresh digest
// between scheduled ticks.
func WaitForSignal(ctx context.Context, sig *notify.Signal) {
	select {
	case <-sig.C():
	case <-ctx.Done():
	}
}
