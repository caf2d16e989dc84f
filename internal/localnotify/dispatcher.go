package localnotify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/salus/reminders/internal/platform/notification"
	"github.com/salus/reminders/internal/reminder"
)

// Deliverer shows a fired reminder to its owner on one channel.
type Deliverer interface {
	Channel() notification.Channel
	Deliver(ctx context.Context, ownerID string, n reminder.ScheduledNotification) error
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Interval  time.Duration
	BatchSize int
	Clock     reminder.Clock
	Logger    zerolog.Logger
	// OnBatch, when set, is called after every pass that did not error.
	OnBatch func(fired, failed int)
}

// Dispatcher fires due reminders on a fixed interval.
type Dispatcher struct {
	store      Store
	deliverers []Deliverer
	interval   time.Duration
	batchSize  int
	clock      reminder.Clock
	logger     zerolog.Logger
	onBatch    func(fired, failed int)
}

func NewDispatcher(store Store, deliverers []Deliverer, opts DispatcherOptions) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		deliverers: deliverers,
		interval:   opts.Interval,
		batchSize:  opts.BatchSize,
		clock:      opts.Clock,
		logger:     opts.Logger,
		onBatch:    opts.OnBatch,
	}
	if d.interval <= 0 {
		d.interval = 30 * time.Second
	}
	if d.batchSize <= 0 {
		d.batchSize = 100
	}
	if d.clock == nil {
		d.clock = reminder.SystemClock{}
	}
	return d
}

// Run fires due reminders every interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info().Dur("interval", d.interval).Int("batch_size", d.batchSize).Msg("reminder dispatcher started")
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fired, failed, err := d.DispatchOnce(ctx)
			if err != nil {
				d.logger.Error().Err(err).Msg("dispatch failed")
				continue
			}
			if d.onBatch != nil {
				d.onBatch(fired, failed)
			}
			if fired+failed > 0 {
				d.logger.Info().Int("fired", fired).Int("failed", failed).Msg("dispatch batch")
			}
		case <-ctx.Done():
			d.logger.Info().Msg("reminder dispatcher stopped")
			return
		}
	}
}

// DispatchOnce claims one batch of due reminders and delivers each on every
// channel. A reminder counts as failed only when no channel accepted it.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (fired, failed int, err error) {
	claimed, err := d.store.ClaimDue(ctx, d.clock.Now(), d.batchSize)
	if err != nil {
		return 0, 0, err
	}

	for _, due := range claimed {
		if derr := d.deliver(ctx, due); derr != nil {
			d.logger.Warn().Err(derr).
				Int64("notification_id", due.Notification.ID).
				Str("owner_id", due.OwnerID).
				Msg("reminder delivery failed")
			if merr := d.store.MarkFailed(ctx, due.Seq, derr.Error()); merr != nil {
				d.logger.Error().Err(merr).Int64("seq", due.Seq).Msg("failed to record delivery error")
			}
			failed++
			continue
		}
		fired++
	}
	return fired, failed, nil
}

func (d *Dispatcher) deliver(ctx context.Context, due Due) error {
	if len(d.deliverers) == 0 {
		return nil
	}
	var errs []error
	for _, dl := range d.deliverers {
		if err := dl.Deliver(ctx, due.OwnerID, due.Notification); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dl.Channel(), err))
		}
	}
	if len(errs) == len(d.deliverers) {
		return errors.Join(errs...)
	}
	for _, err := range errs {
		d.logger.Debug().Err(err).
			Int64("notification_id", due.Notification.ID).
			Str("owner_id", due.OwnerID).
			Msg("reminder channel skipped")
	}
	return nil
}

// PushDeliverer sends fired reminders to the owner's live sessions.
type PushDeliverer struct {
	sender notification.PushSender
}

func NewPushDeliverer(sender notification.PushSender) *PushDeliverer {
	return &PushDeliverer{sender: sender}
}

func (p *PushDeliverer) Channel() notification.Channel { return notification.ChannelPush }

func (p *PushDeliverer) Deliver(ctx context.Context, ownerID string, n reminder.ScheduledNotification) error {
	data := reminder.Extra(n.Payload)
	data["id"] = n.ID
	data["fire_at"] = n.FireAt.Format(time.RFC3339)
	return p.sender.Push(ctx, ownerID, n.Title, n.Body, data)
}

// AddressBook resolves an owner to an email address.
type AddressBook interface {
	EmailFor(ctx context.Context, ownerID string) (string, error)
}

// EmailDeliverer mails fired reminders using the reminder-email template.
type EmailDeliverer struct {
	sender    notification.EmailSender
	addresses AddressBook
	templates reminder.Renderer
}

func NewEmailDeliverer(sender notification.EmailSender, addresses AddressBook, templates reminder.Renderer) *EmailDeliverer {
	if templates == nil {
		templates = notification.NewTemplateEngine()
	}
	return &EmailDeliverer{sender: sender, addresses: addresses, templates: templates}
}

func (e *EmailDeliverer) Channel() notification.Channel { return notification.ChannelEmail }

func (e *EmailDeliverer) Deliver(ctx context.Context, ownerID string, n reminder.ScheduledNotification) error {
	to, err := e.addresses.EmailFor(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("resolve address of %s: %w", ownerID, err)
	}
	subject, body, err := e.templates.Render(notification.TemplateReminderEmail, map[string]string{
		"title": n.Title,
		"body":  n.Body,
		"id":    strconv.FormatInt(n.ID, 10),
	})
	if err != nil {
		return err
	}
	return e.sender.SendEmail(ctx, to, subject, body)
}
