package reminder

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/salus/reminders/internal/platform/notification"
)

// Renderer produces a notification title and body from a template.
type Renderer interface {
	Render(templateID string, data map[string]string) (subject, body string, err error)
}

// Options configures a Scheduler. Zero values fall back to the system
// clock, the local time zone, the built-in templates and a no-op logger.
type Options struct {
	Clock     Clock
	Location  *time.Location
	Templates Renderer
	Logger    *zerolog.Logger
}

// Scheduler turns prescription and appointment events into reminder
// registrations and cancellations against a Platform.
//
// Platform failures never escape a Scheduler operation: they are logged and
// reported as false. The only error returned to callers is
// *InvalidScheduleError.
type Scheduler struct {
	platform  Platform
	gate      *PermissionGate
	query     *Query
	clock     Clock
	loc       *time.Location
	templates Renderer
	logger    zerolog.Logger
}

func NewScheduler(p Platform, opts Options) *Scheduler {
	s := &Scheduler{
		platform:  p,
		gate:      NewPermissionGate(p),
		query:     NewQuery(p),
		clock:     opts.Clock,
		loc:       opts.Location,
		templates: opts.Templates,
		logger:    zerolog.Nop(),
	}
	if s.clock == nil {
		s.clock = SystemClock{}
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.templates == nil {
		s.templates = notification.NewTemplateEngine()
	}
	if opts.Logger != nil {
		s.logger = *opts.Logger
	}
	return s
}

// SchedulePrescription registers one reminder per dose of every medication
// in p, starting from start (or now when start is zero).
//
// All medications are validated before anything is registered. Reminders are
// registered one medication at a time; if a registration fails, the ones
// already registered by this call are cancelled again before returning false.
// Calling it twice for the same prescription registers duplicates.
func (s *Scheduler) SchedulePrescription(ctx context.Context, p Prescription, start time.Time) (bool, error) {
	if start.IsZero() {
		start = s.clock.Now()
	}

	batches := make([][]ScheduledNotification, 0, len(p.Medications))
	total := 0
	for _, med := range p.Medications {
		times, err := Generate(med, start)
		if err != nil {
			return false, err
		}
		if len(times) > MaxOccurrences {
			s.logger.Warn().
				Int64("prescription_id", p.ID).
				Int64("medication_id", med.ID).
				Int("occurrences", len(times)).
				Int("kept", MaxOccurrences).
				Msg("medication series truncated")
			times = times[:MaxOccurrences]
		}
		batch := s.medicationReminders(p, med, times)
		batches = append(batches, batch)
		total += len(batch)
	}

	if !s.permitted(ctx) {
		return false, nil
	}
	if total == 0 {
		return true, nil
	}

	// Cancel works by id, so ids that were pending before this call must
	// survive a rollback.
	existing, snapErr := s.pendingIDs(ctx)
	if snapErr != nil {
		s.logger.Warn().Err(snapErr).Int64("prescription_id", p.ID).Msg("could not read pending reminders; rollback disabled")
	}

	registered := make([]int64, 0, total)
	for _, batch := range batches {
		if len(batch) == 0 {
			continue
		}
		if err := s.platform.Schedule(ctx, batch); err != nil {
			s.logger.Error().Err(err).
				Int64("prescription_id", p.ID).
				Int("registered", len(registered)).
				Msg("failed to schedule prescription reminders")
			if snapErr == nil {
				s.rollback(ctx, withoutIDs(registered, existing))
			}
			return false, nil
		}
		registered = append(registered, IDs(batch)...)
	}

	s.logger.Info().
		Int64("prescription_id", p.ID).
		Int("reminders", total).
		Msg("prescription reminders scheduled")
	return true, nil
}

func (s *Scheduler) medicationReminders(p Prescription, med Medication, times []time.Time) []ScheduledNotification {
	title, body := s.render(notification.TemplateMedicationDose, map[string]string{
		"medication":   med.Name,
		"dosage":       med.Dosage,
		"instructions": med.Instructions,
	}, med.Name, med.Dosage)

	payload := MedicationPayload{PrescriptionID: p.ID, MedicationID: med.ID}
	out := make([]ScheduledNotification, 0, len(times))
	for i, t := range times {
		out = append(out, ScheduledNotification{
			ID:      EncodeID(TagMedication, med.ID, i),
			Title:   title,
			Body:    body,
			FireAt:  t,
			Payload: payload,
		})
	}
	return out
}

func (s *Scheduler) pendingIDs(ctx context.Context) (map[int64]bool, error) {
	ns, err := s.query.Pending(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[int64]bool, len(ns))
	for _, n := range ns {
		ids[n.ID] = true
	}
	return ids, nil
}

func withoutIDs(ids []int64, skip map[int64]bool) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !skip[id] {
			out = append(out, id)
		}
	}
	return out
}

// rollback cancels ids registered earlier in a failed operation. A failed
// rollback leaves the registered reminders in place.
func (s *Scheduler) rollback(ctx context.Context, ids []int64) {
	if len(ids) == 0 {
		return
	}
	if err := s.platform.Cancel(ctx, ids); err != nil {
		s.logger.Error().Err(err).Int("reminders", len(ids)).Msg("rollback of partially scheduled reminders failed")
		return
	}
	s.logger.Warn().Int("reminders", len(ids)).Msg("rolled back partially scheduled reminders")
}

// ScheduleAppointmentNotification registers the three reminders of an
// appointment: the previous day at 10:00, the same day at 09:00 and one hour
// before the slot starts, all in the scheduler's time zone. Reminders whose
// time has already passed are registered anyway.
func (s *Scheduler) ScheduleAppointmentNotification(ctx context.Context, a Appointment) bool {
	start, err := a.Slot.Start(s.loc)
	if err != nil {
		s.logger.Error().Err(err).Int64("appointment_id", a.ID).Msg("invalid appointment slot")
		return false
	}

	if !s.permitted(ctx) {
		return false
	}

	batch := s.appointmentReminders(a, start)
	if err := s.platform.Schedule(ctx, batch); err != nil {
		s.logger.Error().Err(err).Int64("appointment_id", a.ID).Msg("failed to schedule appointment reminders")
		return false
	}

	s.logger.Info().Int64("appointment_id", a.ID).Time("starts_at", start).Msg("appointment reminders scheduled")
	return true
}

// AppointmentReminderTimes returns the fire times of the day-before,
// same-day and hour-before reminders of an appointment starting at start.
func AppointmentReminderTimes(start time.Time) (dayBefore, sameDay, hourBefore time.Time) {
	loc := start.Location()
	y, m, d := start.Date()
	dayBefore = time.Date(y, m, d-1, 10, 0, 0, 0, loc)
	sameDay = time.Date(y, m, d, 9, 0, 0, 0, loc)
	hourBefore = start.Add(-time.Hour)
	return dayBefore, sameDay, hourBefore
}

func (s *Scheduler) appointmentReminders(a Appointment, start time.Time) []ScheduledNotification {
	data := map[string]string{
		"date":   a.Slot.Date,
		"time":   start.Format("15:04"),
		"doctor": a.Slot.DoctorName,
		"room":   a.Slot.RoomName,
	}
	dayBefore, sameDay, hourBefore := AppointmentReminderTimes(start)
	base := AppointmentBaseID(a.ID)
	payload := AppointmentPayload{AppointmentID: a.ID}

	specs := []struct {
		offset   int
		template string
		at       time.Time
	}{
		{OffsetDayBefore, notification.TemplateAppointmentDayBefore, dayBefore},
		{OffsetSameDay, notification.TemplateAppointmentSameDay, sameDay},
		{OffsetHourBefore, notification.TemplateAppointmentHourBefore, hourBefore},
	}

	out := make([]ScheduledNotification, 0, len(specs))
	for _, sp := range specs {
		title, body := s.render(sp.template, data, "Appointment reminder", a.Slot.Date+" "+data["time"])
		out = append(out, ScheduledNotification{
			ID:      base + int64(sp.offset),
			Title:   title,
			Body:    body,
			FireAt:  sp.at,
			Payload: payload,
		})
	}
	return out
}

// CancelPrescriptionNotifications cancels every pending reminder of p. It
// returns true when nothing was pending.
func (s *Scheduler) CancelPrescriptionNotifications(ctx context.Context, p Prescription) bool {
	return s.cancelMatching(ctx, TagPrescriptionID, p.ID)
}

// CancelAppointmentNotifications cancels every pending reminder of a.
func (s *Scheduler) CancelAppointmentNotifications(ctx context.Context, a Appointment) bool {
	return s.cancelMatching(ctx, TagAppointmentID, a.ID)
}

func (s *Scheduler) cancelMatching(ctx context.Context, key TagKey, id int64) bool {
	pending, err := s.query.Pending(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("tag", string(key)).Int64("entity_id", id).Msg("failed to list reminders for cancellation")
		return false
	}

	matches := FilterByTag(pending, key, strconv.FormatInt(id, 10))
	if len(matches) == 0 {
		return true
	}

	if err := s.platform.Cancel(ctx, IDs(matches)); err != nil {
		s.logger.Error().Err(err).Str("tag", string(key)).Int64("entity_id", id).Msg("failed to cancel reminders")
		return false
	}

	s.logger.Info().Str("tag", string(key)).Int64("entity_id", id).Int("reminders", len(matches)).Msg("reminders cancelled")
	return true
}

// HasNotifications reports whether any reminder of p is still pending. A
// platform failure reads as false.
func (s *Scheduler) HasNotifications(ctx context.Context, p Prescription) bool {
	ns, err := s.PrescriptionReminders(ctx, p.ID)
	if err != nil {
		s.logger.Error().Err(err).Int64("prescription_id", p.ID).Msg("failed to list reminders")
		return false
	}
	return len(ns) > 0
}

// PrescriptionReminders returns the pending reminders of one prescription.
func (s *Scheduler) PrescriptionReminders(ctx context.Context, prescriptionID int64) ([]ScheduledNotification, error) {
	pending, err := s.query.Pending(ctx)
	if err != nil {
		return nil, err
	}
	return ForPrescription(pending, prescriptionID), nil
}

// AppointmentReminders returns the pending reminders of one appointment.
func (s *Scheduler) AppointmentReminders(ctx context.Context, appointmentID int64) ([]ScheduledNotification, error) {
	pending, err := s.query.Pending(ctx)
	if err != nil {
		return nil, err
	}
	return ForAppointment(pending, appointmentID), nil
}

func (s *Scheduler) permitted(ctx context.Context) bool {
	granted, err := s.gate.EnsureGranted(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("notification permission check failed")
		return false
	}
	if !granted {
		s.logger.Info().Msg("notification permission denied")
	}
	return granted
}

func (s *Scheduler) render(templateID string, data map[string]string, fallbackTitle, fallbackBody string) (string, string) {
	title, body, err := s.templates.Render(templateID, data)
	if err != nil {
		s.logger.Warn().Err(err).Str("template", templateID).Msg("using fallback reminder text")
		return fallbackTitle, fallbackBody
	}
	return title, body
}
