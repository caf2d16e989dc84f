// Package reminders exposes the reminder scheduler over HTTP. It reads
// prescriptions and appointments from the backend with the caller's token
// and registers reminders on the caller's own notification platform.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/salus/reminders/internal/backend"
	"github.com/salus/reminders/internal/localnotify"
	"github.com/salus/reminders/internal/reminder"
)

var (
	// ErrPermissionDenied is returned when the owner has not granted
	// notification permission.
	ErrPermissionDenied = errors.New("notification permission not granted")
	// ErrPlatform is returned when the notification platform failed and
	// nothing was registered.
	ErrPlatform = errors.New("notification platform failure")
	// ErrNotPending is returned for appointments that already took place
	// or were missed.
	ErrNotPending = errors.New("appointment is not pending")
)

// BackendSession is the part of a backend session the service reads.
type BackendSession interface {
	Prescription(ctx context.Context, patientID, prescriptionID int64) (reminder.Prescription, error)
	Appointment(ctx context.Context, id int64) (reminder.Appointment, error)
	Me(ctx context.Context) (backend.User, error)
	Token() (string, bool)
}

// SessionFactory opens a backend session authenticated with token.
type SessionFactory func(token string) BackendSession

// PlatformProvider hands out the notification platform of an owner.
type PlatformProvider interface {
	For(ownerID string) reminder.Platform
}

// PermissionStore reads and records permission decisions.
type PermissionStore interface {
	Permission(ctx context.Context, ownerID string) (localnotify.Permission, error)
	SetPermission(ctx context.Context, ownerID string, p localnotify.Permission) error
}

// Caller is the authenticated patient a request acts for.
type Caller struct {
	OwnerID string
	Token   string
	// RefreshedToken is set when the backend rotated Token during the call.
	RefreshedToken string
}

type Service struct {
	sessions    SessionFactory
	platforms   PlatformProvider
	permissions PermissionStore
	opts        reminder.Options
	logger      zerolog.Logger
}

func NewService(sessions SessionFactory, platforms PlatformProvider, permissions PermissionStore, opts reminder.Options) *Service {
	s := &Service{
		sessions:    sessions,
		platforms:   platforms,
		permissions: permissions,
		opts:        opts,
		logger:      zerolog.Nop(),
	}
	if opts.Logger != nil {
		s.logger = *opts.Logger
	}
	return s
}

func (s *Service) scheduler(caller *Caller) (*reminder.Scheduler, reminder.Platform) {
	platform := s.platforms.For(caller.OwnerID)
	logger := s.logger.With().Str("owner_id", caller.OwnerID).Logger()
	opts := s.opts
	opts.Logger = &logger
	return reminder.NewScheduler(platform, opts), platform
}

func (s *Service) session(caller *Caller) BackendSession {
	return s.sessions(caller.Token)
}

func (s *Service) finish(caller *Caller, sess BackendSession) {
	if token, refreshed := sess.Token(); refreshed {
		caller.RefreshedToken = token
	}
}

// patientID resolves the backend user id of the caller. Owner ids issued by
// the backend are numeric; anything else is looked up through /user/@me.
func (s *Service) patientID(ctx context.Context, caller *Caller, sess BackendSession) (int64, error) {
	if id, err := strconv.ParseInt(caller.OwnerID, 10, 64); err == nil {
		return id, nil
	}
	me, err := sess.Me(ctx)
	if err != nil {
		return 0, fmt.Errorf("resolve patient of %s: %w", caller.OwnerID, err)
	}
	return me.ID, nil
}

// SchedulePrescription fetches the prescription and registers one reminder
// per dose. The returned slice holds every pending reminder of the
// prescription afterwards.
func (s *Service) SchedulePrescription(ctx context.Context, caller *Caller, prescriptionID int64, start time.Time) ([]reminder.ScheduledNotification, error) {
	sess := s.session(caller)
	defer s.finish(caller, sess)

	patientID, err := s.patientID(ctx, caller, sess)
	if err != nil {
		return nil, err
	}
	p, err := sess.Prescription(ctx, patientID, prescriptionID)
	if err != nil {
		return nil, err
	}

	sched, platform := s.scheduler(caller)
	ok, err := sched.SchedulePrescription(ctx, p, start)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.whyNotScheduled(ctx, platform)
	}
	ns, err := sched.PrescriptionReminders(ctx, prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPlatform, err)
	}
	return sortByFireAt(ns), nil
}

// CancelPrescription cancels every pending reminder of a prescription. The
// backend is not consulted: reminders are matched by their tags.
func (s *Service) CancelPrescription(ctx context.Context, caller *Caller, prescriptionID int64) error {
	sched, _ := s.scheduler(caller)
	if !sched.CancelPrescriptionNotifications(ctx, reminder.Prescription{ID: prescriptionID}) {
		return ErrPlatform
	}
	return nil
}

// PrescriptionReminders lists the pending reminders of a prescription.
func (s *Service) PrescriptionReminders(ctx context.Context, caller *Caller, prescriptionID int64) ([]reminder.ScheduledNotification, error) {
	sched, _ := s.scheduler(caller)
	ns, err := sched.PrescriptionReminders(ctx, prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPlatform, err)
	}
	return sortByFireAt(ns), nil
}

// ScheduleAppointment fetches the appointment and registers its three
// reminders.
func (s *Service) ScheduleAppointment(ctx context.Context, caller *Caller, appointmentID int64) ([]reminder.ScheduledNotification, error) {
	sess := s.session(caller)
	defer s.finish(caller, sess)

	a, err := sess.Appointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if a.Status != "" && a.Status != reminder.AppointmentPending {
		return nil, fmt.Errorf("%w: %s", ErrNotPending, reminder.StatusLabel(a.Status))
	}

	sched, platform := s.scheduler(caller)
	if !sched.ScheduleAppointmentNotification(ctx, a) {
		return nil, s.whyNotScheduled(ctx, platform)
	}
	ns, err := sched.AppointmentReminders(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPlatform, err)
	}
	return sortByFireAt(ns), nil
}

func (s *Service) CancelAppointment(ctx context.Context, caller *Caller, appointmentID int64) error {
	sched, _ := s.scheduler(caller)
	if !sched.CancelAppointmentNotifications(ctx, reminder.Appointment{ID: appointmentID}) {
		return ErrPlatform
	}
	return nil
}

// Pending lists every pending reminder of the caller, soonest first.
func (s *Service) Pending(ctx context.Context, caller *Caller) ([]reminder.ScheduledNotification, error) {
	ns, err := reminder.NewQuery(s.platforms.For(caller.OwnerID)).Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPlatform, err)
	}
	return sortByFireAt(ns), nil
}

func (s *Service) Permission(ctx context.Context, caller *Caller) (localnotify.Permission, error) {
	return s.permissions.Permission(ctx, caller.OwnerID)
}

func (s *Service) SetPermission(ctx context.Context, caller *Caller, granted bool) error {
	p := localnotify.PermissionDenied
	if granted {
		p = localnotify.PermissionGranted
	}
	return s.permissions.SetPermission(ctx, caller.OwnerID, p)
}

// whyNotScheduled tells a denied permission apart from a platform failure
// after the scheduler reported false.
func (s *Service) whyNotScheduled(ctx context.Context, platform reminder.Platform) error {
	state, err := platform.CheckPermission(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPlatform, err)
	}
	if !state.Granted {
		return ErrPermissionDenied
	}
	return ErrPlatform
}

func sortByFireAt(ns []reminder.ScheduledNotification) []reminder.ScheduledNotification {
	sort.SliceStable(ns, func(i, j int) bool {
		if ns[i].FireAt.Equal(ns[j].FireAt) {
			return ns[i].ID < ns[j].ID
		}
		return ns[i].FireAt.Before(ns[j].FireAt)
	})
	return ns
}
