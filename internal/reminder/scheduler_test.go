package reminder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var madrid = mustLoad("Europe/Madrid")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone(name, 3600)
	}
	return loc
}

func newTestScheduler(p Platform, now time.Time) *Scheduler {
	return NewScheduler(p, Options{
		Clock:    ClockFunc(func() time.Time { return now }),
		Location: madrid,
	})
}

func samplePrescription() Prescription {
	return Prescription{
		ID: 300,
		Medications: []Medication{
			{
				ID:             11,
				Name:           "Ibuprofen",
				Dosage:         "400mg",
				FrequencyHours: 8,
				StartDate:      at("2024-01-01T00:00:00Z"),
				EndDate:        at("2024-01-01T20:00:00Z"),
			},
			{
				ID:             12,
				Name:           "Omeprazole",
				Dosage:         "20mg",
				FrequencyHours: 24,
				StartDate:      at("2024-01-01T00:00:00Z"),
				EndDate:        at("2024-01-02T12:00:00Z"),
			},
		},
	}
}

func TestSchedulePrescription_RegistersEveryDose(t *testing.T) {
	fp := &fakePlatform{granted: true}
	s := newTestScheduler(fp, at("2024-01-01T00:00:00Z"))

	ok, err := s.SchedulePrescription(context.Background(), samplePrescription(), time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected true")
	}
	if len(fp.scheduleCalls) != 2 {
		t.Fatalf("schedule calls = %d, want one per medication", len(fp.scheduleCalls))
	}

	wantIDs := []int64{
		EncodeID(TagMedication, 11, 0),
		EncodeID(TagMedication, 11, 1),
		EncodeID(TagMedication, 11, 2),
		EncodeID(TagMedication, 12, 0),
		EncodeID(TagMedication, 12, 1),
	}
	if diff := cmp.Diff(wantIDs, IDs(fp.pending)); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}

	first := fp.pending[0]
	if !first.FireAt.Equal(at("2024-01-01T00:00:01Z")) {
		t.Errorf("first fire = %v", first.FireAt)
	}
	if first.Title != "Time for your Ibuprofen" {
		t.Errorf("title = %q", first.Title)
	}
	want := MedicationPayload{PrescriptionID: 300, MedicationID: 11}
	if first.Payload != want {
		t.Errorf("payload = %#v, want %#v", first.Payload, want)
	}
}

func TestSchedulePrescription_ExplicitStart(t *testing.T) {
	fp := &fakePlatform{granted: true}
	s := newTestScheduler(fp, at("2030-01-01T00:00:00Z"))

	p := samplePrescription()
	p.Medications = p.Medications[:1]
	ok, err := s.SchedulePrescription(context.Background(), p, at("2024-01-01T08:00:00Z"))
	if err != nil || !ok {
		t.Fatalf("ok = %v, err = %v", ok, err)
	}
	if len(fp.pending) != 2 || !fp.pending[0].FireAt.Equal(at("2024-01-01T08:00:01Z")) {
		t.Errorf("pending = %+v", fp.pending)
	}
}

func TestSchedulePrescription_PermissionDenied(t *testing.T) {
	fp := &fakePlatform{granted: false}
	s := newTestScheduler(fp, at("2024-01-01T00:00:00Z"))

	ok, err := s.SchedulePrescription(context.Background(), samplePrescription(), time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected false when permission is denied")
	}
	if fp.requestCalls != 1 {
		t.Errorf("request calls = %d, want 1", fp.requestCalls)
	}
	if len(fp.scheduleCalls) != 0 {
		t.Errorf("schedule calls = %d, want 0", len(fp.scheduleCalls))
	}
}

func TestSchedulePrescription_PermissionGrantedOnRequest(t *testing.T) {
	fp := &fakePlatform{grantOnRequest: true}
	s := newTestScheduler(fp, at("2024-01-01T00:00:00Z"))

	ok, err := s.SchedulePrescription(context.Background(), samplePrescription(), time.Time{})
	if err != nil || !ok {
		t.Fatalf("ok = %v, err = %v", ok, err)
	}
	if fp.requestCalls != 1 {
		t.Errorf("request calls = %d, want 1", fp.requestCalls)
	}
}

func TestSchedulePrescription_PermissionCheckFails(t *testing.T) {
	fp := &fakePlatform{checkErr: errors.New("bridge unavailable")}
	s := newTestScheduler(fp, at("2024-01-01T00:00:00Z"))

	ok, err := s.SchedulePrescription(context.Background(), samplePrescription(), time.Time{})
	if err != nil {
		t.Fatalf("platform failure leaked as error: %v", err)
	}
	if ok || len(fp.scheduleCalls) != 0 {
		t.Errorf("ok = %v, schedule calls = %d", ok, len(fp.scheduleCalls))
	}
}

func TestSchedulePrescription_InvalidFrequency(t *testing.T) {
	fp := &fakePlatform{granted: true}
	s := newTestScheduler(fp, at("2024-01-01T00:00:00Z"))

	p := samplePrescription()
	p.Medications[1].FrequencyHours = 0
	ok, err := s.SchedulePrescription(context.Background(), p, time.Time{})

	var invalid *InvalidScheduleError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want *InvalidScheduleError", err)
	}
	if ok {
		t.Error("expected false")
	}
	if len(fp.scheduleCalls) != 0 {
		t.Errorf("schedule calls = %d, want 0 before validation passes", len(fp.scheduleCalls))
	}
}

func TestSchedulePrescription_NothingToSchedule(t *testing.T) {
	fp := &fakePlatform{granted: true}
	s := newTestScheduler(fp, at("2025-01-01T00:00:00Z"))

	ok, err := s.SchedulePrescription(context.Background(), samplePrescription(), time.Time{})
	if err != nil || !ok {
		t.Fatalf("ok = %v, err = %v", ok, err)
	}
	if len(fp.scheduleCalls) != 0 {
		t.Errorf("schedule calls = %d, want 0", len(fp.scheduleCalls))
	}
}

func TestSchedulePrescription_RollsBackOnFailure(t *testing.T) {
	fp := &fakePlatform{
		granted:        true,
		failOnSchedule: 2,
		scheduleErr:    errors.New("quota exceeded"),
	}
	s := newTestScheduler(fp, at("2024-01-01T00:00:00Z"))

	ok, err := s.SchedulePrescription(context.Background(), samplePrescription(), time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected false")
	}
	if len(fp.cancelCalls) != 1 {
		t.Fatalf("cancel calls = %d, want 1", len(fp.cancelCalls))
	}
	wantCancelled := []int64{
		EncodeID(TagMedication, 11, 0),
		EncodeID(TagMedication, 11, 1),
		EncodeID(TagMedication, 11, 2),
	}
	if diff := cmp.Diff(wantCancelled, fp.cancelCalls[0]); diff != "" {
		t.Errorf("rollback mismatch (-want +got):\n%s", diff)
	}
	if len(fp.pending) != 0 {
		t.Errorf("pending after rollback = %d, want 0", len(fp.pending))
	}
}

func TestSchedulePrescription_RollbackKeepsEarlierReminders(t *testing.T) {
	fp := &fakePlatform{granted: true}
	s := newTestScheduler(fp, at("2024-01-01T00:00:00Z"))
	p := samplePrescription()

	if ok, err := s.SchedulePrescription(context.Background(), p, time.Time{}); !ok || err != nil {
		t.Fatalf("first run: ok = %v, err = %v", ok, err)
	}
	if len(fp.pending) != 5 {
		t.Fatalf("pending after first run = %d, want 5", len(fp.pending))
	}

	// The second run registers medication 11 again and fails on medication 12.
	fp.failOnSchedule = len(fp.scheduleCalls) + 2
	fp.scheduleErr = errors.New("quota exceeded")

	ok, err := s.SchedulePrescription(context.Background(), p, time.Time{})
	if err != nil || ok {
		t.Fatalf("second run: ok = %v, err = %v, want false", ok, err)
	}
	if len(fp.cancelCalls) != 0 {
		t.Errorf("cancel calls = %v, want none", fp.cancelCalls)
	}
	if got := len(ForPrescription(fp.pending, p.ID)); got != 8 {
		t.Errorf("pending = %d, want the first run's 5 plus the 3 duplicates", got)
	}
}

func TestSchedulePrescription_RollbackOnlyNewIDs(t *testing.T) {
	fp := &fakePlatform{granted: true}
	s := newTestScheduler(fp, at("2024-01-01T00:00:00Z"))
	p := samplePrescription()

	earlier := Prescription{ID: p.ID, Medications: []Medication{p.Medications[0]}}
	earlier.Medications[0].EndDate = at("2024-01-01T09:00:00Z")
	if ok, err := s.SchedulePrescription(context.Background(), earlier, time.Time{}); !ok || err != nil {
		t.Fatalf("first run: ok = %v, err = %v", ok, err)
	}

	fp.failOnSchedule = len(fp.scheduleCalls) + 2
	fp.scheduleErr = errors.New("quota exceeded")
	if ok, _ := s.SchedulePrescription(context.Background(), p, time.Time{}); ok {
		t.Fatal("second run: expected false")
	}

	if len(fp.cancelCalls) != 1 {
		t.Fatalf("cancel calls = %d, want 1", len(fp.cancelCalls))
	}
	want := []int64{EncodeID(TagMedication, 11, 2)}
	if diff := cmp.Diff(want, fp.cancelCalls[0]); diff != "" {
		t.Errorf("rollback mismatch (-want +got):\n%s", diff)
	}
}

func TestSchedulePrescription_NoRollbackWithoutSnapshot(t *testing.T) {
	fp := &fakePlatform{
		granted:        true,
		pendingErr:     errors.New("unavailable"),
		failOnSchedule: 2,
		scheduleErr:    errors.New("quota exceeded"),
	}
	s := newTestScheduler(fp, at("2024-01-01T00:00:00Z"))

	if ok, _ := s.SchedulePrescription(context.Background(), samplePrescription(), time.Time{}); ok {
		t.Fatal("expected false")
	}
	if len(fp.cancelCalls) != 0 {
		t.Errorf("cancel calls = %d, want 0", len(fp.cancelCalls))
	}
}

func TestSchedulePrescription_FirstBatchFailsNoRollback(t *testing.T) {
	fp := &fakePlatform{
		granted:        true,
		failOnSchedule: 1,
		scheduleErr:    errors.New("quota exceeded"),
	}
	s := newTestScheduler(fp, at("2024-01-01T00:00:00Z"))

	ok, _ := s.SchedulePrescription(context.Background(), samplePrescription(), time.Time{})
	if ok {
		t.Fatal("expected false")
	}
	if len(fp.cancelCalls) != 0 {
		t.Errorf("cancel calls = %d, want 0", len(fp.cancelCalls))
	}
}

func TestSchedulePrescription_Duplicates(t *testing.T) {
	fp := &fakePlatform{granted: true}
	s := newTestScheduler(fp, at("2024-01-01T00:00:00Z"))
	p := samplePrescription()

	for i := 0; i < 2; i++ {
		if ok, err := s.SchedulePrescription(context.Background(), p, time.Time{}); !ok || err != nil {
			t.Fatalf("run %d: ok = %v, err = %v", i, ok, err)
		}
	}
	if len(fp.pending) != 10 {
		t.Errorf("pending = %d, want 10 (duplicates kept)", len(fp.pending))
	}
}

func TestSchedulePrescription_TruncatesLongSeries(t *testing.T) {
	fp := &fakePlatform{granted: true}
	s := newTestScheduler(fp, at("2024-01-01T00:00:00Z"))
	p := Prescription{ID: 1, Medications: []Medication{{
		ID:             5,
		FrequencyHours: 1,
		StartDate:      at("2024-01-01T00:00:00Z"),
		EndDate:        at("2024-06-01T00:00:00Z"),
	}}}

	ok, err := s.SchedulePrescription(context.Background(), p, time.Time{})
	if err != nil || !ok {
		t.Fatalf("ok = %v, err = %v", ok, err)
	}
	if len(fp.pending) != MaxOccurrences {
		t.Errorf("pending = %d, want %d", len(fp.pending), MaxOccurrences)
	}
}

func TestScheduleAppointmentNotification_FixedOffsets(t *testing.T) {
	fp := &fakePlatform{granted: true}
	s := newTestScheduler(fp, at("2024-03-01T00:00:00Z"))

	a := Appointment{
		ID:   77,
		Slot: Slot{Date: "2024-03-10", StartTime: "14:30:00", DoctorName: "Dr. Ruiz", RoomName: "Room 4"},
	}
	if !s.ScheduleAppointmentNotification(context.Background(), a) {
		t.Fatal("expected true")
	}
	if len(fp.scheduleCalls) != 1 || len(fp.scheduleCalls[0]) != 3 {
		t.Fatalf("schedule calls = %+v", fp.scheduleCalls)
	}

	base := AppointmentBaseID(77)
	want := []struct {
		id int64
		at time.Time
	}{
		{base + 1, time.Date(2024, 3, 9, 10, 0, 0, 0, madrid)},
		{base + 2, time.Date(2024, 3, 10, 9, 0, 0, 0, madrid)},
		{base + 3, time.Date(2024, 3, 10, 13, 30, 0, 0, madrid)},
	}
	for i, w := range want {
		got := fp.scheduleCalls[0][i]
		if got.ID != w.id {
			t.Errorf("[%d] id = %d, want %d", i, got.ID, w.id)
		}
		if !got.FireAt.Equal(w.at) {
			t.Errorf("[%d] fire = %v, want %v", i, got.FireAt, w.at)
		}
		if got.Payload != (AppointmentPayload{AppointmentID: 77}) {
			t.Errorf("[%d] payload = %#v", i, got.Payload)
		}
	}
	if fp.scheduleCalls[0][2].Body != "Your appointment with Dr. Ruiz starts at 14:30 in Room 4." {
		t.Errorf("body = %q", fp.scheduleCalls[0][2].Body)
	}
}

func TestScheduleAppointmentNotification_PastTimesStillRegistered(t *testing.T) {
	fp := &fakePlatform{granted: true}
	s := newTestScheduler(fp, at("2024-03-10T12:00:00Z"))

	a := Appointment{ID: 5, Slot: Slot{Date: "2024-03-10", StartTime: "14:30"}}
	if !s.ScheduleAppointmentNotification(context.Background(), a) {
		t.Fatal("expected true")
	}
	if len(fp.pending) != 3 {
		t.Errorf("pending = %d, want 3", len(fp.pending))
	}
}

func TestScheduleAppointmentNotification_BadSlot(t *testing.T) {
	fp := &fakePlatform{granted: true}
	s := newTestScheduler(fp, at("2024-03-01T00:00:00Z"))

	a := Appointment{ID: 5, Slot: Slot{Date: "10/03/2024", StartTime: "14:30:00"}}
	if s.ScheduleAppointmentNotification(context.Background(), a) {
		t.Error("expected false for unparseable slot")
	}
	if len(fp.scheduleCalls) != 0 {
		t.Errorf("schedule calls = %d, want 0", len(fp.scheduleCalls))
	}
}

func TestScheduleAppointmentNotification_PermissionDenied(t *testing.T) {
	fp := &fakePlatform{}
	s := newTestScheduler(fp, at("2024-03-01T00:00:00Z"))

	a := Appointment{ID: 5, Slot: Slot{Date: "2024-03-10", StartTime: "14:30:00"}}
	if s.ScheduleAppointmentNotification(context.Background(), a) {
		t.Error("expected false")
	}
	if len(fp.scheduleCalls) != 0 {
		t.Errorf("schedule calls = %d, want 0", len(fp.scheduleCalls))
	}
}

func TestScheduleAppointmentNotification_PlatformError(t *testing.T) {
	fp := &fakePlatform{granted: true, failOnSchedule: 1, scheduleErr: errors.New("boom")}
	s := newTestScheduler(fp, at("2024-03-01T00:00:00Z"))

	a := Appointment{ID: 5, Slot: Slot{Date: "2024-03-10", StartTime: "14:30:00"}}
	if s.ScheduleAppointmentNotification(context.Background(), a) {
		t.Error("expected false")
	}
}

func TestCancelPrescriptionNotifications_NothingPending(t *testing.T) {
	fp := &fakePlatform{granted: true}
	s := newTestScheduler(fp, at("2024-01-01T00:00:00Z"))

	if !s.CancelPrescriptionNotifications(context.Background(), Prescription{ID: 404}) {
		t.Error("expected true")
	}
	if len(fp.cancelCalls) != 0 {
		t.Errorf("cancel calls = %d, want 0", len(fp.cancelCalls))
	}
}

func TestCancelPrescriptionNotifications_CancelsOnlyMatches(t *testing.T) {
	fp := &fakePlatform{granted: true}
	s := newTestScheduler(fp, at("2024-01-01T00:00:00Z"))
	ctx := context.Background()

	p := samplePrescription()
	other := samplePrescription()
	other.ID = 301
	other.Medications = other.Medications[:1]
	other.Medications[0].ID = 21

	if ok, _ := s.SchedulePrescription(ctx, p, time.Time{}); !ok {
		t.Fatal("schedule p failed")
	}
	if ok, _ := s.SchedulePrescription(ctx, other, time.Time{}); !ok {
		t.Fatal("schedule other failed")
	}
	appt := Appointment{ID: 300, Slot: Slot{Date: "2024-03-10", StartTime: "14:30:00"}}
	if !s.ScheduleAppointmentNotification(ctx, appt) {
		t.Fatal("schedule appointment failed")
	}

	if !s.CancelPrescriptionNotifications(ctx, p) {
		t.Fatal("expected true")
	}
	if len(fp.cancelCalls) != 1 || len(fp.cancelCalls[0]) != 5 {
		t.Fatalf("cancel calls = %v", fp.cancelCalls)
	}
	if s.HasNotifications(ctx, p) {
		t.Error("p still has reminders")
	}
	if !s.HasNotifications(ctx, other) {
		t.Error("other prescription lost its reminders")
	}
	if len(ForAppointment(fp.pending, 300)) != 3 {
		t.Error("appointment sharing the numeric id lost its reminders")
	}
}

func TestCancelPrescriptionNotifications_Twice(t *testing.T) {
	fp := &fakePlatform{granted: true}
	s := newTestScheduler(fp, at("2024-01-01T00:00:00Z"))
	ctx := context.Background()
	p := samplePrescription()

	if ok, _ := s.SchedulePrescription(ctx, p, time.Time{}); !ok {
		t.Fatal("schedule failed")
	}
	if !s.CancelPrescriptionNotifications(ctx, p) {
		t.Error("first cancel: expected true")
	}
	if !s.CancelPrescriptionNotifications(ctx, p) {
		t.Error("second cancel: expected true")
	}
	if len(fp.cancelCalls) != 1 {
		t.Errorf("cancel calls = %d, want 1", len(fp.cancelCalls))
	}
}

func TestCancelPrescriptionNotifications_PlatformErrors(t *testing.T) {
	ctx := context.Background()

	fp := &fakePlatform{pendingErr: errors.New("query failed")}
	if newTestScheduler(fp, time.Now()).CancelPrescriptionNotifications(ctx, Prescription{ID: 1}) {
		t.Error("pending failure: expected false")
	}

	fp = &fakePlatform{
		cancelErr: errors.New("cancel failed"),
		pending: []ScheduledNotification{
			{ID: 1, Payload: MedicationPayload{PrescriptionID: 1, MedicationID: 2}},
		},
	}
	if newTestScheduler(fp, time.Now()).CancelPrescriptionNotifications(ctx, Prescription{ID: 1}) {
		t.Error("cancel failure: expected false")
	}
}

func TestCancelAppointmentNotifications(t *testing.T) {
	fp := &fakePlatform{granted: true}
	s := newTestScheduler(fp, at("2024-03-01T00:00:00Z"))
	ctx := context.Background()

	a := Appointment{ID: 8, Slot: Slot{Date: "2024-03-10", StartTime: "14:30:00"}}
	if !s.ScheduleAppointmentNotification(ctx, a) {
		t.Fatal("schedule failed")
	}
	if !s.CancelAppointmentNotifications(ctx, a) {
		t.Fatal("expected true")
	}
	if len(fp.pending) != 0 {
		t.Errorf("pending = %d, want 0", len(fp.pending))
	}
	if !s.CancelAppointmentNotifications(ctx, a) {
		t.Error("second cancel: expected true")
	}
}

func TestHasNotifications_PlatformError(t *testing.T) {
	fp := &fakePlatform{pendingErr: errors.New("down")}
	s := newTestScheduler(fp, time.Now())
	if s.HasNotifications(context.Background(), Prescription{ID: 1}) {
		t.Error("expected false")
	}
}

type failingRenderer struct{}

func (failingRenderer) Render(string, map[string]string) (string, string, error) {
	return "", "", errors.New("no templates")
}

func TestScheduler_FallbackText(t *testing.T) {
	fp := &fakePlatform{granted: true}
	s := NewScheduler(fp, Options{
		Clock:     ClockFunc(func() time.Time { return at("2024-01-01T00:00:00Z") }),
		Templates: failingRenderer{},
	})
	p := samplePrescription()
	p.Medications = p.Medications[:1]
	if ok, _ := s.SchedulePrescription(context.Background(), p, time.Time{}); !ok {
		t.Fatal("expected true")
	}
	if fp.pending[0].Title != "Ibuprofen" || fp.pending[0].Body != "400mg" {
		t.Errorf("fallback = %q / %q", fp.pending[0].Title, fp.pending[0].Body)
	}
}
