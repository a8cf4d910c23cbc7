package appointment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rezendedigital02/dash/internal/appointment"
	"github.com/rezendedigital02/dash/internal/appointment/apptest"
	"github.com/rezendedigital02/dash/internal/clinictime"
	"github.com/rezendedigital02/dash/internal/notify"
	redisclient "github.com/rezendedigital02/dash/internal/redis"
)

var testDay = clinictime.Date{Year: 2024, Month: time.March, Day: 4}

// fakeMirror records exports and stores the external id the way the
// reconciliation engine does.
type fakeMirror struct {
	repo      *apptest.Memory
	mu        sync.Mutex
	exportErr error
	exported  []uuid.UUID
	removed   []string
}

func (m *fakeMirror) ExportAppointment(_ context.Context, a *appointment.Appointment) (*appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exportErr != nil {
		return nil, m.exportErr
	}
	m.exported = append(m.exported, a.ID)
	return m.repo.SetAppointmentExternalID(context.Background(), a.ID, "evt-"+a.ID.String())
}

func (m *fakeMirror) ExportBlock(_ context.Context, b *appointment.Block) (*appointment.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exportErr != nil {
		return nil, m.exportErr
	}
	m.exported = append(m.exported, b.ID)
	return m.repo.SetBlockExternalID(context.Background(), b.ID, "evt-"+b.ID.String())
}

func (m *fakeMirror) RemoveEvent(_ context.Context, _ uuid.UUID, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, externalID)
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *recordingSink) Notify(_ context.Context, ev notify.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	repo   *apptest.Memory
	mirror *fakeMirror
	sink   *recordingSink
	svc    *appointment.Service
	owner  appointment.Owner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := apptest.NewMemory()
	owner := repo.AddOwner(appointment.Owner{Name: "Dra. Helena", Clinic: "Clínica Centro", Email: "helena@example.com"})
	mirror := &fakeMirror{repo: repo}
	sink := &recordingSink{}
	svc := appointment.NewService(repo, redisclient.NewLocalLocker(5*time.Second), mirror, sink, zap.NewNop())
	return &fixture{repo: repo, mirror: mirror, sink: sink, svc: svc, owner: owner}
}

func request(at time.Time) appointment.AppointmentRequest {
	return appointment.AppointmentRequest{
		SubjectName:  "Maria Souza",
		SubjectPhone: "+55 11 99999-0000",
		StartsAt:     at,
		Kind:         appointment.KindConsultation,
	}
}

func timeRange(from, to clinictime.TimeOfDay) appointment.BlockRequest {
	return appointment.BlockRequest{
		Kind:       appointment.BlockTimeRange,
		Date:       testDay,
		RangeStart: &from,
		RangeEnd:   &to,
	}
}

func TestAdmitCreatesConfirmedAppointment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	at := testDay.At(clinictime.Clock(10, 0))
	appt, err := f.svc.Admit(ctx, f.owner.ID, request(at))
	require.NoError(t, err)

	assert.Equal(t, appointment.StatusConfirmed, appt.Status)
	assert.Equal(t, appointment.OriginManual, appt.Origin)
	assert.True(t, appt.StartsAt.Equal(at))
	assert.True(t, appt.Synced(), "admitted appointment is mirrored right away")

	assert.Equal(t, []string{appointment.EventAppointmentCreated}, f.sink.types())
	events := f.repo.Events()
	require.Len(t, events, 1)
	assert.Equal(t, appointment.RecordAppointment, events[0].RecordType)
	assert.Equal(t, appt.ID, *events[0].RecordID)
}

func TestAdmitSlotTaken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := testDay.At(clinictime.Clock(10, 0))

	_, err := f.svc.Admit(ctx, f.owner.ID, request(at))
	require.NoError(t, err)

	// sub-minute offsets land on the same slot
	_, err = f.svc.Admit(ctx, f.owner.ID, request(at.Add(20*time.Second)))
	assert.ErrorIs(t, err, appointment.ErrSlotTaken)

	_, err = f.svc.Admit(ctx, f.owner.ID, request(at.Add(clinictime.SlotLength)))
	assert.NoError(t, err)
}

func TestAdmitDayBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AdmitBlock(ctx, f.owner.ID, appointment.BlockRequest{Kind: appointment.BlockFullDay, Date: testDay})
	require.NoError(t, err)

	_, err = f.svc.Admit(ctx, f.owner.ID, request(testDay.At(clinictime.Clock(9, 0))))
	assert.ErrorIs(t, err, appointment.ErrDayBlocked)

	_, err = f.svc.Admit(ctx, f.owner.ID, request(testDay.AddDays(1).At(clinictime.Clock(9, 0))))
	assert.NoError(t, err)
}

func TestAdmitSlotBlockedIsHalfOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AdmitBlock(ctx, f.owner.ID, timeRange(clinictime.Clock(12, 0), clinictime.Clock(14, 0)))
	require.NoError(t, err)

	cases := []struct {
		at      clinictime.TimeOfDay
		blocked bool
	}{
		{clinictime.Clock(11, 30), false},
		{clinictime.Clock(12, 0), true},
		{clinictime.Clock(13, 30), true},
		{clinictime.Clock(14, 0), false},
	}
	for _, tc := range cases {
		_, err := f.svc.Admit(ctx, f.owner.ID, request(testDay.At(tc.at)))
		if tc.blocked {
			assert.ErrorIs(t, err, appointment.ErrSlotBlocked, tc.at.String())
		} else {
			assert.NoError(t, err, tc.at.String())
		}
	}
}

func TestAdmitValidation(t *testing.T) {
	f := newFixture(t)

	bad := "not-an-email"
	req := appointment.AppointmentRequest{SubjectEmail: &bad, Origin: "walk-in"}
	_, err := f.svc.Admit(context.Background(), f.owner.ID, req)

	var verr *appointment.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 6)
	assert.Empty(t, f.repo.Appointments(f.owner.ID))
}

func TestAdmitUnknownOwner(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Admit(context.Background(), uuid.New(), request(testDay.At(clinictime.Clock(10, 0))))
	assert.ErrorIs(t, err, appointment.ErrOwnerNotFound)
}

func TestAdmitSurvivesMirrorFailure(t *testing.T) {
	f := newFixture(t)
	f.mirror.exportErr = errors.New("calendar down")

	appt, err := f.svc.Admit(context.Background(), f.owner.ID, request(testDay.At(clinictime.Clock(10, 0))))
	require.NoError(t, err)
	assert.False(t, appt.Synced())
}

func TestBlockDoesNotCancelExistingAppointments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.Admit(ctx, f.owner.ID, request(testDay.At(clinictime.Clock(10, 0))))
	require.NoError(t, err)

	_, err = f.svc.AdmitBlock(ctx, f.owner.ID, appointment.BlockRequest{Kind: appointment.BlockFullDay, Date: testDay})
	require.NoError(t, err)

	got, err := f.svc.GetAppointment(ctx, f.owner.ID, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusConfirmed, got.Status)
}

func TestAdmitBlockValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AdmitBlock(ctx, f.owner.ID, timeRange(clinictime.Clock(14, 0), clinictime.Clock(12, 0)))
	var verr *appointment.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = f.svc.AdmitBlock(ctx, f.owner.ID, appointment.BlockRequest{Kind: appointment.BlockTimeRange, Date: testDay})
	assert.ErrorAs(t, err, &verr)

	_, err = f.svc.AdmitBlock(ctx, f.owner.ID, appointment.BlockRequest{Kind: "weekly", Date: testDay})
	assert.ErrorAs(t, err, &verr)
}

func TestRemoveBlockReopensSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := testDay.At(clinictime.Clock(12, 30))

	block, err := f.svc.AdmitBlock(ctx, f.owner.ID, timeRange(clinictime.Clock(12, 0), clinictime.Clock(14, 0)))
	require.NoError(t, err)
	require.True(t, block.Synced())

	_, err = f.svc.Admit(ctx, f.owner.ID, request(at))
	require.ErrorIs(t, err, appointment.ErrSlotBlocked)

	removed, err := f.svc.RemoveBlock(ctx, f.owner.ID, block.ID)
	require.NoError(t, err)
	assert.False(t, removed.Active)
	assert.Equal(t, []string{*block.ExternalEventID}, f.mirror.removed)

	_, err = f.svc.Admit(ctx, f.owner.ID, request(at))
	assert.NoError(t, err)

	_, err = f.svc.RemoveBlock(ctx, f.owner.ID, uuid.New())
	assert.ErrorIs(t, err, appointment.ErrBlockNotFound)
}

func TestCancelIsIdempotentAndFreesSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := testDay.At(clinictime.Clock(15, 0))

	appt, err := f.svc.Admit(ctx, f.owner.ID, request(at))
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, f.owner.ID, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCancelled, cancelled.Status)
	assert.Equal(t, appt.ExternalEventID, cancelled.ExternalEventID, "cancelled records keep their external id")

	again, err := f.svc.Cancel(ctx, f.owner.ID, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCancelled, again.Status)
	assert.Len(t, f.mirror.removed, 1)

	_, err = f.svc.Admit(ctx, f.owner.ID, request(at))
	assert.NoError(t, err)

	assert.Equal(t, []string{
		appointment.EventAppointmentCreated,
		appointment.EventAppointmentCancelled,
		appointment.EventAppointmentCreated,
	}, f.sink.types())
}

func TestCancelOtherOwnersAppointment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := f.repo.AddOwner(appointment.Owner{Name: "Dr. Paulo"})

	appt, err := f.svc.Admit(ctx, f.owner.ID, request(testDay.At(clinictime.Clock(9, 0))))
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, other.ID, appt.ID)
	assert.ErrorIs(t, err, appointment.ErrAppointmentNotFound)
}

func TestConcurrentAdmitsAdmitExactlyOne(t *testing.T) {
	f := newFixture(t)
	at := testDay.At(clinictime.Clock(11, 0))

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Admit(context.Background(), f.owner.ID, request(at))
		}(i)
	}
	wg.Wait()

	var admitted int
	for _, err := range errs {
		if err == nil {
			admitted++
			continue
		}
		assert.ErrorIs(t, err, appointment.ErrSlotTaken)
	}
	assert.Equal(t, 1, admitted)
}

func TestSlotGrid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.Admit(ctx, f.owner.ID, request(testDay.At(clinictime.Clock(8, 30))))
	require.NoError(t, err)
	block, err := f.svc.AdmitBlock(ctx, f.owner.ID, timeRange(clinictime.Clock(12, 0), clinictime.Clock(13, 0)))
	require.NoError(t, err)

	slots, err := f.svc.SlotGrid(ctx, f.owner.ID, testDay)
	require.NoError(t, err)
	require.Len(t, slots, 21)

	states := make(map[string]appointment.Slot)
	for _, s := range slots {
		states[clinictime.TimeOfDayOf(s.StartsAt).String()] = s
	}

	assert.Equal(t, appointment.SlotFree, states["08:00"].State)
	assert.Equal(t, appointment.SlotTaken, states["08:30"].State)
	assert.Equal(t, appt.ID, *states["08:30"].AppointmentID)
	assert.Equal(t, appointment.SlotBlocked, states["12:00"].State)
	assert.Equal(t, appointment.SlotBlocked, states["12:30"].State)
	assert.Equal(t, block.ID, *states["12:30"].BlockID)
	assert.Equal(t, appointment.SlotFree, states["13:00"].State)
}

func TestListAppointmentsByDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Admit(ctx, f.owner.ID, request(testDay.At(clinictime.Clock(16, 0))))
	require.NoError(t, err)
	_, err = f.svc.Admit(ctx, f.owner.ID, request(testDay.At(clinictime.Clock(9, 0))))
	require.NoError(t, err)
	_, err = f.svc.Admit(ctx, f.owner.ID, request(testDay.AddDays(1).At(clinictime.Clock(9, 0))))
	require.NoError(t, err)

	day := testDay
	list, err := f.svc.ListAppointments(ctx, f.owner.ID, &day)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].StartsAt.Before(list[1].StartsAt))

	all, err := f.svc.ListAppointments(ctx, f.owner.ID, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
