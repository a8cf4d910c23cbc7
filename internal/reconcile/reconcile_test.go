package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rezendedigital02/dash/internal/appointment"
	"github.com/rezendedigital02/dash/internal/appointment/apptest"
	"github.com/rezendedigital02/dash/internal/calendar"
	"github.com/rezendedigital02/dash/internal/clinictime"
	redisclient "github.com/rezendedigital02/dash/internal/redis"
)

var (
	now     = time.Date(2024, 3, 1, 12, 0, 0, 0, clinictime.Zone)
	testDay = clinictime.Date{Year: 2024, Month: time.March, Day: 4}
)

type harness struct {
	repo     *apptest.Memory
	cal      *fakeCalendar
	provider *fakeProvider
	syncLock redisclient.Locker
	engine   *Engine
	owner    appointment.Owner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := apptest.NewMemory()
	token, calID := "refresh-1", "primary@example.com"
	owner := repo.AddOwner(appointment.Owner{
		Name:                 "Dra. Helena",
		Clinic:               "Clínica Centro",
		CalendarRefreshToken: &token,
		CalendarID:           &calID,
	})

	cal := newFakeCalendar()
	provider := &fakeProvider{cal: cal}
	syncLock := redisclient.NewLocalLocker(0)
	engine := New(repo, redisclient.NewLocalLocker(time.Second), syncLock, Config{Provider: provider}, zap.NewNop())
	engine.now = func() time.Time { return now }

	return &harness{repo: repo, cal: cal, provider: provider, syncLock: syncLock, engine: engine, owner: owner}
}

func (h *harness) addAppointment(t *testing.T, name string, at time.Time) *appointment.Appointment {
	t.Helper()
	a, err := h.repo.CreateAppointment(context.Background(), &appointment.Appointment{
		OwnerID:      h.owner.ID,
		SubjectName:  name,
		SubjectPhone: "+55 11 90000-0000",
		StartsAt:     at.UTC(),
		Kind:         appointment.KindConsultation,
		Origin:       appointment.OriginManual,
		Status:       appointment.StatusConfirmed,
	})
	require.NoError(t, err)
	return a
}

func (h *harness) fullDayBlock(t *testing.T, day clinictime.Date) *appointment.Block {
	t.Helper()
	b, err := h.repo.CreateBlock(context.Background(), &appointment.Block{
		OwnerID: h.owner.ID,
		Kind:    appointment.BlockFullDay,
		Date:    day,
		Active:  true,
	})
	require.NoError(t, err)
	return b
}

func timed(id, title string, at time.Time) calendar.Event {
	return calendar.Event{ID: id, Title: title, Start: &at}
}

func TestParseTitle(t *testing.T) {
	p := DefaultTitleParser()
	cases := []struct {
		title string
		kind  appointment.Kind
		name  string
	}{
		{"Retorno - João Silva", appointment.KindFollowUp, "João Silva"},
		{"Consulta: Ana Paula", appointment.KindConsultation, "Ana Paula"},
		{"João Silva - Avaliação", appointment.KindAssessment, "João Silva"},
		{"avaliacao Pedro", appointment.KindAssessment, "Pedro"},
		{"Procedimento | Carla Dias-Lima", appointment.KindProcedure, "Carla Dias-Lima"},
		{"EMERGÊNCIA", appointment.KindEmergency, PlaceholderName},
		{"", appointment.KindConsultation, PlaceholderName},
		{"Reunião de equipe", appointment.KindConsultation, "Reunião de equipe"},
	}
	for _, tc := range cases {
		t.Run(tc.title, func(t *testing.T) {
			kind, name := p.Parse(tc.title)
			assert.Equal(t, tc.kind, kind)
			assert.Equal(t, tc.name, name)
		})
	}
}

func TestAppointmentEvent(t *testing.T) {
	email, notes := "maria@example.com", "Trazer exames"
	a := &appointment.Appointment{
		SubjectName:  "Maria Souza",
		SubjectPhone: "11 99999-0000",
		SubjectEmail: &email,
		Notes:        &notes,
		Kind:         appointment.KindFollowUp,
		StartsAt:     testDay.At(clinictime.Clock(9, 0)).UTC(),
	}

	ev := AppointmentEvent(a)
	assert.Equal(t, "Retorno - Maria Souza", ev.Summary)
	assert.Equal(t, "Paciente: Maria Souza\nTelefone: 11 99999-0000\nEmail: maria@example.com\n\nObservações: Trazer exames", ev.Description)
	assert.Equal(t, "2024-03-04T09:00:00-03:00", ev.Start.Format(time.RFC3339))
	assert.Equal(t, 30*time.Minute, ev.End.Sub(ev.Start))
	assert.Equal(t, []string{email}, ev.Attendees)

	// unknown kinds keep their raw value
	a.Kind, a.SubjectEmail, a.Notes = "terapia", nil, nil
	ev = AppointmentEvent(a)
	assert.Equal(t, "terapia - Maria Souza", ev.Summary)
	assert.Equal(t, "Paciente: Maria Souza\nTelefone: 11 99999-0000", ev.Description)
	assert.Empty(t, ev.Attendees)
}

func TestBlockEvent(t *testing.T) {
	full := &appointment.Block{Kind: appointment.BlockFullDay, Date: testDay}
	ev := BlockEvent(full)
	assert.Equal(t, "🔒 BLOQUEADO - Dia bloqueado", ev.Summary)
	assert.Equal(t, "Tipo: Dia Inteiro\n"+blockedNotice, ev.Description)
	assert.Equal(t, "2024-03-04T11:00:00Z", ev.Start.UTC().Format(time.RFC3339))
	assert.Equal(t, "2024-03-04T21:00:00Z", ev.End.UTC().Format(time.RFC3339))

	from, to, reason := clinictime.Clock(12, 0), clinictime.Clock(14, 30), "Almoço"
	ranged := &appointment.Block{Kind: appointment.BlockTimeRange, Date: testDay, RangeStart: &from, RangeEnd: &to, Reason: &reason}
	ev = BlockEvent(ranged)
	assert.Equal(t, "🔒 BLOQUEADO - Almoço", ev.Summary)
	assert.Equal(t, "Tipo: Horário Específico\nMotivo: Almoço\n"+blockedNotice, ev.Description)
	assert.Equal(t, "2024-03-04T12:00:00-03:00", ev.Start.Format(time.RFC3339))
	assert.Equal(t, "2024-03-04T14:30:00-03:00", ev.End.Format(time.RFC3339))
}

func TestExportIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addAppointment(t, "Ana", testDay.At(clinictime.Clock(9, 0)))
	h.addAppointment(t, "Bruno", testDay.At(clinictime.Clock(9, 30)))
	h.fullDayBlock(t, testDay.AddDays(1))

	res, err := h.engine.Export(ctx, h.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExportedAppointments)
	assert.Equal(t, 1, res.ExportedBlocks)
	assert.Zero(t, res.Failed())

	res, err = h.engine.Export(ctx, h.owner.ID)
	require.NoError(t, err)
	assert.Zero(t, res.ExportedAppointments)
	assert.Zero(t, res.ExportedBlocks)
	assert.Equal(t, 3, h.cal.createdCount())

	for _, a := range h.repo.Appointments(h.owner.ID) {
		assert.True(t, a.Synced(), a.SubjectName)
	}
	assert.Equal(t, []calendar.Credentials{
		{RefreshToken: "refresh-1", CalendarID: "primary@example.com"},
		{RefreshToken: "refresh-1", CalendarID: "primary@example.com"},
	}, h.provider.opened)
}

func TestExportContinuesAfterRecordFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	failing := h.addAppointment(t, "Falha", testDay.At(clinictime.Clock(9, 0)))
	h.addAppointment(t, "Ok", testDay.At(clinictime.Clock(10, 0)))

	h.cal.failOn = func(ev calendar.NewEvent) error {
		if strings.Contains(ev.Summary, "Falha") {
			return &calendar.ServiceError{Kind: calendar.KindTransient, Op: "create event", Err: errors.New("503")}
		}
		return nil
	}

	res, err := h.engine.Export(ctx, h.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExportedAppointments)
	assert.Equal(t, 1, res.FailedAppointments)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], failing.ID.String())
	assert.False(t, res.CredentialExpired)

	got, err := h.repo.GetAppointmentByID(ctx, h.owner.ID, failing.ID)
	require.NoError(t, err)
	assert.False(t, got.Synced(), "failed export leaves the record for the next pass")

	h.cal.failOn = nil
	res, err = h.engine.Export(ctx, h.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExportedAppointments)
	assert.Zero(t, res.Failed())
}

func TestExportFlagsExpiredCredential(t *testing.T) {
	h := newHarness(t)
	h.addAppointment(t, "Ana", testDay.At(clinictime.Clock(9, 0)))
	h.cal.failOn = func(calendar.NewEvent) error {
		return &calendar.ServiceError{Kind: calendar.KindCredentialExpired, Op: "create event", Err: errors.New("invalid_grant")}
	}

	res, err := h.engine.Export(context.Background(), h.owner.ID)
	require.NoError(t, err)
	assert.True(t, res.CredentialExpired)
	assert.Equal(t, 1, res.FailedAppointments)
}

func TestExportDiscardsEventWhenAttachLosesRace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.addAppointment(t, "Ana", testDay.At(clinictime.Clock(9, 0)))

	_, err := h.repo.SetAppointmentExternalID(ctx, a.ID, "evt-other")
	require.NoError(t, err)

	// a is the stale snapshot without the id
	out, err := h.engine.ExportAppointment(ctx, a)
	require.NoError(t, err)
	assert.Same(t, a, out)
	assert.Equal(t, []string{"evt-1"}, h.cal.deleted)
}

func TestExportDiscardsEventForRecordRemovedMidExport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.addAppointment(t, "Ana", testDay.At(clinictime.Clock(9, 0)))
	b := h.fullDayBlock(t, testDay.AddDays(1))

	// cancellation and unblocking land while the events are being created
	h.cal.failOn = func(calendar.NewEvent) error {
		_, _ = h.repo.UpdateAppointmentStatus(ctx, a.ID, appointment.StatusConfirmed, appointment.StatusCancelled)
		_, _ = h.repo.DeactivateBlock(ctx, b.ID)
		return nil
	}

	res, err := h.engine.Export(ctx, h.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, ExportResult{}, res)
	assert.ElementsMatch(t, []string{"evt-1", "evt-2"}, h.cal.deleted)
	assert.Empty(t, h.cal.events)

	gotAppt, err := h.repo.GetAppointmentByID(ctx, h.owner.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCancelled, gotAppt.Status)
	assert.Nil(t, gotAppt.ExternalEventID)

	gotBlock, err := h.repo.GetBlockByID(ctx, h.owner.ID, b.ID)
	require.NoError(t, err)
	assert.False(t, gotBlock.Active)
	assert.Nil(t, gotBlock.ExternalEventID)
}

func TestImportCreatesAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	at := testDay.At(clinictime.Clock(9, 0))

	ev := timed("ext-1", "Retorno - João Silva", at)
	ev.Description = "Primeira revisão"
	ev.AttendeeEmails = []string{"joao@example.com", "outro@example.com"}
	h.cal.add(ev)
	h.cal.add(calendar.Event{ID: "ext-2", Title: "Feriado", AllDay: true, StartDate: "2024-03-05"})
	h.cal.add(calendar.Event{ID: "ext-3", Title: "Sem horário"})

	from, to := h.engine.ImportWindow()
	res, err := h.engine.Import(ctx, h.owner.ID, from, to)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Imported: 1, Skipped: 2, Total: 3}, res)

	list := h.repo.Appointments(h.owner.ID)
	require.Len(t, list, 1)
	got := list[0]
	assert.Equal(t, appointment.KindFollowUp, got.Kind)
	assert.Equal(t, "João Silva", got.SubjectName)
	assert.Equal(t, "", got.SubjectPhone)
	assert.Equal(t, appointment.OriginImported, got.Origin)
	assert.Equal(t, appointment.StatusConfirmed, got.Status)
	assert.True(t, got.StartsAt.Equal(at))
	require.NotNil(t, got.SubjectEmail)
	assert.Equal(t, "joao@example.com", *got.SubjectEmail)
	require.NotNil(t, got.Notes)
	assert.Equal(t, "Primeira revisão", *got.Notes)
	require.NotNil(t, got.ExternalEventID)
	assert.Equal(t, "ext-1", *got.ExternalEventID)

	res, err = h.engine.Import(ctx, h.owner.ID, from, to)
	require.NoError(t, err)
	assert.Zero(t, res.Imported)
	assert.Equal(t, 3, res.Skipped)
	assert.Len(t, h.repo.Appointments(h.owner.ID), 1)

	events := h.repo.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventAppointmentImported, events[0].EventType)
}

func TestImportSkipsCancelledAppointmentEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.addAppointment(t, "Ana", testDay.At(clinictime.Clock(9, 0)))
	_, err := h.repo.SetAppointmentExternalID(ctx, a.ID, "ext-1")
	require.NoError(t, err)
	_, err = h.repo.UpdateAppointmentStatus(ctx, a.ID, appointment.StatusConfirmed, appointment.StatusCancelled)
	require.NoError(t, err)

	h.cal.add(timed("ext-1", "Consulta - Ana", testDay.At(clinictime.Clock(9, 0))))

	from, to := h.engine.ImportWindow()
	res, err := h.engine.Import(ctx, h.owner.ID, from, to)
	require.NoError(t, err)
	assert.Zero(t, res.Imported)
	assert.Equal(t, 1, res.Skipped)
}

func TestImportSkipsBookedInstant(t *testing.T) {
	h := newHarness(t)
	at := testDay.At(clinictime.Clock(9, 0))
	h.addAppointment(t, "Ana", at)
	h.cal.add(timed("ext-9", "Consulta - Outra pessoa", at))

	from, to := h.engine.ImportWindow()
	res, err := h.engine.Import(context.Background(), h.owner.ID, from, to)
	require.NoError(t, err)
	assert.Zero(t, res.Imported)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, h.repo.Appointments(h.owner.ID), 1)
}

func TestImportOutsideWindowIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.cal.add(timed("old", "Consulta - Antiga", now.AddDate(0, 0, -45)))
	h.cal.add(timed("far", "Consulta - Futura", now.AddDate(0, 0, 75)))

	from, to := h.engine.ImportWindow()
	res, err := h.engine.Import(context.Background(), h.owner.ID, from, to)
	require.NoError(t, err)
	assert.Zero(t, res.Total)
}

func TestSyncRoundTripDoesNotDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addAppointment(t, "Ana", testDay.At(clinictime.Clock(9, 0)))
	h.fullDayBlock(t, testDay.AddDays(2))
	h.cal.add(timed("ext-1", "Procedimento - Bruno", testDay.At(clinictime.Clock(15, 0))))

	res, err := h.engine.Sync(ctx, h.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Export.ExportedAppointments)
	assert.Equal(t, 1, res.Export.ExportedBlocks)
	assert.Equal(t, 1, res.Import.Imported)
	assert.Equal(t, 2, res.Import.Skipped, "exported appointment and block come back as known events")
	assert.Empty(t, res.Warnings())

	res, err = h.engine.Sync(ctx, h.owner.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Export.ExportedAppointments)
	assert.Zero(t, res.Import.Imported)
	assert.Len(t, h.repo.Appointments(h.owner.ID), 2)
}

func TestSyncRequiresConnectedOwner(t *testing.T) {
	h := newHarness(t)
	_, err := h.repo.UpdateOwnerCalendar(context.Background(), h.owner.ID, nil, nil)
	require.NoError(t, err)

	_, err = h.engine.Sync(context.Background(), h.owner.ID)
	assert.ErrorIs(t, err, calendar.ErrNotConnected)

	// immediate mirroring quietly skips disconnected owners
	a := h.addAppointment(t, "Ana", testDay.At(clinictime.Clock(9, 0)))
	out, err := h.engine.ExportAppointment(context.Background(), a)
	require.NoError(t, err)
	assert.False(t, out.Synced())
}

func TestSyncRejectsConcurrentPass(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.syncLock.WithLock(ctx, redisclient.SyncLockKey(h.owner.ID), func(ctx context.Context) error {
		_, err := h.engine.Sync(ctx, h.owner.ID)
		return err
	})
	assert.ErrorIs(t, err, ErrSyncInProgress)
}

func TestSyncListingFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addAppointment(t, "Ana", testDay.At(clinictime.Clock(9, 0)))

	h.cal.listErr = &calendar.ServiceError{Kind: calendar.KindTransient, Op: "list events", Err: errors.New("timeout")}
	res, err := h.engine.Sync(ctx, h.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Export.ExportedAppointments, "export still ran")
	assert.NotEmpty(t, res.ImportError)
	assert.Equal(t, 1, res.Import.Failed, "a listing failure counts as a failed import")
	assert.Contains(t, res.Warnings(), res.ImportError)

	h.cal.listErr = &calendar.ServiceError{Kind: calendar.KindCredentialExpired, Op: "list events", Err: errors.New("invalid_grant")}
	_, err = h.engine.Sync(ctx, h.owner.ID)
	assert.ErrorIs(t, err, calendar.ErrCredentialExpired)
}

func TestRemoveEvent(t *testing.T) {
	h := newHarness(t)
	h.cal.add(timed("ext-1", "Consulta - Ana", testDay.At(clinictime.Clock(9, 0))))

	require.NoError(t, h.engine.RemoveEvent(context.Background(), h.owner.ID, "ext-1"))
	assert.Equal(t, []string{"ext-1"}, h.cal.deleted)
}
