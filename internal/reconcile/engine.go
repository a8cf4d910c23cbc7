// Package reconcile keeps an owner's local schedule and external calendar
// converging. Export pushes unsynced records, Import pulls new external
// events, and Sync runs both. The external event id is the idempotency key
// in both directions.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rezendedigital02/dash/internal/appointment"
	"github.com/rezendedigital02/dash/internal/calendar"
	"github.com/rezendedigital02/dash/internal/clinictime"
	"github.com/rezendedigital02/dash/internal/metrics"
	redisclient "github.com/rezendedigital02/dash/internal/redis"
)

const EventAppointmentImported = "appointment_imported"

// ErrSyncInProgress is returned when another pass for the owner holds the sync lock.
var ErrSyncInProgress = errors.New("calendar sync already running for this owner")

type Config struct {
	// Provider opens the owner's calendar from stored credentials.
	Provider          calendar.Provider
	CallTimeout       time.Duration
	ImportDaysBack    int
	ImportDaysForward int
	Parser            TitleParser
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.ImportDaysBack <= 0 {
		c.ImportDaysBack = 30
	}
	if c.ImportDaysForward <= 0 {
		c.ImportDaysForward = 60
	}
	if c.Parser == nil {
		c.Parser = DefaultTitleParser()
	}
	return c
}

type ExportResult struct {
	ExportedAppointments int
	ExportedBlocks       int
	FailedAppointments   int
	FailedBlocks         int
	CredentialExpired    bool
	Warnings             []string
}

func (r ExportResult) Failed() int {
	return r.FailedAppointments + r.FailedBlocks
}

type ImportResult struct {
	Imported int
	Skipped  int
	Failed   int
	Total    int
	Warnings []string
}

type SyncResult struct {
	Export ExportResult
	Import ImportResult
	// ImportError is set when the event listing failed and no import ran.
	// Import.Failed is 1 in that case.
	ImportError string
}

func (r SyncResult) CredentialExpired() bool {
	return r.Export.CredentialExpired
}

func (r SyncResult) Warnings() []string {
	out := make([]string, 0, len(r.Export.Warnings)+len(r.Import.Warnings)+1)
	out = append(out, r.Export.Warnings...)
	out = append(out, r.Import.Warnings...)
	if r.ImportError != "" {
		out = append(out, r.ImportError)
	}
	return out
}

type Engine struct {
	repo      appointment.Repository
	ownerLock redisclient.Locker
	syncLock  redisclient.Locker
	cfg       Config
	log       *zap.Logger
	now       func() time.Time
}

var _ appointment.Mirror = (*Engine)(nil)

// New builds an engine. ownerLock must be the locker the appointment
// service admits under; syncLock should fail fast so overlapping passes
// are rejected rather than queued.
func New(repo appointment.Repository, ownerLock, syncLock redisclient.Locker, cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		repo:      repo,
		ownerLock: ownerLock,
		syncLock:  syncLock,
		cfg:       cfg.withDefaults(),
		log:       log,
		now:       time.Now,
	}
}

// Export pushes every unsynced confirmed appointment and active block.
func (e *Engine) Export(ctx context.Context, ownerID uuid.UUID) (ExportResult, error) {
	var res ExportResult
	err := e.withSyncLock(ctx, ownerID, func(ctx context.Context) error {
		cal, err := e.open(ctx, ownerID)
		if err != nil {
			return err
		}
		res, err = e.export(ctx, cal, ownerID)
		return err
	})
	return res, err
}

// Import pulls events starting in [from, to).
func (e *Engine) Import(ctx context.Context, ownerID uuid.UUID, from, to time.Time) (ImportResult, error) {
	var res ImportResult
	err := e.withSyncLock(ctx, ownerID, func(ctx context.Context) error {
		cal, err := e.open(ctx, ownerID)
		if err != nil {
			return err
		}
		res, err = e.importEvents(ctx, cal, ownerID, from, to)
		return err
	})
	return res, err
}

// ImportWindow is the default import window around now.
func (e *Engine) ImportWindow() (time.Time, time.Time) {
	return clinictime.Window(e.now(), e.cfg.ImportDaysBack, e.cfg.ImportDaysForward)
}

// Sync runs Export then Import over the default window. Nothing is deleted
// locally because an event is missing externally. A failed listing only
// becomes an error when the credential is no longer valid.
func (e *Engine) Sync(ctx context.Context, ownerID uuid.UUID) (SyncResult, error) {
	var res SyncResult
	started := time.Now()

	err := e.withSyncLock(ctx, ownerID, func(ctx context.Context) error {
		cal, err := e.open(ctx, ownerID)
		if err != nil {
			return err
		}

		res.Export, err = e.export(ctx, cal, ownerID)
		if err != nil {
			return err
		}

		from, to := e.ImportWindow()
		res.Import, err = e.importEvents(ctx, cal, ownerID, from, to)
		if err != nil {
			if errors.Is(err, calendar.ErrCredentialExpired) {
				return err
			}
			var se *calendar.ServiceError
			if !errors.As(err, &se) {
				return err
			}
			res.ImportError = err.Error()
			res.Import.Failed = 1
		}
		return nil
	})

	metrics.ObserveSyncPass("sync", time.Since(started))
	if err != nil {
		return res, err
	}

	e.log.Info("calendar sync finished",
		zap.Stringer("owner_id", ownerID),
		zap.Int("exported_appointments", res.Export.ExportedAppointments),
		zap.Int("exported_blocks", res.Export.ExportedBlocks),
		zap.Int("export_failures", res.Export.Failed()),
		zap.Int("imported", res.Import.Imported),
		zap.Int("import_skipped", res.Import.Skipped),
		zap.Int("import_failures", res.Import.Failed),
	)
	return res, nil
}

// ExportAppointment mirrors one freshly admitted appointment. It is a no-op
// for owners without a calendar, and gives up immediately when a pass for
// the owner is running; that pass or the next one picks the record up.
func (e *Engine) ExportAppointment(ctx context.Context, a *appointment.Appointment) (*appointment.Appointment, error) {
	out := a
	err := e.withSyncLock(ctx, a.OwnerID, func(ctx context.Context) error {
		cal, err := e.open(ctx, a.OwnerID)
		if err != nil {
			return err
		}
		updated, err := e.exportAppointment(ctx, cal, a)
		if err != nil {
			return err
		}
		if updated != nil {
			out = updated
		}
		return nil
	})
	if errors.Is(err, calendar.ErrNotConnected) {
		return out, nil
	}
	return out, err
}

func (e *Engine) ExportBlock(ctx context.Context, b *appointment.Block) (*appointment.Block, error) {
	out := b
	err := e.withSyncLock(ctx, b.OwnerID, func(ctx context.Context) error {
		cal, err := e.open(ctx, b.OwnerID)
		if err != nil {
			return err
		}
		updated, err := e.exportBlock(ctx, cal, b)
		if err != nil {
			return err
		}
		if updated != nil {
			out = updated
		}
		return nil
	})
	if errors.Is(err, calendar.ErrNotConnected) {
		return out, nil
	}
	return out, err
}

// RemoveEvent deletes a mirrored event. Owners who disconnected their
// calendar are skipped.
func (e *Engine) RemoveEvent(ctx context.Context, ownerID uuid.UUID, externalID string) error {
	cal, err := e.open(ctx, ownerID)
	if errors.Is(err, calendar.ErrNotConnected) {
		return nil
	}
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return calendar.Classify("delete event", cal.DeleteEvent(callCtx, externalID))
}

func (e *Engine) withSyncLock(ctx context.Context, ownerID uuid.UUID, fn func(ctx context.Context) error) error {
	err := e.syncLock.WithLock(ctx, redisclient.SyncLockKey(ownerID), fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrSyncInProgress
	}
	return err
}

func (e *Engine) open(ctx context.Context, ownerID uuid.UUID) (calendar.Calendar, error) {
	owner, err := e.repo.GetOwnerByID(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !owner.CalendarConnected() {
		return nil, calendar.ErrNotConnected
	}
	return e.cfg.Provider.Open(ctx, calendar.Credentials{
		RefreshToken: *owner.CalendarRefreshToken,
		CalendarID:   *owner.CalendarID,
	})
}

func (e *Engine) export(ctx context.Context, cal calendar.Calendar, ownerID uuid.UUID) (ExportResult, error) {
	var res ExportResult
	started := time.Now()
	defer func() { metrics.ObserveSyncPass("export", time.Since(started)) }()

	appointments, err := e.repo.ListUnsyncedAppointments(ctx, ownerID)
	if err != nil {
		return res, fmt.Errorf("list unsynced appointments: %w", err)
	}
	blocks, err := e.repo.ListUnsyncedBlocks(ctx, ownerID)
	if err != nil {
		return res, fmt.Errorf("list unsynced blocks: %w", err)
	}

	for i := range appointments {
		a := &appointments[i]
		updated, err := e.exportAppointment(ctx, cal, a)
		switch {
		case err != nil:
			res.FailedAppointments++
			res.note(fmt.Sprintf("appointment %s (%s): %v", a.ID, a.SubjectName, err), err)
		case updated != nil:
			res.ExportedAppointments++
		}
	}

	for i := range blocks {
		b := &blocks[i]
		updated, err := e.exportBlock(ctx, cal, b)
		switch {
		case err != nil:
			res.FailedBlocks++
			res.note(fmt.Sprintf("block %s (%s): %v", b.ID, b.Date, err), err)
		case updated != nil:
			res.ExportedBlocks++
		}
	}

	metrics.ObserveSyncRecords("export", "appointment", "exported", res.ExportedAppointments)
	metrics.ObserveSyncRecords("export", "appointment", "failed", res.FailedAppointments)
	metrics.ObserveSyncRecords("export", "block", "exported", res.ExportedBlocks)
	metrics.ObserveSyncRecords("export", "block", "failed", res.FailedBlocks)

	if res.Failed() > 0 {
		e.log.Warn("calendar export finished with failures",
			zap.Stringer("owner_id", ownerID),
			zap.Int("failed", res.Failed()),
			zap.Bool("credential_expired", res.CredentialExpired),
		)
	}
	return res, nil
}

func (r *ExportResult) note(warning string, err error) {
	r.Warnings = append(r.Warnings, warning)
	if calendar.KindOf(err) == calendar.KindCredentialExpired {
		r.CredentialExpired = true
	}
}

// exportAppointment creates the event and attaches its id. A nil record
// with a nil error means another writer attached an id first, or the
// appointment was cancelled while the event was being created.
func (e *Engine) exportAppointment(ctx context.Context, cal calendar.Calendar, a *appointment.Appointment) (*appointment.Appointment, error) {
	if a.Synced() {
		return nil, nil
	}

	id, err := e.create(ctx, cal, AppointmentEvent(a))
	if err != nil {
		return nil, err
	}

	updated, err := e.repo.SetAppointmentExternalID(ctx, a.ID, id)
	if err != nil {
		// the event must not outlive a failed attach, or the next pass
		// would create a second one
		e.discard(ctx, cal, id)
		if errors.Is(err, appointment.ErrAlreadySynced) {
			return nil, nil
		}
		return nil, fmt.Errorf("attach external id: %w", err)
	}
	return updated, nil
}

func (e *Engine) exportBlock(ctx context.Context, cal calendar.Calendar, b *appointment.Block) (*appointment.Block, error) {
	if b.Synced() {
		return nil, nil
	}

	id, err := e.create(ctx, cal, BlockEvent(b))
	if err != nil {
		return nil, err
	}

	updated, err := e.repo.SetBlockExternalID(ctx, b.ID, id)
	if err != nil {
		e.discard(ctx, cal, id)
		if errors.Is(err, appointment.ErrAlreadySynced) {
			return nil, nil
		}
		return nil, fmt.Errorf("attach external id: %w", err)
	}
	return updated, nil
}

func (e *Engine) create(ctx context.Context, cal calendar.Calendar, ev calendar.NewEvent) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	id, err := cal.CreateEvent(callCtx, ev)
	if err != nil {
		return "", calendar.Classify("create event", err)
	}
	return id, nil
}

func (e *Engine) discard(ctx context.Context, cal calendar.Calendar, id string) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	if err := cal.DeleteEvent(callCtx, id); err != nil {
		e.log.Warn("failed to delete orphaned calendar event",
			zap.String("external_event_id", id),
			zap.Error(err),
		)
	}
}

func (e *Engine) importEvents(ctx context.Context, cal calendar.Calendar, ownerID uuid.UUID, from, to time.Time) (ImportResult, error) {
	var res ImportResult
	started := time.Now()
	defer func() { metrics.ObserveSyncPass("import", time.Since(started)) }()

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	events, err := cal.ListEvents(callCtx, from, to)
	cancel()
	if err != nil {
		return res, calendar.Classify("list events", err)
	}

	res.Total = len(events)
	for _, ev := range events {
		imported, reason, err := e.importEvent(ctx, ownerID, ev)
		switch {
		case err != nil:
			res.Failed++
			res.Warnings = append(res.Warnings, fmt.Sprintf("event %s (%s): %v", ev.ID, ev.Title, err))
		case imported:
			res.Imported++
		default:
			res.Skipped++
			if reason != "" {
				e.log.Debug("calendar event skipped", zap.String("external_event_id", ev.ID), zap.String("reason", reason))
			}
		}
	}

	metrics.ObserveSyncRecords("import", "event", "imported", res.Imported)
	metrics.ObserveSyncRecords("import", "event", "skipped", res.Skipped)
	metrics.ObserveSyncRecords("import", "event", "failed", res.Failed)
	return res, nil
}

func (e *Engine) importEvent(ctx context.Context, ownerID uuid.UUID, ev calendar.Event) (bool, string, error) {
	if ev.AllDay {
		return false, "all-day event", nil
	}
	if ev.Start == nil {
		return false, "no start", nil
	}

	known, err := e.knownExternalID(ctx, ownerID, ev.ID)
	if err != nil {
		return false, "", err
	}
	if known {
		return false, "already linked", nil
	}

	kind, name := e.cfg.Parser.Parse(ev.Title)
	externalID := ev.ID
	a := &appointment.Appointment{
		OwnerID:         ownerID,
		SubjectName:     name,
		StartsAt:        ev.Start.Truncate(time.Minute).UTC(),
		Kind:            kind,
		Origin:          appointment.OriginImported,
		Status:          appointment.StatusConfirmed,
		ExternalEventID: &externalID,
	}
	if len(ev.AttendeeEmails) > 0 {
		email := ev.AttendeeEmails[0]
		a.SubjectEmail = &email
	}
	if ev.Description != "" {
		notes := ev.Description
		a.Notes = &notes
	}

	var created *appointment.Appointment
	err = e.ownerLock.WithLock(ctx, redisclient.OwnerLockKey(ownerID), func(ctx context.Context) error {
		existing, err := e.repo.GetConfirmedAppointmentAt(ctx, ownerID, a.StartsAt)
		if err != nil && !errors.Is(err, appointment.ErrAppointmentNotFound) {
			return err
		}
		if existing != nil {
			return appointment.ErrSlotTaken
		}
		created, err = e.repo.CreateAppointment(ctx, a)
		return err
	})
	switch {
	case errors.Is(err, appointment.ErrSlotTaken):
		return false, "instant already booked", nil
	case errors.Is(err, appointment.ErrDuplicateExternalEvent):
		return false, "already linked", nil
	case err != nil:
		return false, "", fmt.Errorf("create appointment: %w", err)
	}

	e.audit(ctx, created)
	return true, "", nil
}

func (e *Engine) knownExternalID(ctx context.Context, ownerID uuid.UUID, externalID string) (bool, error) {
	_, err := e.repo.GetAppointmentByExternalID(ctx, ownerID, externalID)
	switch {
	case err == nil:
		return true, nil
	case !errors.Is(err, appointment.ErrAppointmentNotFound):
		return false, err
	}

	// exported blocks come back on the next listing
	_, err = e.repo.GetBlockByExternalID(ctx, ownerID, externalID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, appointment.ErrBlockNotFound):
		return false, nil
	}
	return false, err
}

func (e *Engine) audit(ctx context.Context, a *appointment.Appointment) {
	payload, _ := json.Marshal(map[string]any{
		"subjectName":     a.SubjectName,
		"startsAt":        a.StartsAt,
		"kind":            a.Kind,
		"externalEventId": a.ExternalEventID,
	})
	id, owner := a.ID, a.OwnerID
	err := e.repo.InsertEvent(ctx, appointment.EventLog{
		EventType:  EventAppointmentImported,
		RecordType: appointment.RecordAppointment,
		RecordID:   &id,
		OwnerID:    &owner,
		Payload:    payload,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		e.log.Error("failed to insert event log", zap.Stringer("appointment_id", a.ID), zap.Error(err))
	}
}
