package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rezendedigital02/dash/internal/clinictime"
)

const (
	ownerColumns       = `id, name, clinic, email, calendar_refresh_token, calendar_id, created_at, updated_at`
	appointmentColumns = `id, owner_id, subject_name, subject_phone, subject_email, starts_at, kind, notes,
		origin, status, external_event_id, created_at, updated_at`
	blockColumns = `id, owner_id, kind, day, range_start_min, range_end_min, reason, active,
		external_event_id, created_at, updated_at`

	pgUniqueViolation = "23505"

	constraintConfirmedInstant    = "appointments_one_confirmed_per_instant"
	constraintAppointmentExternal = "appointments_owner_external_event"
	constraintBlockExternal       = "blocks_owner_external_event"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanOwner(row pgx.Row) (*Owner, error) {
	var o Owner
	err := row.Scan(
		&o.ID,
		&o.Name,
		&o.Clinic,
		&o.Email,
		&o.CalendarRefreshToken,
		&o.CalendarID,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOwnerNotFound
		}
		return nil, err
	}
	return &o, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.OwnerID,
		&a.SubjectName,
		&a.SubjectPhone,
		&a.SubjectEmail,
		&a.StartsAt,
		&a.Kind,
		&a.Notes,
		&a.Origin,
		&a.Status,
		&a.ExternalEventID,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

func scanBlock(row pgx.Row) (*Block, error) {
	var (
		b          Block
		day        time.Time
		rangeStart *int32
		rangeEnd   *int32
	)
	err := row.Scan(
		&b.ID,
		&b.OwnerID,
		&b.Kind,
		&day,
		&rangeStart,
		&rangeEnd,
		&b.Reason,
		&b.Active,
		&b.ExternalEventID,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBlockNotFound
		}
		return nil, err
	}

	b.Date = clinictime.DateFromUTCMidnight(day)
	b.RangeStart = fromMinutes(rangeStart)
	b.RangeEnd = fromMinutes(rangeEnd)
	return &b, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	var result []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func toMinutes(t *clinictime.TimeOfDay) *int32 {
	if t == nil {
		return nil
	}
	m := int32(*t)
	return &m
}

func fromMinutes(m *int32) *clinictime.TimeOfDay {
	if m == nil {
		return nil
	}
	t := clinictime.TimeOfDay(*m)
	return &t
}

// mapWriteError translates unique violations into domain errors.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		switch pgErr.ConstraintName {
		case constraintConfirmedInstant:
			return ErrSlotTaken
		case constraintAppointmentExternal, constraintBlockExternal:
			return ErrDuplicateExternalEvent
		}
	}
	return err
}

// Owners

func (r *PgRepository) GetOwnerByID(ctx context.Context, id uuid.UUID) (*Owner, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+ownerColumns+`
		FROM owners
		WHERE id = $1
	`, id)
	return scanOwner(row)
}

func (r *PgRepository) ListConnectedOwners(ctx context.Context) ([]Owner, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ownerColumns+`
		FROM owners
		WHERE calendar_refresh_token IS NOT NULL
		  AND calendar_id IS NOT NULL
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanOwner)
}

func (r *PgRepository) UpdateOwnerCalendar(ctx context.Context, id uuid.UUID, refreshToken, calendarID *string) (*Owner, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE owners
		SET calendar_refresh_token = $2,
		    calendar_id = $3,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+ownerColumns, id, refreshToken, calendarID)
	return scanOwner(row)
}

// Appointments

func (r *PgRepository) GetConfirmedAppointmentAt(ctx context.Context, ownerID uuid.UUID, startsAt time.Time) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE owner_id = $1 AND starts_at = $2 AND status = 'confirmed'
	`, ownerID, startsAt)
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, ownerID, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1 AND owner_id = $2
	`, id, ownerID)
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentByExternalID(ctx context.Context, ownerID uuid.UUID, externalID string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE owner_id = $1 AND external_event_id = $2
	`, ownerID, externalID)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, filter AppointmentFilter) ([]Appointment, error) {
	var from, to *time.Time
	if filter.Day != nil {
		start, end := filter.Day.Start(), filter.Day.AddDays(1).Start()
		from, to = &start, &end
	}
	var status *string
	if filter.Status != nil {
		s := string(*filter.Status)
		status = &s
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE owner_id = $1
		  AND ($2::timestamptz IS NULL OR starts_at >= $2)
		  AND ($3::timestamptz IS NULL OR starts_at < $3)
		  AND ($4::text IS NULL OR status = $4)
		ORDER BY starts_at
	`, filter.OwnerID, from, to, status)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAppointment)
}

func (r *PgRepository) CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error) {
	id := a.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, owner_id, subject_name, subject_phone, subject_email, starts_at,
			kind, notes, origin, status, external_event_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		RETURNING `+appointmentColumns,
		id, a.OwnerID, a.SubjectName, a.SubjectPhone, a.SubjectEmail, a.StartsAt,
		string(a.Kind), a.Notes, string(a.Origin), string(a.Status), a.ExternalEventID)

	created, err := scanAppointment(row)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return created, nil
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns, id, string(to), string(from))

	updated, err := scanAppointment(row)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return updated, nil
}

func (r *PgRepository) SetAppointmentExternalID(ctx context.Context, id uuid.UUID, externalID string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET external_event_id = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'confirmed'
		  AND external_event_id IS NULL
		RETURNING `+appointmentColumns, id, externalID)

	updated, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, ErrAlreadySynced
	}
	if err != nil {
		return nil, mapWriteError(err)
	}
	return updated, nil
}

func (r *PgRepository) ListUnsyncedAppointments(ctx context.Context, ownerID uuid.UUID) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE owner_id = $1
		  AND status = 'confirmed'
		  AND external_event_id IS NULL
		ORDER BY starts_at
	`, ownerID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAppointment)
}

// Blocks

func (r *PgRepository) ListActiveBlocksForDay(ctx context.Context, ownerID uuid.UUID, day clinictime.Date) ([]Block, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+blockColumns+`
		FROM blocks
		WHERE owner_id = $1 AND day = $2 AND active
		ORDER BY range_start_min NULLS FIRST
	`, ownerID, day.UTCMidnight())
	if err != nil {
		return nil, err
	}
	return collect(rows, scanBlock)
}

func (r *PgRepository) GetBlockByID(ctx context.Context, ownerID, id uuid.UUID) (*Block, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+blockColumns+`
		FROM blocks
		WHERE id = $1 AND owner_id = $2
	`, id, ownerID)
	return scanBlock(row)
}

func (r *PgRepository) GetBlockByExternalID(ctx context.Context, ownerID uuid.UUID, externalID string) (*Block, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+blockColumns+`
		FROM blocks
		WHERE owner_id = $1 AND external_event_id = $2
	`, ownerID, externalID)
	return scanBlock(row)
}

func (r *PgRepository) ListActiveBlocks(ctx context.Context, ownerID uuid.UUID) ([]Block, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+blockColumns+`
		FROM blocks
		WHERE owner_id = $1 AND active
		ORDER BY day, range_start_min NULLS FIRST
	`, ownerID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanBlock)
}

func (r *PgRepository) CreateBlock(ctx context.Context, b *Block) (*Block, error) {
	id := b.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO blocks (id, owner_id, kind, day, range_start_min, range_end_min, reason, active,
			external_event_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, true, $8, now(), now())
		RETURNING `+blockColumns,
		id, b.OwnerID, string(b.Kind), b.Date.UTCMidnight(), toMinutes(b.RangeStart), toMinutes(b.RangeEnd),
		b.Reason, b.ExternalEventID)

	created, err := scanBlock(row)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return created, nil
}

func (r *PgRepository) DeactivateBlock(ctx context.Context, id uuid.UUID) (*Block, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE blocks
		SET active = false,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+blockColumns, id)
	return scanBlock(row)
}

func (r *PgRepository) SetBlockExternalID(ctx context.Context, id uuid.UUID, externalID string) (*Block, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE blocks
		SET external_event_id = $2,
		    updated_at = now()
		WHERE id = $1
		  AND active
		  AND external_event_id IS NULL
		RETURNING `+blockColumns, id, externalID)

	updated, err := scanBlock(row)
	if errors.Is(err, ErrBlockNotFound) {
		return nil, ErrAlreadySynced
	}
	if err != nil {
		return nil, mapWriteError(err)
	}
	return updated, nil
}

func (r *PgRepository) ListUnsyncedBlocks(ctx context.Context, ownerID uuid.UUID) ([]Block, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+blockColumns+`
		FROM blocks
		WHERE owner_id = $1
		  AND active
		  AND external_event_id IS NULL
		ORDER BY day
	`, ownerID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanBlock)
}

// Event logging

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, record_type, record_id, owner_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
	`, ev.EventType, ev.RecordType, ev.RecordID, ev.OwnerID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
