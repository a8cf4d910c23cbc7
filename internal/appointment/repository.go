package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rezendedigital02/dash/internal/clinictime"
)

var (
	ErrOwnerNotFound       = errors.New("owner not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrBlockNotFound       = errors.New("block not found")

	// ErrDuplicateExternalEvent is returned when another record of the owner
	// already carries the external event id.
	ErrDuplicateExternalEvent = errors.New("external event already linked to a record")
	// ErrAlreadySynced is returned when attaching an external id to a record
	// that got one in the meantime, or that was cancelled or deactivated
	// since it was read.
	ErrAlreadySynced = errors.New("record already has an external event")
)

// Repository contains all DB interactions needed by the service and the
// reconciliation engine.
type Repository interface {
	GetOwnerByID(ctx context.Context, id uuid.UUID) (*Owner, error)
	ListConnectedOwners(ctx context.Context) ([]Owner, error)
	UpdateOwnerCalendar(ctx context.Context, id uuid.UUID, refreshToken, calendarID *string) (*Owner, error)

	// For conflict checks
	ListActiveBlocksForDay(ctx context.Context, ownerID uuid.UUID, day clinictime.Date) ([]Block, error)
	GetConfirmedAppointmentAt(ctx context.Context, ownerID uuid.UUID, startsAt time.Time) (*Appointment, error)

	// Appointments
	GetAppointmentByID(ctx context.Context, ownerID, id uuid.UUID) (*Appointment, error)
	GetAppointmentByExternalID(ctx context.Context, ownerID uuid.UUID, externalID string) (*Appointment, error)
	ListAppointments(ctx context.Context, filter AppointmentFilter) ([]Appointment, error)
	CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error)
	SetAppointmentExternalID(ctx context.Context, id uuid.UUID, externalID string) (*Appointment, error)
	ListUnsyncedAppointments(ctx context.Context, ownerID uuid.UUID) ([]Appointment, error)

	// Blocks
	GetBlockByID(ctx context.Context, ownerID, id uuid.UUID) (*Block, error)
	GetBlockByExternalID(ctx context.Context, ownerID uuid.UUID, externalID string) (*Block, error)
	ListActiveBlocks(ctx context.Context, ownerID uuid.UUID) ([]Block, error)
	CreateBlock(ctx context.Context, b *Block) (*Block, error)
	DeactivateBlock(ctx context.Context, id uuid.UUID) (*Block, error)
	SetBlockExternalID(ctx context.Context, id uuid.UUID, externalID string) (*Block, error)
	ListUnsyncedBlocks(ctx context.Context, ownerID uuid.UUID) ([]Block, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
