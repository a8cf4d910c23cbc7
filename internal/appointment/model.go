package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/rezendedigital02/dash/internal/clinictime"
)

type AppointmentStatus string

const (
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCancelled AppointmentStatus = "cancelled"
)

type Origin string

const (
	OriginManual     Origin = "manual"
	OriginImported   Origin = "imported"
	OriginAutomation Origin = "external-automation"
)

func (o Origin) Valid() bool {
	switch o {
	case OriginManual, OriginImported, OriginAutomation:
		return true
	}
	return false
}

// Kind is the appointment category. Unknown values are kept as given.
type Kind string

const (
	KindConsultation Kind = "consulta"
	KindFollowUp     Kind = "retorno"
	KindProcedure    Kind = "procedimento"
	KindAssessment   Kind = "avaliacao"
	KindEmergency    Kind = "emergencia"
)

var kindLabels = map[Kind]string{
	KindConsultation: "Consulta",
	KindFollowUp:     "Retorno",
	KindProcedure:    "Procedimento",
	KindAssessment:   "Avaliação",
	KindEmergency:    "Emergência",
}

// Label is the display name used in calendar event titles.
func (k Kind) Label() string {
	if l, ok := kindLabels[k]; ok {
		return l
	}
	return string(k)
}

type BlockKind string

const (
	BlockFullDay   BlockKind = "full-day"
	BlockTimeRange BlockKind = "time-range"
)

// ParseBlockKind also accepts the legacy dashboard names.
func ParseBlockKind(s string) (BlockKind, bool) {
	switch s {
	case string(BlockFullDay), "dia_inteiro":
		return BlockFullDay, true
	case string(BlockTimeRange), "horario":
		return BlockTimeRange, true
	}
	return "", false
}

// Owner is the clinic account that owns a calendar.
type Owner struct {
	ID                   uuid.UUID
	Name                 string
	Clinic               string
	Email                string
	CalendarRefreshToken *string
	CalendarID           *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// CalendarConnected reports whether the owner has granted external calendar access.
func (o *Owner) CalendarConnected() bool {
	return o.CalendarRefreshToken != nil && *o.CalendarRefreshToken != "" &&
		o.CalendarID != nil && *o.CalendarID != ""
}

type Appointment struct {
	ID              uuid.UUID
	OwnerID         uuid.UUID
	SubjectName     string
	SubjectPhone    string
	SubjectEmail    *string
	StartsAt        time.Time
	Kind            Kind
	Notes           *string
	Origin          Origin
	Status          AppointmentStatus
	ExternalEventID *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (a *Appointment) Synced() bool {
	return a.ExternalEventID != nil && *a.ExternalEventID != ""
}

type Block struct {
	ID              uuid.UUID
	OwnerID         uuid.UUID
	Kind            BlockKind
	Date            clinictime.Date
	RangeStart      *clinictime.TimeOfDay
	RangeEnd        *clinictime.TimeOfDay
	Reason          *string
	Active          bool
	ExternalEventID *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (b *Block) Synced() bool {
	return b.ExternalEventID != nil && *b.ExternalEventID != ""
}

// Window is the part of the day the block covers. Full-day blocks cover the
// whole day; a time-range block with missing bounds covers nothing.
func (b *Block) Window() (clinictime.Range, bool) {
	switch b.Kind {
	case BlockFullDay:
		return clinictime.Range{Start: 0, End: clinictime.Clock(24, 0)}, true
	case BlockTimeRange:
		if b.RangeStart == nil || b.RangeEnd == nil {
			return clinictime.Range{}, false
		}
		return clinictime.Range{Start: *b.RangeStart, End: *b.RangeEnd}, true
	}
	return clinictime.Range{}, false
}

// EventLog is one row of the audit trail.
type EventLog struct {
	ID         int64
	EventType  string
	RecordType string
	RecordID   *uuid.UUID
	OwnerID    *uuid.UUID
	Payload    []byte
	CreatedAt  time.Time
}

type AppointmentFilter struct {
	OwnerID uuid.UUID
	Day     *clinictime.Date
	Status  *AppointmentStatus
}

// AppointmentRequest is a proposed appointment awaiting admission.
type AppointmentRequest struct {
	SubjectName     string
	SubjectPhone    string
	SubjectEmail    *string
	StartsAt        time.Time
	Kind            Kind
	Notes           *string
	Origin          Origin
	ExternalEventID *string
}

// BlockRequest is a proposed blackout period.
type BlockRequest struct {
	Kind       BlockKind
	Date       clinictime.Date
	RangeStart *clinictime.TimeOfDay
	RangeEnd   *clinictime.TimeOfDay
	Reason     *string
}

// SlotState describes one entry of the booking grid.
type SlotState string

const (
	SlotFree    SlotState = "free"
	SlotTaken   SlotState = "taken"
	SlotBlocked SlotState = "blocked"
)

type Slot struct {
	StartsAt      time.Time
	State         SlotState
	AppointmentID *uuid.UUID
	BlockID       *uuid.UUID
}
