// Package apptest provides an in-memory appointment.Repository with the
// same constraint behavior as the Postgres schema.
package apptest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rezendedigital02/dash/internal/appointment"
	"github.com/rezendedigital02/dash/internal/clinictime"
)

type Memory struct {
	mu           sync.Mutex
	owners       map[uuid.UUID]appointment.Owner
	appointments map[uuid.UUID]appointment.Appointment
	blocks       map[uuid.UUID]appointment.Block
	events       []appointment.EventLog

	// FailCreateAppointment, when set, is consulted before every insert.
	FailCreateAppointment func(a *appointment.Appointment) error
}

var _ appointment.Repository = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		owners:       make(map[uuid.UUID]appointment.Owner),
		appointments: make(map[uuid.UUID]appointment.Appointment),
		blocks:       make(map[uuid.UUID]appointment.Block),
	}
}

// AddOwner stores o, assigning an id when it has none.
func (m *Memory) AddOwner(o appointment.Owner) appointment.Owner {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	now := time.Now()
	o.CreatedAt, o.UpdatedAt = now, now
	m.owners[o.ID] = o
	return o
}

// Events returns a copy of the audit rows written so far.
func (m *Memory) Events() []appointment.EventLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]appointment.EventLog(nil), m.events...)
}

// Appointments returns every stored appointment of owner, any status.
func (m *Memory) Appointments(ownerID uuid.UUID) []appointment.Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []appointment.Appointment
	for _, a := range m.appointments {
		if a.OwnerID == ownerID {
			out = append(out, a)
		}
	}
	sortAppointments(out)
	return out
}

func (m *Memory) GetOwnerByID(_ context.Context, id uuid.UUID) (*appointment.Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.owners[id]
	if !ok {
		return nil, appointment.ErrOwnerNotFound
	}
	return &o, nil
}

func (m *Memory) ListConnectedOwners(_ context.Context) ([]appointment.Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []appointment.Owner
	for _, o := range m.owners {
		if o.CalendarConnected() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateOwnerCalendar(_ context.Context, id uuid.UUID, refreshToken, calendarID *string) (*appointment.Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.owners[id]
	if !ok {
		return nil, appointment.ErrOwnerNotFound
	}
	o.CalendarRefreshToken = refreshToken
	o.CalendarID = calendarID
	o.UpdatedAt = time.Now()
	m.owners[id] = o
	return &o, nil
}

func (m *Memory) ListActiveBlocksForDay(_ context.Context, ownerID uuid.UUID, day clinictime.Date) ([]appointment.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []appointment.Block
	for _, b := range m.blocks {
		if b.OwnerID == ownerID && b.Active && b.Date == day {
			out = append(out, b)
		}
	}
	sortBlocks(out)
	return out, nil
}

func (m *Memory) GetConfirmedAppointmentAt(_ context.Context, ownerID uuid.UUID, startsAt time.Time) (*appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.confirmedAt(ownerID, startsAt); ok {
		return &a, nil
	}
	return nil, appointment.ErrAppointmentNotFound
}

func (m *Memory) confirmedAt(ownerID uuid.UUID, startsAt time.Time) (appointment.Appointment, bool) {
	for _, a := range m.appointments {
		if a.OwnerID == ownerID && a.Status == appointment.StatusConfirmed && a.StartsAt.Equal(startsAt) {
			return a, true
		}
	}
	return appointment.Appointment{}, false
}

func (m *Memory) GetAppointmentByID(_ context.Context, ownerID, id uuid.UUID) (*appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok || a.OwnerID != ownerID {
		return nil, appointment.ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *Memory) GetAppointmentByExternalID(_ context.Context, ownerID uuid.UUID, externalID string) (*appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.appointments {
		if a.OwnerID == ownerID && a.ExternalEventID != nil && *a.ExternalEventID == externalID {
			return &a, nil
		}
	}
	return nil, appointment.ErrAppointmentNotFound
}

func (m *Memory) ListAppointments(_ context.Context, filter appointment.AppointmentFilter) ([]appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []appointment.Appointment
	for _, a := range m.appointments {
		if a.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Day != nil && clinictime.DateOf(a.StartsAt) != *filter.Day {
			continue
		}
		if filter.Status != nil && a.Status != *filter.Status {
			continue
		}
		out = append(out, a)
	}
	sortAppointments(out)
	return out, nil
}

func (m *Memory) CreateAppointment(_ context.Context, a *appointment.Appointment) (*appointment.Appointment, error) {
	if m.FailCreateAppointment != nil {
		if err := m.FailCreateAppointment(a); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if a.Status == appointment.StatusConfirmed {
		if _, taken := m.confirmedAt(a.OwnerID, a.StartsAt); taken {
			return nil, appointment.ErrSlotTaken
		}
	}
	if a.ExternalEventID != nil && m.appointmentExternalInUse(a.OwnerID, *a.ExternalEventID) {
		return nil, appointment.ErrDuplicateExternalEvent
	}

	created := *a
	created.ID = uuid.New()
	now := time.Now()
	created.CreatedAt, created.UpdatedAt = now, now
	m.appointments[created.ID] = created
	return &created, nil
}

func (m *Memory) appointmentExternalInUse(ownerID uuid.UUID, externalID string) bool {
	for _, other := range m.appointments {
		if other.OwnerID == ownerID && other.ExternalEventID != nil && *other.ExternalEventID == externalID {
			return true
		}
	}
	return false
}

func (m *Memory) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to appointment.AppointmentStatus) (*appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok || a.Status != from {
		return nil, appointment.ErrAppointmentNotFound
	}
	if to == appointment.StatusConfirmed {
		if _, taken := m.confirmedAt(a.OwnerID, a.StartsAt); taken {
			return nil, appointment.ErrSlotTaken
		}
	}
	a.Status = to
	a.UpdatedAt = time.Now()
	m.appointments[id] = a
	return &a, nil
}

func (m *Memory) SetAppointmentExternalID(_ context.Context, id uuid.UUID, externalID string) (*appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok || a.ExternalEventID != nil || a.Status != appointment.StatusConfirmed {
		return nil, appointment.ErrAlreadySynced
	}
	if m.appointmentExternalInUse(a.OwnerID, externalID) {
		return nil, appointment.ErrDuplicateExternalEvent
	}
	a.ExternalEventID = &externalID
	a.UpdatedAt = time.Now()
	m.appointments[id] = a
	return &a, nil
}

func (m *Memory) ListUnsyncedAppointments(_ context.Context, ownerID uuid.UUID) ([]appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []appointment.Appointment
	for _, a := range m.appointments {
		if a.OwnerID == ownerID && a.Status == appointment.StatusConfirmed && a.ExternalEventID == nil {
			out = append(out, a)
		}
	}
	sortAppointments(out)
	return out, nil
}

func (m *Memory) GetBlockByID(_ context.Context, ownerID, id uuid.UUID) (*appointment.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[id]
	if !ok || b.OwnerID != ownerID {
		return nil, appointment.ErrBlockNotFound
	}
	return &b, nil
}

func (m *Memory) GetBlockByExternalID(_ context.Context, ownerID uuid.UUID, externalID string) (*appointment.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.blocks {
		if b.OwnerID == ownerID && b.ExternalEventID != nil && *b.ExternalEventID == externalID {
			return &b, nil
		}
	}
	return nil, appointment.ErrBlockNotFound
}

func (m *Memory) ListActiveBlocks(_ context.Context, ownerID uuid.UUID) ([]appointment.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []appointment.Block
	for _, b := range m.blocks {
		if b.OwnerID == ownerID && b.Active {
			out = append(out, b)
		}
	}
	sortBlocks(out)
	return out, nil
}

func (m *Memory) CreateBlock(_ context.Context, b *appointment.Block) (*appointment.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created := *b
	created.ID = uuid.New()
	now := time.Now()
	created.CreatedAt, created.UpdatedAt = now, now
	m.blocks[created.ID] = created
	return &created, nil
}

func (m *Memory) DeactivateBlock(_ context.Context, id uuid.UUID) (*appointment.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[id]
	if !ok {
		return nil, appointment.ErrBlockNotFound
	}
	b.Active = false
	b.UpdatedAt = time.Now()
	m.blocks[id] = b
	return &b, nil
}

func (m *Memory) SetBlockExternalID(_ context.Context, id uuid.UUID, externalID string) (*appointment.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[id]
	if !ok || b.ExternalEventID != nil || !b.Active {
		return nil, appointment.ErrAlreadySynced
	}
	for _, other := range m.blocks {
		if other.OwnerID == b.OwnerID && other.ExternalEventID != nil && *other.ExternalEventID == externalID {
			return nil, appointment.ErrDuplicateExternalEvent
		}
	}
	b.ExternalEventID = &externalID
	b.UpdatedAt = time.Now()
	m.blocks[id] = b
	return &b, nil
}

func (m *Memory) ListUnsyncedBlocks(_ context.Context, ownerID uuid.UUID) ([]appointment.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []appointment.Block
	for _, b := range m.blocks {
		if b.OwnerID == ownerID && b.Active && b.ExternalEventID == nil {
			out = append(out, b)
		}
	}
	sortBlocks(out)
	return out, nil
}

func (m *Memory) InsertEvent(_ context.Context, ev appointment.EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return nil
}

func sortAppointments(as []appointment.Appointment) {
	sort.Slice(as, func(i, j int) bool { return as[i].StartsAt.Before(as[j].StartsAt) })
}

func sortBlocks(bs []appointment.Block) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].Date != bs[j].Date {
			return bs[i].Date.Start().Before(bs[j].Date.Start())
		}
		return rangeStart(bs[i]) < rangeStart(bs[j])
	})
}

func rangeStart(b appointment.Block) clinictime.TimeOfDay {
	if b.RangeStart == nil {
		return -1
	}
	return *b.RangeStart
}
