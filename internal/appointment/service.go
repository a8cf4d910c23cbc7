package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rezendedigital02/dash/internal/clinictime"
	"github.com/rezendedigital02/dash/internal/metrics"
	"github.com/rezendedigital02/dash/internal/notify"
	redisclient "github.com/rezendedigital02/dash/internal/redis"
)

const (
	EventAppointmentCreated   = "appointment_created"
	EventAppointmentCancelled = "appointment_cancelled"
	EventBlockCreated         = "block_created"
	EventBlockRemoved         = "block_removed"

	RecordAppointment = "appointment"
	RecordBlock       = "block"
)

var (
	ErrDayBlocked  = errors.New("day is blocked")
	ErrSlotBlocked = errors.New("time slot is blocked")
	ErrSlotTaken   = errors.New("time slot already has a confirmed appointment")
	// ErrScheduleBusy means the owner's schedule lock could not be taken in time.
	ErrScheduleBusy = errors.New("schedule is being changed, please retry")
)

// ValidationError lists every problem found in a request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

// Mirror pushes local records to the external calendar. The service calls it
// after the local write has committed; its failures never undo that write.
type Mirror interface {
	ExportAppointment(ctx context.Context, a *Appointment) (*Appointment, error)
	ExportBlock(ctx context.Context, b *Block) (*Block, error)
	RemoveEvent(ctx context.Context, ownerID uuid.UUID, externalID string) error
}

type Service struct {
	repo   Repository
	locker redisclient.Locker
	mirror Mirror
	sink   notify.Sink
	log    *zap.Logger
}

// NewService wires the scheduling service. mirror may be nil when no
// external calendar is configured; sink may be nil to disable notifications.
func NewService(repo Repository, locker redisclient.Locker, mirror Mirror, sink notify.Sink, log *zap.Logger) *Service {
	if sink == nil {
		sink = notify.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		locker: locker,
		mirror: mirror,
		sink:   sink,
		log:    log,
	}
}

// Admit books an appointment if no active block covers its start and no
// confirmed appointment of the owner starts at the same instant. The check
// and the insert run under the owner's lock so two concurrent requests for
// the same instant cannot both succeed.
func (s *Service) Admit(ctx context.Context, ownerID uuid.UUID, req AppointmentRequest) (*Appointment, error) {
	req = normalizeAppointmentRequest(req)
	if err := validateAppointmentRequest(req); err != nil {
		metrics.ObserveAdmission("validation_failed")
		return nil, err
	}

	owner, err := s.repo.GetOwnerByID(ctx, ownerID)
	if err != nil {
		if errors.Is(err, ErrOwnerNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load owner: %w", err)
	}

	day, tod := clinictime.Normalize(req.StartsAt)

	var created *Appointment

	err = s.locker.WithLock(ctx, redisclient.OwnerLockKey(ownerID), func(lockCtx context.Context) error {
		blocks, err := s.repo.ListActiveBlocksForDay(lockCtx, ownerID, day)
		if err != nil {
			return fmt.Errorf("load blocks: %w", err)
		}
		if err := checkBlocks(blocks, tod); err != nil {
			return err
		}

		existing, err := s.repo.GetConfirmedAppointmentAt(lockCtx, ownerID, req.StartsAt)
		if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
			return fmt.Errorf("check confirmed appointment: %w", err)
		}
		if existing != nil {
			return ErrSlotTaken
		}

		appt, err := s.repo.CreateAppointment(lockCtx, &Appointment{
			OwnerID:         ownerID,
			SubjectName:     req.SubjectName,
			SubjectPhone:    req.SubjectPhone,
			SubjectEmail:    req.SubjectEmail,
			StartsAt:        req.StartsAt,
			Kind:            req.Kind,
			Notes:           req.Notes,
			Origin:          req.Origin,
			Status:          StatusConfirmed,
			ExternalEventID: req.ExternalEventID,
		})
		if err != nil {
			if errors.Is(err, ErrSlotTaken) || errors.Is(err, ErrDuplicateExternalEvent) {
				return err
			}
			return fmt.Errorf("create appointment: %w", err)
		}

		created = appt
		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			err = ErrScheduleBusy
		}
		metrics.ObserveAdmission(admissionOutcome(err))
		return nil, err
	}
	metrics.ObserveAdmission("admitted")

	s.logEvent(ctx, EventAppointmentCreated, RecordAppointment, created.ID, ownerID, map[string]any{
		"subjectName":  created.SubjectName,
		"subjectPhone": created.SubjectPhone,
		"subjectEmail": created.SubjectEmail,
		"startsAt":     created.StartsAt,
		"kind":         created.Kind,
		"origin":       created.Origin,
		"clinic":       owner.Clinic,
	})

	if !created.Synced() {
		created = s.exportAppointment(ctx, created)
	}
	return created, nil
}

// AdmitBlock stores a blackout period. Blocks only constrain future
// admissions: confirmed appointments already inside the period are kept.
func (s *Service) AdmitBlock(ctx context.Context, ownerID uuid.UUID, req BlockRequest) (*Block, error) {
	req = normalizeBlockRequest(req)
	if err := validateBlockRequest(req); err != nil {
		return nil, err
	}

	owner, err := s.repo.GetOwnerByID(ctx, ownerID)
	if err != nil {
		if errors.Is(err, ErrOwnerNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load owner: %w", err)
	}

	block, err := s.repo.CreateBlock(ctx, &Block{
		OwnerID:    ownerID,
		Kind:       req.Kind,
		Date:       req.Date,
		RangeStart: req.RangeStart,
		RangeEnd:   req.RangeEnd,
		Reason:     req.Reason,
		Active:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("create block: %w", err)
	}

	payload := map[string]any{
		"kind":   block.Kind,
		"date":   block.Date.String(),
		"reason": block.Reason,
		"clinic": owner.Clinic,
	}
	if block.RangeStart != nil && block.RangeEnd != nil {
		payload["rangeStart"] = block.RangeStart.String()
		payload["rangeEnd"] = block.RangeEnd.String()
	}
	s.logEvent(ctx, EventBlockCreated, RecordBlock, block.ID, ownerID, payload)

	return s.exportBlock(ctx, block), nil
}

// Cancel soft-deletes an appointment. The record and its external id are
// kept so a later import does not bring the event back. Removing the
// mirrored event is best-effort.
func (s *Service) Cancel(ctx context.Context, ownerID, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, ownerID, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	if appt.Status == StatusCancelled {
		return appt, nil
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, appt.ID, StatusConfirmed, StatusCancelled)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// lost a race with another cancellation
			return s.repo.GetAppointmentByID(ctx, ownerID, id)
		}
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	s.logEvent(ctx, EventAppointmentCancelled, RecordAppointment, updated.ID, ownerID, map[string]any{
		"subjectName": updated.SubjectName,
		"startsAt":    updated.StartsAt,
	})

	if updated.Synced() {
		s.removeEvent(ctx, ownerID, *updated.ExternalEventID)
	}
	return updated, nil
}

// RemoveBlock deactivates a block. Rows are never deleted so the external
// event id stays available for cleanup.
func (s *Service) RemoveBlock(ctx context.Context, ownerID, id uuid.UUID) (*Block, error) {
	block, err := s.repo.GetBlockByID(ctx, ownerID, id)
	if err != nil {
		if errors.Is(err, ErrBlockNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load block: %w", err)
	}

	if !block.Active {
		return block, nil
	}

	updated, err := s.repo.DeactivateBlock(ctx, block.ID)
	if err != nil {
		return nil, fmt.Errorf("deactivate block: %w", err)
	}

	s.logEvent(ctx, EventBlockRemoved, RecordBlock, updated.ID, ownerID, map[string]any{
		"kind": updated.Kind,
		"date": updated.Date.String(),
	})

	if updated.Synced() {
		s.removeEvent(ctx, ownerID, *updated.ExternalEventID)
	}
	return updated, nil
}

func (s *Service) GetAppointment(ctx context.Context, ownerID, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, ownerID, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

// ListAppointments returns the owner's appointments, optionally for one day.
func (s *Service) ListAppointments(ctx context.Context, ownerID uuid.UUID, day *clinictime.Date) ([]Appointment, error) {
	appointments, err := s.repo.ListAppointments(ctx, AppointmentFilter{OwnerID: ownerID, Day: day})
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return appointments, nil
}

func (s *Service) ListBlocks(ctx context.Context, ownerID uuid.UUID) ([]Block, error) {
	blocks, err := s.repo.ListActiveBlocks(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	return blocks, nil
}

// SlotGrid reports the state of every bookable slot of day.
func (s *Service) SlotGrid(ctx context.Context, ownerID uuid.UUID, day clinictime.Date) ([]Slot, error) {
	blocks, err := s.repo.ListActiveBlocksForDay(ctx, ownerID, day)
	if err != nil {
		return nil, fmt.Errorf("load blocks: %w", err)
	}

	confirmed := StatusConfirmed
	appointments, err := s.repo.ListAppointments(ctx, AppointmentFilter{OwnerID: ownerID, Day: &day, Status: &confirmed})
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}

	taken := make(map[int64]uuid.UUID, len(appointments))
	for _, a := range appointments {
		taken[a.StartsAt.Unix()] = a.ID
	}

	starts := clinictime.Slots(day)
	slots := make([]Slot, 0, len(starts))
	for _, start := range starts {
		slot := Slot{StartsAt: start, State: SlotFree}
		if b := coveringBlock(blocks, clinictime.TimeOfDayOf(start)); b != nil {
			id := b.ID
			slot.State = SlotBlocked
			slot.BlockID = &id
		}
		if id, ok := taken[start.Unix()]; ok {
			slot.State = SlotTaken
			slot.AppointmentID = &id
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

func checkBlocks(blocks []Block, tod clinictime.TimeOfDay) error {
	for _, b := range blocks {
		if b.Active && b.Kind == BlockFullDay {
			return fmt.Errorf("%w (block %s)", ErrDayBlocked, b.ID)
		}
	}
	if b := coveringBlock(blocks, tod); b != nil {
		return fmt.Errorf("%w: %s-%s (block %s)", ErrSlotBlocked, b.RangeStart, b.RangeEnd, b.ID)
	}
	return nil
}

func coveringBlock(blocks []Block, tod clinictime.TimeOfDay) *Block {
	for i := range blocks {
		b := &blocks[i]
		if !b.Active {
			continue
		}
		if w, ok := b.Window(); ok && w.Contains(tod) {
			return b
		}
	}
	return nil
}

func admissionOutcome(err error) string {
	switch {
	case errors.Is(err, ErrDayBlocked):
		return "day_blocked"
	case errors.Is(err, ErrSlotBlocked):
		return "slot_blocked"
	case errors.Is(err, ErrSlotTaken):
		return "slot_taken"
	case errors.Is(err, ErrScheduleBusy):
		return "busy"
	default:
		return "error"
	}
}

func (s *Service) exportAppointment(ctx context.Context, appt *Appointment) *Appointment {
	if s.mirror == nil {
		return appt
	}
	exported, err := s.mirror.ExportAppointment(ctx, appt)
	if err != nil {
		s.log.Warn("appointment not mirrored, will retry on next sync",
			zap.Stringer("appointment_id", appt.ID),
			zap.Error(err),
		)
		return appt
	}
	return exported
}

func (s *Service) exportBlock(ctx context.Context, block *Block) *Block {
	if s.mirror == nil {
		return block
	}
	exported, err := s.mirror.ExportBlock(ctx, block)
	if err != nil {
		s.log.Warn("block not mirrored, will retry on next sync",
			zap.Stringer("block_id", block.ID),
			zap.Error(err),
		)
		return block
	}
	return exported
}

func (s *Service) removeEvent(ctx context.Context, ownerID uuid.UUID, externalID string) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.RemoveEvent(ctx, ownerID, externalID); err != nil {
		s.log.Warn("failed to remove mirrored event",
			zap.Stringer("owner_id", ownerID),
			zap.String("external_event_id", externalID),
			zap.Error(err),
		)
	}
}

// logEvent records the audit row and hands the event to the notification
// sink. Neither may fail the caller.
func (s *Service) logEvent(ctx context.Context, eventType, recordType string, recordID, ownerID uuid.UUID, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("failed to marshal event payload", zap.String("event_type", eventType), zap.Error(err))
		data = nil
	}

	ev := EventLog{
		EventType:  eventType,
		RecordType: recordType,
		RecordID:   &recordID,
		OwnerID:    &ownerID,
		Payload:    data,
		CreatedAt:  time.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error("failed to insert event log",
			zap.String("event_type", eventType),
			zap.Stringer("record_id", recordID),
			zap.Error(err),
		)
	}

	s.sink.Notify(ctx, notify.Event{
		Type:     eventType,
		RecordID: recordID.String(),
		OwnerID:  ownerID.String(),
		Fields:   payload,
	})
}

func normalizeAppointmentRequest(req AppointmentRequest) AppointmentRequest {
	req.SubjectName = strings.TrimSpace(req.SubjectName)
	req.SubjectPhone = strings.TrimSpace(req.SubjectPhone)
	req.Kind = Kind(strings.ToLower(strings.TrimSpace(string(req.Kind))))
	req.SubjectEmail = trimmedOrNil(req.SubjectEmail)
	req.Notes = trimmedOrNil(req.Notes)
	req.ExternalEventID = trimmedOrNil(req.ExternalEventID)
	if req.Origin == "" {
		req.Origin = OriginManual
	}
	// appointments start on a whole minute; sub-minute parts would let two
	// bookings share a slot
	req.StartsAt = req.StartsAt.Truncate(time.Minute).UTC()
	return req
}

func validateAppointmentRequest(req AppointmentRequest) error {
	var problems []string
	if req.SubjectName == "" {
		problems = append(problems, "subjectName is required")
	}
	if req.SubjectPhone == "" {
		problems = append(problems, "subjectPhone is required")
	}
	if req.SubjectEmail != nil {
		if _, err := mail.ParseAddress(*req.SubjectEmail); err != nil {
			problems = append(problems, "subjectEmail is not a valid address")
		}
	}
	if req.StartsAt.IsZero() {
		problems = append(problems, "startsAt is required")
	}
	if req.Kind == "" {
		problems = append(problems, "kind is required")
	}
	if !req.Origin.Valid() {
		problems = append(problems, fmt.Sprintf("origin %q is not supported", req.Origin))
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func normalizeBlockRequest(req BlockRequest) BlockRequest {
	req.Reason = trimmedOrNil(req.Reason)
	if req.Kind == BlockFullDay {
		req.RangeStart, req.RangeEnd = nil, nil
	}
	return req
}

func validateBlockRequest(req BlockRequest) error {
	var problems []string
	switch req.Kind {
	case BlockFullDay:
	case BlockTimeRange:
		if req.RangeStart == nil || req.RangeEnd == nil {
			problems = append(problems, "rangeStart and rangeEnd are required for time-range blocks")
		} else if !(clinictime.Range{Start: *req.RangeStart, End: *req.RangeEnd}).Valid() {
			problems = append(problems, "rangeStart must be before rangeEnd")
		}
	default:
		problems = append(problems, fmt.Sprintf("kind %q is not supported", req.Kind))
	}
	if req.Date.IsZero() {
		problems = append(problems, "date is required")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
