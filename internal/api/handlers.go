package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rezendedigital02/dash/internal/appointment"
	"github.com/rezendedigital02/dash/internal/clinictime"
)

func createAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := requireOwner(w, r)
		if !ok {
			return
		}

		var req CreateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		admitReq, err := req.toDomain(appointment.OriginManual)
		if err != nil {
			handleAdmitError(w, err)
			return
		}

		appt, err := svc.Admit(r.Context(), ownerID, admitReq)
		if err != nil {
			handleAdmitError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := requireOwner(w, r)
		if !ok {
			return
		}

		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := svc.GetAppointment(r.Context(), ownerID, id)
		if err != nil {
			handleRecordError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := requireOwner(w, r)
		if !ok {
			return
		}

		var day *clinictime.Date
		if raw := r.URL.Query().Get("date"); raw != "" {
			d, err := clinictime.ParseDate(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
				return
			}
			day = &d
		}

		appointments, err := svc.ListAppointments(r.Context(), ownerID, day)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		resp := make([]AppointmentResponse, 0, len(appointments))
		for i := range appointments {
			resp = append(resp, toAppointmentResponse(&appointments[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func cancelAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := requireOwner(w, r)
		if !ok {
			return
		}

		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := svc.Cancel(r.Context(), ownerID, id)
		if err != nil {
			handleRecordError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func createBlockHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := requireOwner(w, r)
		if !ok {
			return
		}

		var req CreateBlockRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		blockReq, err := req.toDomain()
		if err != nil {
			handleAdmitError(w, err)
			return
		}

		block, err := svc.AdmitBlock(r.Context(), ownerID, blockReq)
		if err != nil {
			handleAdmitError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toBlockResponse(block))
	}
}

func listBlocksHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := requireOwner(w, r)
		if !ok {
			return
		}

		blocks, err := svc.ListBlocks(r.Context(), ownerID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		resp := make([]BlockResponse, 0, len(blocks))
		for i := range blocks {
			resp = append(resp, toBlockResponse(&blocks[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func removeBlockHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := requireOwner(w, r)
		if !ok {
			return
		}

		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_block_id", "id must be a valid UUID")
			return
		}

		block, err := svc.RemoveBlock(r.Context(), ownerID, id)
		if err != nil {
			handleRecordError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toBlockResponse(block))
	}
}

func slotsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := requireOwner(w, r)
		if !ok {
			return
		}

		day, err := clinictime.ParseDate(r.URL.Query().Get("date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date query parameter must be YYYY-MM-DD")
			return
		}

		slots, err := svc.SlotGrid(r.Context(), ownerID, day)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		resp := make([]SlotResponse, 0, len(slots))
		for _, s := range slots {
			resp = append(resp, SlotResponse{
				StartsAt:      s.StartsAt,
				Time:          clinictime.TimeOfDayOf(s.StartsAt).String(),
				State:         string(s.State),
				AppointmentID: s.AppointmentID,
				BlockID:       s.BlockID,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func requireOwner(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := OwnerIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing owner identity")
		return uuid.Nil, false
	}
	return id, true
}

// toDomain converts wire fields. Format problems are reported the same way
// as the service's own validation.
func (req CreateAppointmentRequest) toDomain(origin appointment.Origin) (appointment.AppointmentRequest, error) {
	out := appointment.AppointmentRequest{
		SubjectName:  req.SubjectName,
		SubjectPhone: req.SubjectPhone,
		SubjectEmail: req.SubjectEmail,
		Kind:         appointment.Kind(req.Kind),
		Notes:        req.Notes,
		Origin:       origin,
	}
	if req.StartsAt != "" {
		t, err := parseStartsAt(req.StartsAt)
		if err != nil {
			return out, &appointment.ValidationError{Problems: []string{"startsAt must be an ISO-8601 timestamp"}}
		}
		out.StartsAt = t
	}
	return out, nil
}

// localLayouts are accepted when startsAt carries no offset. Such values
// are wall-clock times in the clinic zone.
var localLayouts = []string{"2006-01-02T15:04:05", "2006-01-02T15:04"}

func parseStartsAt(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	for _, layout := range localLayouts {
		if lt, lerr := time.ParseInLocation(layout, s, clinictime.Zone); lerr == nil {
			return lt, nil
		}
	}
	return time.Time{}, err
}

func (req CreateBlockRequest) toDomain() (appointment.BlockRequest, error) {
	var problems []string
	out := appointment.BlockRequest{Reason: req.Reason}

	if kind, ok := appointment.ParseBlockKind(req.Kind); ok {
		out.Kind = kind
	} else {
		out.Kind = appointment.BlockKind(req.Kind)
	}

	if req.Date != "" {
		d, err := clinictime.ParseDate(req.Date)
		if err != nil {
			problems = append(problems, "date must be YYYY-MM-DD")
		}
		out.Date = d
	}

	parseClock := func(field string, raw *string) *clinictime.TimeOfDay {
		if raw == nil || *raw == "" {
			return nil
		}
		tod, err := clinictime.ParseTimeOfDay(*raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s must be HH:MM", field))
			return nil
		}
		return &tod
	}
	out.RangeStart = parseClock("rangeStart", req.RangeStart)
	rangeEnd, endField := req.RangeEnd, "rangeEnd"
	if (rangeEnd == nil || *rangeEnd == "") && req.RangeFim != nil {
		rangeEnd, endField = req.RangeFim, "rangeFim"
	}
	out.RangeEnd = parseClock(endField, rangeEnd)

	if len(problems) > 0 {
		return out, &appointment.ValidationError{Problems: problems}
	}
	return out, nil
}

func handleAdmitError(w http.ResponseWriter, err error) {
	var verr *appointment.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:    "validation_failed",
			Details:  "request has invalid fields",
			Problems: verr.Problems,
		})
	case errors.Is(err, appointment.ErrDayBlocked):
		writeError(w, http.StatusConflict, "day_blocked", "the whole day is blocked")
	case errors.Is(err, appointment.ErrSlotBlocked):
		writeError(w, http.StatusConflict, "slot_blocked", "the requested time is inside a blocked range")
	case errors.Is(err, appointment.ErrSlotTaken):
		writeError(w, http.StatusConflict, "slot_taken", "another confirmed appointment starts at this time")
	case errors.Is(err, appointment.ErrScheduleBusy):
		writeError(w, http.StatusConflict, "schedule_busy", "the schedule is being changed, retry shortly")
	case errors.Is(err, appointment.ErrDuplicateExternalEvent):
		writeError(w, http.StatusConflict, "duplicate_external_event", "external event is already linked")
	case errors.Is(err, appointment.ErrOwnerNotFound):
		writeError(w, http.StatusNotFound, "owner_not_found", "owner does not exist")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func handleRecordError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", "appointment does not exist")
	case errors.Is(err, appointment.ErrBlockNotFound):
		writeError(w, http.StatusNotFound, "block_not_found", "block does not exist")
	case errors.Is(err, appointment.ErrOwnerNotFound):
		writeError(w, http.StatusNotFound, "owner_not_found", "owner does not exist")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
