package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rezendedigital02/dash/internal/appointment"
	"github.com/rezendedigital02/dash/internal/reconcile"
)

type CreateAppointmentRequest struct {
	SubjectName  string  `json:"subjectName"`
	SubjectPhone string  `json:"subjectPhone"`
	SubjectEmail *string `json:"subjectEmail,omitempty"`
	StartsAt     string  `json:"startsAt"`
	Kind         string  `json:"kind"`
	Notes        *string `json:"notes,omitempty"`
}

type CreateBlockRequest struct {
	Kind       string  `json:"kind"`
	Date       string  `json:"date"`
	RangeStart *string `json:"rangeStart,omitempty"`
	RangeEnd   *string `json:"rangeEnd,omitempty"`
	RangeFim   *string `json:"rangeFim,omitempty"` // legacy name of rangeEnd
	Reason     *string `json:"reason,omitempty"`
}

// AutomationAppointmentRequest is posted by the external automation.
type AutomationAppointmentRequest struct {
	OwnerID string `json:"ownerId"`
	CreateAppointmentRequest
	ExternalEventID *string `json:"externalEventId,omitempty"`
}

type AutomationBlockRequest struct {
	OwnerID string `json:"ownerId"`
	CreateBlockRequest
}

type AutomationUnblockRequest struct {
	OwnerID string `json:"ownerId"`
	BlockID string `json:"blockId"`
}

type AppointmentResponse struct {
	ID              uuid.UUID `json:"id"`
	SubjectName     string    `json:"subjectName"`
	SubjectPhone    string    `json:"subjectPhone"`
	SubjectEmail    *string   `json:"subjectEmail,omitempty"`
	StartsAt        time.Time `json:"startsAt"`
	Kind            string    `json:"kind"`
	KindLabel       string    `json:"kindLabel"`
	Notes           *string   `json:"notes,omitempty"`
	Origin          string    `json:"origin"`
	Status          string    `json:"status"`
	ExternalEventID *string   `json:"externalEventId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

type BlockResponse struct {
	ID              uuid.UUID `json:"id"`
	Kind            string    `json:"kind"`
	Date            string    `json:"date"`
	RangeStart      *string   `json:"rangeStart,omitempty"`
	RangeEnd        *string   `json:"rangeEnd,omitempty"`
	Reason          *string   `json:"reason,omitempty"`
	Active          bool      `json:"active"`
	ExternalEventID *string   `json:"externalEventId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

type SlotResponse struct {
	StartsAt      time.Time  `json:"startsAt"`
	Time          string     `json:"time"`
	State         string     `json:"state"`
	AppointmentID *uuid.UUID `json:"appointmentId,omitempty"`
	BlockID       *uuid.UUID `json:"blockId,omitempty"`
}

type ExportResponse struct {
	ExportedAppointments int      `json:"exportedAppointments"`
	ExportedBlocks       int      `json:"exportedBlocks"`
	FailedAppointments   int      `json:"failedAppointments"`
	FailedBlocks         int      `json:"failedBlocks"`
	CredentialExpired    bool     `json:"credentialExpired"`
	Warnings             []string `json:"warnings,omitempty"`
}

type ImportResponse struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   int      `json:"errors"`
	Total    int      `json:"total"`
	Warnings []string `json:"warnings,omitempty"`
}

type SyncResponse struct {
	ExportedAppointments int      `json:"exportedAppointments"`
	ExportedBlocks       int      `json:"exportedBlocks"`
	ExportFailures       int      `json:"exportFailures"`
	Imported             int      `json:"imported"`
	Skipped              int      `json:"skipped"`
	ImportFailures       int      `json:"importFailures"`
	ImportError          string   `json:"importError,omitempty"`
	CredentialExpired    bool     `json:"credentialExpired"`
	Warnings             []string `json:"warnings,omitempty"`
}

type CalendarStatusResponse struct {
	Connected  bool    `json:"connected"`
	CalendarID *string `json:"calendarId,omitempty"`
}

type AuthURLResponse struct {
	URL string `json:"url"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type ErrorResponse struct {
	Error    string   `json:"error"`
	Details  string   `json:"details,omitempty"`
	Problems []string `json:"problems,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:              a.ID,
		SubjectName:     a.SubjectName,
		SubjectPhone:    a.SubjectPhone,
		SubjectEmail:    a.SubjectEmail,
		StartsAt:        a.StartsAt,
		Kind:            string(a.Kind),
		KindLabel:       a.Kind.Label(),
		Notes:           a.Notes,
		Origin:          string(a.Origin),
		Status:          string(a.Status),
		ExternalEventID: a.ExternalEventID,
		CreatedAt:       a.CreatedAt,
	}
}

func toBlockResponse(b *appointment.Block) BlockResponse {
	resp := BlockResponse{
		ID:              b.ID,
		Kind:            string(b.Kind),
		Date:            b.Date.String(),
		Reason:          b.Reason,
		Active:          b.Active,
		ExternalEventID: b.ExternalEventID,
		CreatedAt:       b.CreatedAt,
	}
	if b.RangeStart != nil {
		s := b.RangeStart.String()
		resp.RangeStart = &s
	}
	if b.RangeEnd != nil {
		s := b.RangeEnd.String()
		resp.RangeEnd = &s
	}
	return resp
}

func toExportResponse(r reconcile.ExportResult) ExportResponse {
	return ExportResponse{
		ExportedAppointments: r.ExportedAppointments,
		ExportedBlocks:       r.ExportedBlocks,
		FailedAppointments:   r.FailedAppointments,
		FailedBlocks:         r.FailedBlocks,
		CredentialExpired:    r.CredentialExpired,
		Warnings:             r.Warnings,
	}
}

func toImportResponse(r reconcile.ImportResult) ImportResponse {
	return ImportResponse{
		Imported: r.Imported,
		Skipped:  r.Skipped,
		Errors:   r.Failed,
		Total:    r.Total,
		Warnings: r.Warnings,
	}
}

func toSyncResponse(r reconcile.SyncResult) SyncResponse {
	return SyncResponse{
		ExportedAppointments: r.Export.ExportedAppointments,
		ExportedBlocks:       r.Export.ExportedBlocks,
		ExportFailures:       r.Export.Failed(),
		Imported:             r.Import.Imported,
		Skipped:              r.Import.Skipped,
		ImportFailures:       r.Import.Failed,
		ImportError:          r.ImportError,
		CredentialExpired:    r.CredentialExpired(),
		Warnings:             r.Warnings(),
	}
}
