package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rezendedigital02/dash/internal/appointment"
	"github.com/rezendedigital02/dash/internal/calendar"
	"github.com/rezendedigital02/dash/internal/reconcile"
)

const connectStateTTL = 10 * time.Minute

type CallbackResponse struct {
	Connected  bool          `json:"connected"`
	CalendarID string        `json:"calendarId"`
	Sync       *SyncResponse `json:"sync,omitempty"`
	SyncError  string        `json:"syncError,omitempty"`
}

func syncHandler(engine CalendarSync) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := requireOwner(w, r)
		if !ok {
			return
		}

		res, err := engine.Sync(r.Context(), ownerID)
		if err != nil {
			handleCalendarError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSyncResponse(res))
	}
}

func exportHandler(engine CalendarSync) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := requireOwner(w, r)
		if !ok {
			return
		}

		res, err := engine.Export(r.Context(), ownerID)
		if err != nil {
			handleCalendarError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toExportResponse(res))
	}
}

func importHandler(engine CalendarSync) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := requireOwner(w, r)
		if !ok {
			return
		}

		from, to := engine.ImportWindow()
		res, err := engine.Import(r.Context(), ownerID, from, to)
		if err != nil {
			handleCalendarError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toImportResponse(res))
	}
}

func authURLHandler(connector calendar.Connector, tv *TokenValidator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := requireOwner(w, r)
		if !ok {
			return
		}

		state, err := tv.IssueState(ownerID, connectStateTTL)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, AuthURLResponse{URL: connector.AuthCodeURL(state)})
	}
}

// callbackHandler finishes the consent flow. It is reached by a browser
// redirect, so the owner comes from the signed state instead of a bearer
// token. A failed first sync does not undo the connection.
func callbackHandler(connector calendar.Connector, engine CalendarSync, owners OwnerStore, tv *TokenValidator, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if reason := q.Get("error"); reason != "" {
			writeError(w, http.StatusBadRequest, "consent_denied", reason)
			return
		}

		code := q.Get("code")
		if code == "" {
			writeError(w, http.StatusBadRequest, "missing_code", "authorization code is required")
			return
		}

		ownerID, err := tv.ParseState(q.Get("state"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_state", "state is missing, expired or tampered with")
			return
		}

		cred, err := connector.Exchange(r.Context(), code)
		if err != nil {
			if errors.Is(err, calendar.ErrNoRefreshToken) {
				writeError(w, http.StatusBadRequest, "no_refresh_token", "consent did not grant offline access, reconnect and approve again")
				return
			}
			handleCalendarError(w, err)
			return
		}

		if _, err := owners.UpdateOwnerCalendar(r.Context(), ownerID, &cred.RefreshToken, &cred.CalendarID); err != nil {
			handleRecordError(w, err)
			return
		}
		log.Info("calendar connected",
			zap.Stringer("owner_id", ownerID),
			zap.String("calendar_id", cred.CalendarID),
		)

		resp := CallbackResponse{Connected: true, CalendarID: cred.CalendarID}
		res, err := engine.Sync(r.Context(), ownerID)
		if err != nil {
			log.Warn("initial calendar sync failed", zap.Stringer("owner_id", ownerID), zap.Error(err))
			resp.SyncError = err.Error()
		} else {
			sync := toSyncResponse(res)
			resp.Sync = &sync
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func calendarStatusHandler(owners OwnerStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := requireOwner(w, r)
		if !ok {
			return
		}

		owner, err := owners.GetOwnerByID(r.Context(), ownerID)
		if err != nil {
			handleRecordError(w, err)
			return
		}

		resp := CalendarStatusResponse{Connected: owner.CalendarConnected()}
		if resp.Connected {
			resp.CalendarID = owner.CalendarID
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// disconnectHandler forgets the stored credential. Mirrored events and
// local external ids are left in place.
func disconnectHandler(owners OwnerStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := requireOwner(w, r)
		if !ok {
			return
		}

		if _, err := owners.UpdateOwnerCalendar(r.Context(), ownerID, nil, nil); err != nil {
			handleRecordError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, CalendarStatusResponse{Connected: false})
	}
}

func calendarNotConfigured(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusServiceUnavailable, "calendar_not_configured", "external calendar integration is disabled")
}

func handleCalendarError(w http.ResponseWriter, err error) {
	var se *calendar.ServiceError
	switch {
	case errors.Is(err, calendar.ErrNotConnected):
		writeError(w, http.StatusBadRequest, "calendar_not_connected", "connect a calendar first")
	case errors.Is(err, calendar.ErrCredentialExpired):
		writeError(w, http.StatusUnauthorized, "calendar_credential_expired", "calendar access was revoked or expired, reconnect")
	case errors.Is(err, reconcile.ErrSyncInProgress):
		writeError(w, http.StatusConflict, "sync_in_progress", "a sync for this calendar is already running")
	case errors.Is(err, appointment.ErrOwnerNotFound):
		writeError(w, http.StatusNotFound, "owner_not_found", "owner does not exist")
	case errors.As(err, &se):
		writeError(w, http.StatusBadGateway, "calendar_unavailable", se.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
