package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/rezendedigital02/dash/internal/appointment"
)

// Automation requests name their owner in the body; the shared secret is
// checked by WebhookSecretMiddleware before these run.

func automationAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AutomationAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		ownerID, err := uuid.Parse(req.OwnerID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_owner_id", "ownerId must be a valid UUID")
			return
		}

		admitReq, err := req.CreateAppointmentRequest.toDomain(appointment.OriginAutomation)
		if err != nil {
			handleAdmitError(w, err)
			return
		}
		admitReq.ExternalEventID = req.ExternalEventID

		appt, err := svc.Admit(r.Context(), ownerID, admitReq)
		if err != nil {
			handleAdmitError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func automationBlockHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AutomationBlockRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		ownerID, err := uuid.Parse(req.OwnerID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_owner_id", "ownerId must be a valid UUID")
			return
		}

		blockReq, err := req.CreateBlockRequest.toDomain()
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

func automationUnblockHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AutomationUnblockRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		ownerID, err := uuid.Parse(req.OwnerID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_owner_id", "ownerId must be a valid UUID")
			return
		}
		blockID, err := uuid.Parse(req.BlockID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_block_id", "blockId must be a valid UUID")
			return
		}

		if _, err := svc.RemoveBlock(r.Context(), ownerID, blockID); err != nil {
			handleRecordError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
	}
}
