package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rezendedigital02/dash/internal/appointment"
	"github.com/rezendedigital02/dash/internal/calendar"
	"github.com/rezendedigital02/dash/internal/metrics"
	"github.com/rezendedigital02/dash/internal/reconcile"
)

// CalendarSync is the part of the reconciliation engine the API drives.
type CalendarSync interface {
	Sync(ctx context.Context, ownerID uuid.UUID) (reconcile.SyncResult, error)
	Export(ctx context.Context, ownerID uuid.UUID) (reconcile.ExportResult, error)
	Import(ctx context.Context, ownerID uuid.UUID, from, to time.Time) (reconcile.ImportResult, error)
	ImportWindow() (time.Time, time.Time)
}

// OwnerStore reads and updates the owner's calendar credential.
type OwnerStore interface {
	GetOwnerByID(ctx context.Context, id uuid.UUID) (*appointment.Owner, error)
	UpdateOwnerCalendar(ctx context.Context, id uuid.UUID, refreshToken, calendarID *string) (*appointment.Owner, error)
}

type RouterConfig struct {
	Service *appointment.Service
	Owners  OwnerStore
	// Calendar and Connector are nil when no OAuth client is configured.
	Calendar      CalendarSync
	Connector     calendar.Connector
	Tokens        *TokenValidator
	WebhookSecret string
	Postgres      Pinger
	Redis         Pinger
	Logger        *zap.Logger
	Env           string
	Version       string
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log))

	// Health endpoints
	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", metrics.Handler())

	// The consent redirect carries its own signed state
	if cfg.Connector != nil && cfg.Calendar != nil {
		r.Get("/calendar/callback", callbackHandler(cfg.Connector, cfg.Calendar, cfg.Owners, cfg.Tokens, log))
	} else {
		r.Get("/calendar/callback", calendarNotConfigured)
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Tokens))

		// Appointment endpoints
		r.Post("/appointments", createAppointmentHandler(cfg.Service))
		r.Get("/appointments", listAppointmentsHandler(cfg.Service))
		r.Get("/appointments/{id}", getAppointmentHandler(cfg.Service))
		r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Service))

		// Block endpoints
		r.Post("/blocks", createBlockHandler(cfg.Service))
		r.Get("/blocks", listBlocksHandler(cfg.Service))
		r.Delete("/blocks/{id}", removeBlockHandler(cfg.Service))

		r.Get("/slots", slotsHandler(cfg.Service))

		// Calendar endpoints
		r.Get("/calendar/status", calendarStatusHandler(cfg.Owners))
		r.Delete("/calendar/status", disconnectHandler(cfg.Owners))
		if cfg.Calendar != nil && cfg.Connector != nil {
			r.Get("/calendar/auth-url", authURLHandler(cfg.Connector, cfg.Tokens))
			r.Post("/calendar/sync", syncHandler(cfg.Calendar))
			r.Post("/calendar/import", importHandler(cfg.Calendar))
			r.Post("/calendar/export", exportHandler(cfg.Calendar))
		} else {
			r.Get("/calendar/auth-url", calendarNotConfigured)
			r.Post("/calendar/sync", calendarNotConfigured)
			r.Post("/calendar/import", calendarNotConfigured)
			r.Post("/calendar/export", calendarNotConfigured)
		}
	})

	// Automation endpoints
	r.Group(func(r chi.Router) {
		r.Use(WebhookSecretMiddleware(cfg.WebhookSecret))

		r.Post("/webhooks/appointments", automationAppointmentHandler(cfg.Service))
		r.Post("/webhooks/blocks", automationBlockHandler(cfg.Service))
		r.Delete("/webhooks/blocks", automationUnblockHandler(cfg.Service))
	})

	return r
}
