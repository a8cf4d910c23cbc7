// Package calendar is the boundary to the owner's external calendar.
package calendar

import (
	"context"
	"errors"
	"time"
)

// EventTimeZone is attached to every timed event the service creates.
const EventTimeZone = "America/Sao_Paulo"

var (
	// ErrNotConnected means the owner has not granted calendar access.
	ErrNotConnected = errors.New("calendar not connected")
	// ErrNoRefreshToken means the consent flow finished without offline access.
	ErrNoRefreshToken = errors.New("authorization returned no refresh token")
)

// Credentials scope a Calendar to one owner.
type Credentials struct {
	RefreshToken string
	CalendarID   string
}

// NewEvent is the payload of an event to create. Start and End are instants;
// the service never creates all-day events.
type NewEvent struct {
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	Attendees   []string
}

// Event is an event read back from the calendar. Start is nil when the
// event carries no start; all-day events carry StartDate instead.
type Event struct {
	ID             string
	Title          string
	Description    string
	Start          *time.Time
	StartDate      string
	AllDay         bool
	AttendeeEmails []string
}

type Calendar interface {
	CreateEvent(ctx context.Context, ev NewEvent) (string, error)
	DeleteEvent(ctx context.Context, id string) error
	ListEvents(ctx context.Context, timeMin, timeMax time.Time) ([]Event, error)
}

// Provider opens a Calendar for an owner's stored credentials.
type Provider interface {
	Open(ctx context.Context, cred Credentials) (Calendar, error)
}

// Connector runs the consent flow that produces Credentials.
type Connector interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (Credentials, error)
}
