package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const listPageSize = 250

type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// BaseURL overrides the Calendar API endpoint; empty uses Google's.
	BaseURL string
	// TokenURL overrides the OAuth token endpoint; empty uses Google's.
	TokenURL string
	// RatePerSec caps calls across all owners; zero means unlimited.
	RatePerSec float64
}

// GoogleProvider opens Google calendars from stored refresh tokens and runs
// the consent flow.
type GoogleProvider struct {
	oauth   *oauth2.Config
	baseURL string
	limiter *rate.Limiter
}

var (
	_ Provider  = (*GoogleProvider)(nil)
	_ Connector = (*GoogleProvider)(nil)
)

func NewGoogleProvider(cfg GoogleConfig) *GoogleProvider {
	endpoint := google.Endpoint
	if cfg.TokenURL != "" {
		endpoint = oauth2.Endpoint{
			AuthURL:   google.Endpoint.AuthURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		}
	}

	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}

	return &GoogleProvider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{gcal.CalendarScope},
		},
		baseURL: cfg.BaseURL,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// AuthCodeURL asks for offline access and forces the consent screen so a
// refresh token is issued on every connect.
func (p *GoogleProvider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
}

// Exchange trades an authorization code for a refresh token and resolves
// the owner's primary calendar id.
func (p *GoogleProvider) Exchange(ctx context.Context, code string) (Credentials, error) {
	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return Credentials{}, Classify("exchange code", err)
	}
	if tok.RefreshToken == "" {
		return Credentials{}, ErrNoRefreshToken
	}

	svc, err := p.service(ctx, p.oauth.TokenSource(ctx, tok))
	if err != nil {
		return Credentials{}, err
	}

	if err := p.wait(ctx, "get primary calendar"); err != nil {
		return Credentials{}, err
	}
	primary, err := svc.CalendarList.Get("primary").Context(ctx).Do()
	if err != nil {
		return Credentials{}, Classify("get primary calendar", err)
	}

	return Credentials{RefreshToken: tok.RefreshToken, CalendarID: primary.Id}, nil
}

func (p *GoogleProvider) Open(ctx context.Context, cred Credentials) (Calendar, error) {
	if cred.RefreshToken == "" || cred.CalendarID == "" {
		return nil, ErrNotConnected
	}

	ts := p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	svc, err := p.service(ctx, ts)
	if err != nil {
		return nil, err
	}

	return &googleCalendar{
		svc:        svc,
		calendarID: cred.CalendarID,
		wait:       p.wait,
	}, nil
}

func (p *GoogleProvider) service(ctx context.Context, ts oauth2.TokenSource) (*gcal.Service, error) {
	opts := []option.ClientOption{option.WithTokenSource(ts)}
	if p.baseURL != "" {
		opts = append(opts, option.WithEndpoint(p.baseURL))
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar client: %w", err)
	}
	return svc, nil
}

func (p *GoogleProvider) wait(ctx context.Context, op string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return &ServiceError{Kind: KindTransient, Op: op, Err: err}
	}
	return nil
}

type googleCalendar struct {
	svc        *gcal.Service
	calendarID string
	wait       func(ctx context.Context, op string) error
}

func (c *googleCalendar) CreateEvent(ctx context.Context, ev NewEvent) (string, error) {
	const op = "create event"
	if err := c.wait(ctx, op); err != nil {
		return "", err
	}

	event := &gcal.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start: &gcal.EventDateTime{
			DateTime: ev.Start.Format(time.RFC3339),
			TimeZone: EventTimeZone,
		},
		End: &gcal.EventDateTime{
			DateTime: ev.End.Format(time.RFC3339),
			TimeZone: EventTimeZone,
		},
	}
	for _, email := range ev.Attendees {
		event.Attendees = append(event.Attendees, &gcal.EventAttendee{Email: email})
	}

	created, err := c.svc.Events.Insert(c.calendarID, event).Context(ctx).Do()
	if err != nil {
		return "", Classify(op, err)
	}
	return created.Id, nil
}

// DeleteEvent treats an event that is already gone as deleted.
func (c *googleCalendar) DeleteEvent(ctx context.Context, id string) error {
	const op = "delete event"
	if err := c.wait(ctx, op); err != nil {
		return err
	}

	err := c.svc.Events.Delete(c.calendarID, id).Context(ctx).Do()
	if err != nil {
		var ge *googleapi.Error
		if errors.As(err, &ge) && (ge.Code == http.StatusNotFound || ge.Code == http.StatusGone) {
			return nil
		}
		return Classify(op, err)
	}
	return nil
}

// ListEvents returns single (expanded) events starting in [timeMin, timeMax).
func (c *googleCalendar) ListEvents(ctx context.Context, timeMin, timeMax time.Time) ([]Event, error) {
	const op = "list events"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}

	var events []Event
	call := c.svc.Events.List(c.calendarID).
		TimeMin(timeMin.Format(time.RFC3339)).
		TimeMax(timeMax.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(listPageSize)

	err := call.Pages(ctx, func(page *gcal.Events) error {
		for _, item := range page.Items {
			events = append(events, toEvent(item))
		}
		return nil
	})
	if err != nil {
		return nil, Classify(op, err)
	}
	return events, nil
}

func toEvent(item *gcal.Event) Event {
	ev := Event{
		ID:          item.Id,
		Title:       item.Summary,
		Description: item.Description,
	}
	if item.Start != nil {
		switch {
		case item.Start.DateTime != "":
			if t, err := time.Parse(time.RFC3339, item.Start.DateTime); err == nil {
				ev.Start = &t
			}
		case item.Start.Date != "":
			ev.AllDay = true
			ev.StartDate = item.Start.Date
		}
	}
	for _, a := range item.Attendees {
		if a != nil && a.Email != "" {
			ev.AttendeeEmails = append(ev.AttendeeEmails, a.Email)
		}
	}
	return ev
}
