package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"invalid grant", &oauth2.RetrieveError{ErrorCode: "invalid_grant"}, KindCredentialExpired},
		{"wrapped invalid grant", fmt.Errorf("post: %w", &oauth2.RetrieveError{ErrorCode: "invalid_grant"}), KindCredentialExpired},
		{"untyped invalid grant", errors.New(`oauth2: "invalid_grant" "Token has been expired or revoked."`), KindCredentialExpired},
		{"api 401", &googleapi.Error{Code: 401}, KindCredentialExpired},
		{"api 429", &googleapi.Error{Code: 429}, KindTransient},
		{"api 503", &googleapi.Error{Code: 503}, KindTransient},
		{"api 403 rate limit", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}}, KindTransient},
		{"api 403 forbidden", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "forbidden"}}}, KindUnknown},
		{"api 400", &googleapi.Error{Code: 400}, KindUnknown},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTransient},
		{"other", errors.New("boom"), KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestClassifyMatchesCredentialExpired(t *testing.T) {
	err := Classify("list events", &googleapi.Error{Code: 401})
	assert.ErrorIs(t, err, ErrCredentialExpired)

	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "list events", se.Op)

	// classification is stable when wrapped again
	again := Classify("sync", fmt.Errorf("outer: %w", err))
	assert.Equal(t, KindCredentialExpired, KindOf(again))

	assert.NotErrorIs(t, Classify("x", &googleapi.Error{Code: 500}), ErrCredentialExpired)
	assert.NoError(t, Classify("x", nil))
}

// fakeGoogle serves the token endpoint and the subset of the Calendar API
// the adapter uses.
type fakeGoogle struct {
	mu           sync.Mutex
	revoked      bool
	created      []map[string]any
	deleted      []string
	listQuery    url.Values
	listResponse string
}

func (f *fakeGoogle) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/token" {
		w.Header().Set("Content-Type", "application/json")
		if f.revoked {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer","expires_in":3600}`))
		return
	}

	if r.Header.Get("Authorization") != "Bearer at-1" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/calendars/cal-1/events"):
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.created = append(f.created, body)
		_, _ = w.Write([]byte(`{"id":"evt-created"}`))
	case r.Method == http.MethodDelete && strings.Contains(r.URL.Path, "/calendars/cal-1/events/"):
		id := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		if id == "gone" {
			w.WriteHeader(http.StatusGone)
			_, _ = w.Write([]byte(`{"error":{"code":410,"message":"Resource has been deleted"}}`))
			return
		}
		f.deleted = append(f.deleted, id)
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/calendars/cal-1/events"):
		f.listQuery = r.URL.Query()
		_, _ = w.Write([]byte(f.listResponse))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"not found"}}`))
	}
}

func newFakeProvider(t *testing.T) (*GoogleProvider, *fakeGoogle) {
	t.Helper()
	fake := &fakeGoogle{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	p := NewGoogleProvider(GoogleConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost/calendar/callback",
		BaseURL:      srv.URL + "/",
		TokenURL:     srv.URL + "/token",
	})
	return p, fake
}

func TestOpenRequiresCredentials(t *testing.T) {
	p, _ := newFakeProvider(t)
	_, err := p.Open(context.Background(), Credentials{RefreshToken: "rt"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestGoogleCreateEvent(t *testing.T) {
	p, fake := newFakeProvider(t)
	ctx := context.Background()

	cal, err := p.Open(ctx, Credentials{RefreshToken: "rt", CalendarID: "cal-1"})
	require.NoError(t, err)

	start := time.Date(2024, 3, 4, 10, 0, 0, 0, time.FixedZone("BRT", -3*3600))
	id, err := cal.CreateEvent(ctx, NewEvent{
		Summary:     "Consulta - Maria",
		Description: "Paciente: Maria",
		Start:       start,
		End:         start.Add(30 * time.Minute),
		Attendees:   []string{"maria@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, "evt-created", id)

	require.Len(t, fake.created, 1)
	body := fake.created[0]
	assert.Equal(t, "Consulta - Maria", body["summary"])
	assert.Equal(t, "2024-03-04T10:00:00-03:00", body["start"].(map[string]any)["dateTime"])
	assert.Equal(t, EventTimeZone, body["start"].(map[string]any)["timeZone"])
	assert.Equal(t, "2024-03-04T10:30:00-03:00", body["end"].(map[string]any)["dateTime"])
	attendees := body["attendees"].([]any)
	require.Len(t, attendees, 1)
	assert.Equal(t, "maria@example.com", attendees[0].(map[string]any)["email"])
}

func TestGoogleDeleteEvent(t *testing.T) {
	p, fake := newFakeProvider(t)
	ctx := context.Background()

	cal, err := p.Open(ctx, Credentials{RefreshToken: "rt", CalendarID: "cal-1"})
	require.NoError(t, err)

	require.NoError(t, cal.DeleteEvent(ctx, "evt-1"))
	assert.Equal(t, []string{"evt-1"}, fake.deleted)

	assert.NoError(t, cal.DeleteEvent(ctx, "gone"))
}

func TestGoogleListEvents(t *testing.T) {
	p, fake := newFakeProvider(t)
	fake.listResponse = `{"items":[
		{"id":"e1","summary":"Retorno - João","description":"obs","start":{"dateTime":"2024-03-04T09:00:00-03:00"},"attendees":[{"email":"joao@example.com"}]},
		{"id":"e2","summary":"Feriado","start":{"date":"2024-03-05"}},
		{"id":"e3","summary":"Sem início"}
	]}`
	ctx := context.Background()

	cal, err := p.Open(ctx, Credentials{RefreshToken: "rt", CalendarID: "cal-1"})
	require.NoError(t, err)

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	events, err := cal.ListEvents(ctx, from, from.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, "true", fake.listQuery.Get("singleEvents"))
	assert.Equal(t, "2024-03-01T00:00:00Z", fake.listQuery.Get("timeMin"))

	require.NotNil(t, events[0].Start)
	assert.True(t, events[0].Start.Equal(time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, []string{"joao@example.com"}, events[0].AttendeeEmails)
	assert.Equal(t, "obs", events[0].Description)

	assert.True(t, events[1].AllDay)
	assert.Equal(t, "2024-03-05", events[1].StartDate)
	assert.Nil(t, events[1].Start)

	assert.Nil(t, events[2].Start)
	assert.False(t, events[2].AllDay)
}

func TestGoogleRevokedTokenIsCredentialExpired(t *testing.T) {
	p, fake := newFakeProvider(t)
	fake.revoked = true
	ctx := context.Background()

	cal, err := p.Open(ctx, Credentials{RefreshToken: "rt", CalendarID: "cal-1"})
	require.NoError(t, err)

	_, err = cal.ListEvents(ctx, time.Now(), time.Now().Add(time.Hour))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCredentialExpired)
}

func TestAuthCodeURLRequestsOfflineConsent(t *testing.T) {
	p, _ := newFakeProvider(t)
	u, err := url.Parse(p.AuthCodeURL("owner-state"))
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Equal(t, "owner-state", q.Get("state"))
	assert.Equal(t, "client", q.Get("client_id"))
}
