package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rezendedigital02/dash/internal/calendar"
)

// fakeCalendar keeps events in memory. failOn makes CreateEvent fail for
// summaries it matches.
type fakeCalendar struct {
	mu      sync.Mutex
	seq     int
	events  map[string]calendar.Event
	created []calendar.NewEvent
	deleted []string
	failOn  func(ev calendar.NewEvent) error
	listErr error
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{events: make(map[string]calendar.Event)}
}

func (c *fakeCalendar) CreateEvent(_ context.Context, ev calendar.NewEvent) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOn != nil {
		if err := c.failOn(ev); err != nil {
			return "", err
		}
	}
	c.seq++
	id := fmt.Sprintf("evt-%d", c.seq)
	start := ev.Start
	c.events[id] = calendar.Event{
		ID:             id,
		Title:          ev.Summary,
		Description:    ev.Description,
		Start:          &start,
		AttendeeEmails: ev.Attendees,
	}
	c.created = append(c.created, ev)
	return id, nil
}

func (c *fakeCalendar) DeleteEvent(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.events, id)
	c.deleted = append(c.deleted, id)
	return nil
}

func (c *fakeCalendar) ListEvents(_ context.Context, timeMin, timeMax time.Time) ([]calendar.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	var out []calendar.Event
	for _, ev := range c.events {
		if ev.Start != nil && (ev.Start.Before(timeMin) || !ev.Start.Before(timeMax)) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// add stores an externally created event.
func (c *fakeCalendar) add(ev calendar.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[ev.ID] = ev
}

func (c *fakeCalendar) createdCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.created)
}

type fakeProvider struct {
	cal     *fakeCalendar
	opened  []calendar.Credentials
	openErr error
}

func (p *fakeProvider) Open(_ context.Context, cred calendar.Credentials) (calendar.Calendar, error) {
	if p.openErr != nil {
		return nil, p.openErr
	}
	p.opened = append(p.opened, cred)
	return p.cal, nil
}
