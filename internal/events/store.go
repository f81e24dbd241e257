package events

import (
	"context"
	"regexp"
	"sync"
)

// Store reads events.
type Store interface {
	List(ctx context.Context, q Query) (Page, error)
	// Get looks an event up by api_id, falling back to a title match.
	Get(ctx context.Context, apiID string) (*Event, error)
}

// MemoryStore is an in-process Store with the same matching rules as the
// MongoDB store.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryStore(evs ...Event) *MemoryStore {
	return &MemoryStore{events: append([]Event(nil), evs...)}
}

// Add appends events in insertion order.
func (s *MemoryStore) Add(evs ...Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evs...)
}

func (s *MemoryStore) List(ctx context.Context, q Query) (Page, error) {
	if err := q.Validate(); err != nil {
		return Page{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	page := Page{Events: []Event{}, Limit: q.Limit, Skip: q.Skip}
	var matched int
	for _, e := range s.events {
		if !q.matches(e) {
			continue
		}
		if matched >= q.Skip && len(page.Events) < q.Limit {
			page.Events = append(page.Events, e)
		}
		matched++
	}
	page.Total = int64(matched)
	return page, nil
}

func (s *MemoryStore) Get(ctx context.Context, apiID string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.events {
		if e.APIID != nil && *e.APIID == apiID {
			ev := e
			return &ev, nil
		}
	}
	re, err := regexp.Compile("(?i)" + TitlePattern(apiID))
	if err != nil {
		return nil, ErrEventNotFound
	}
	for _, e := range s.events {
		if e.Title != nil && re.MatchString(*e.Title) {
			ev := e
			return &ev, nil
		}
	}
	return nil, ErrEventNotFound
}

func (q Query) matches(e Event) bool {
	return containsFold(e.City, q.City) &&
		containsFold(e.Country, q.Country) &&
		containsFold(e.Organizer, q.Organizer) &&
		(q.EventType == "" || (e.EventType != nil && *e.EventType == q.EventType))
}

func containsFold(field *string, sub string) bool {
	if sub == "" {
		return true
	}
	if field == nil {
		return false
	}
	return regexp.MustCompile("(?i)" + substringPattern(sub)).MatchString(*field)
}
