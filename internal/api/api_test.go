package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/StevenMolina22/events-api/internal/crawler"
	"github.com/StevenMolina22/events-api/internal/events"
	"github.com/StevenMolina22/events-api/internal/ratelimiter"
)

func str(s string) *string { return &s }

func testEvents() []events.Event {
	return []events.Event{
		{Title: str("Go Meetup"), APIID: str("evt-1"), City: str("Buenos Aires"), EventType: str("independent")},
		{Title: str("Python Night"), APIID: str("evt-2"), City: str("Córdoba"), EventType: str("series")},
		{Title: str("Rust Workshop"), City: str("Madrid"), EventType: str("independent")},
	}
}

func newTestHandler(t *testing.T, store events.Store, limiter *ratelimiter.Limiter) (*Handler, *crawler.Manager) {
	t.Helper()
	jobs := crawler.NewManager(crawler.Options{StartupDelay: time.Hour},
		crawler.Spider{Name: "luma"}, crawler.Spider{Name: "eventbrite"})
	t.Cleanup(jobs.Close)
	return New(store, jobs, limiter), jobs
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid json %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestRootAndHealth(t *testing.T) {
	h, _ := newTestHandler(t, events.NewMemoryStore(), nil)

	rec := do(t, h, http.MethodGet, "/", "")
	body := decode(t, rec)
	if rec.Code != http.StatusOK || body["name"] != "Show Up API" || body["version"] != "0.1.0" || body["description"] != "Event crawler and data API" {
		t.Fatalf("unexpected root response %d %v", rec.Code, body)
	}

	rec = do(t, h, http.MethodGet, "/health", "")
	body = decode(t, rec)
	if body["status"] != "healthy" || body["service"] != "show-up-api" {
		t.Fatalf("unexpected health response %v", body)
	}

	rec = do(t, h, http.MethodGet, "/nope", "")
	if rec.Code != http.StatusNotFound || decode(t, rec)["detail"] != "Not Found" {
		t.Fatalf("expected JSON 404 for unknown path, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestWrongMethodIsJSON405(t *testing.T) {
	h, _ := newTestHandler(t, events.NewMemoryStore(), nil)

	rec := do(t, h, http.MethodPut, "/health", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected JSON body, got %q", ct)
	}
	if body := decode(t, rec); body["detail"] != "Method Not Allowed" {
		t.Fatalf("unexpected detail %v", body)
	}
	if allow := rec.Header().Get("Allow"); allow != "GET" {
		t.Fatalf("unexpected Allow header %q", allow)
	}

	rec = do(t, h, http.MethodPatch, "/crawl/abc", "")
	if rec.Code != http.StatusMethodNotAllowed || rec.Header().Get("Allow") != "GET, DELETE" {
		t.Fatalf("expected 405 allowing GET, DELETE; got %d %q", rec.Code, rec.Header().Get("Allow"))
	}

	rec = do(t, h, http.MethodDelete, "/events/x/extra", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown nested path, got %d", rec.Code)
	}
}

func TestSources(t *testing.T) {
	h, _ := newTestHandler(t, events.NewMemoryStore(), nil)
	body := decode(t, do(t, h, http.MethodGet, "/sources", ""))
	src := body["sources"].([]any)
	if body["total"].(float64) != 2 || len(src) != 2 {
		t.Fatalf("unexpected sources %v", body)
	}
	first := src[0].(map[string]any)
	if first["name"] != "eventbrite" || first["status"] != "active" || first["last_crawled"] != nil {
		t.Fatalf("unexpected first source %v", first)
	}
}

func TestListEventsPaginationHeaders(t *testing.T) {
	h, _ := newTestHandler(t, events.NewMemoryStore(testEvents()...), nil)

	rec := do(t, h, http.MethodGet, "/events?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if rec.Header().Get("X-Total-Count") != "3" || rec.Header().Get("X-Limit") != "2" ||
		rec.Header().Get("X-Skip") != "0" || rec.Header().Get("X-Has-More") != "true" {
		t.Fatalf("unexpected headers %v", rec.Header())
	}
	if evs := decode(t, rec)["events"].([]any); len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}

	rec = do(t, h, http.MethodGet, "/events?limit=2&skip=2", "")
	if rec.Header().Get("X-Has-More") != "false" {
		t.Fatalf("expected no more results, got %v", rec.Header())
	}
}

func TestListEventsFilters(t *testing.T) {
	h, _ := newTestHandler(t, events.NewMemoryStore(testEvents()...), nil)

	rec := do(t, h, http.MethodGet, "/events?event_type=independent&city=MAD", "")
	evs := decode(t, rec)["events"].([]any)
	if len(evs) != 1 || evs[0].(map[string]any)["title"] != "Rust Workshop" {
		t.Fatalf("unexpected filtered events %v", evs)
	}

	rec = do(t, h, http.MethodGet, "/events?city=Tokyo", "")
	if evs := decode(t, rec)["events"].([]any); len(evs) != 0 || rec.Header().Get("X-Total-Count") != "0" {
		t.Fatalf("expected empty list, got %v", evs)
	}
}

func TestListEventsRejectsBadPagination(t *testing.T) {
	h, _ := newTestHandler(t, events.NewMemoryStore(testEvents()...), nil)
	for _, q := range []string{"limit=0", "limit=101", "skip=-1", "limit=ten"} {
		rec := do(t, h, http.MethodGet, "/events?"+q, "")
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("%s: expected 422, got %d", q, rec.Code)
		}
		if _, ok := decode(t, rec)["detail"]; !ok {
			t.Fatalf("%s: expected detail", q)
		}
	}
}

type brokenStore struct{ err error }

func (b brokenStore) List(context.Context, events.Query) (events.Page, error) {
	return events.Page{}, b.err
}

func (b brokenStore) Get(context.Context, string) (*events.Event, error) { return nil, b.err }

func TestStoreFailures(t *testing.T) {
	h, _ := newTestHandler(t, brokenStore{err: errors.New("connection reset")}, nil)
	if rec := do(t, h, http.MethodGet, "/events", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	h, _ = newTestHandler(t, brokenStore{err: events.ErrUndecodable}, nil)
	rec := do(t, h, http.MethodGet, "/events/evt-1", "")
	if rec.Code != http.StatusInternalServerError || !strings.HasPrefix(decode(t, rec)["detail"].(string), "error processing event data") {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

func TestGetEvent(t *testing.T) {
	h, _ := newTestHandler(t, events.NewMemoryStore(testEvents()...), nil)

	body := decode(t, do(t, h, http.MethodGet, "/events/evt-2", ""))
	if body["title"] != "Python Night" {
		t.Fatalf("unexpected event %v", body)
	}
	if _, ok := body["guest_count"]; !ok {
		t.Fatal("nullable fields must be present")
	}

	body = decode(t, do(t, h, http.MethodGet, "/events/rust-workshop", ""))
	if body["city"] != "Madrid" {
		t.Fatalf("title fallback failed: %v", body)
	}

	rec := do(t, h, http.MethodGet, "/events/missing", "")
	if rec.Code != http.StatusNotFound || decode(t, rec)["detail"] != "Event not found" {
		t.Fatalf("unexpected not-found response %d %s", rec.Code, rec.Body.String())
	}
}

func TestCrawlLifecycle(t *testing.T) {
	h, _ := newTestHandler(t, events.NewMemoryStore(), nil)

	rec := do(t, h, http.MethodPost, "/crawl", "")
	body := decode(t, rec)
	id, _ := body["job_id"].(string)
	if rec.Code != http.StatusOK || body["status"] != "pending" || !strings.Contains(id, "_luma_") {
		t.Fatalf("unexpected crawl response %d %v", rec.Code, body)
	}

	rec = do(t, h, http.MethodPost, "/crawl", `{"spider":"eventbrite","urls":["https://example.com"]}`)
	other, _ := decode(t, rec)["job_id"].(string)
	if !strings.Contains(other, "_eventbrite_") {
		t.Fatalf("unexpected job id %q", other)
	}

	body = decode(t, do(t, h, http.MethodGet, "/crawl/"+id, ""))
	if body["job_id"] != id {
		t.Fatalf("unexpected job %v", body)
	}

	body = decode(t, do(t, h, http.MethodGet, "/crawl", ""))
	if body["total_jobs"].(float64) != 2 || len(body["jobs"].(map[string]any)) != 2 {
		t.Fatalf("unexpected job list %v", body)
	}
	summary := body["status_summary"].(map[string]any)
	var n float64
	for _, c := range summary {
		n += c.(float64)
	}
	if n != 2 {
		t.Fatalf("summary does not cover every job: %v", summary)
	}

	rec = do(t, h, http.MethodDelete, "/crawl/"+id, "")
	body = decode(t, rec)
	if rec.Code != http.StatusOK || body["message"] != "Job '"+id+"' has been removed" || body["job_id"] != id {
		t.Fatalf("unexpected delete response %d %v", rec.Code, body)
	}
	rec = do(t, h, http.MethodGet, "/crawl/"+id, "")
	if rec.Code != http.StatusNotFound || decode(t, rec)["detail"] != "Job '"+id+"' not found" {
		t.Fatalf("expected removed job to 404, got %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodDelete, "/crawl/"+id, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rec.Code)
	}
}

func TestCrawlRejectsUnknownSpider(t *testing.T) {
	h, _ := newTestHandler(t, events.NewMemoryStore(), nil)
	rec := do(t, h, http.MethodPost, "/crawl", `{"spider":"meetup"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if got := decode(t, rec)["detail"]; got != "Spider 'meetup' not found. Available: ['luma', 'eventbrite']" {
		t.Fatalf("unexpected detail %q", got)
	}
	if rec := do(t, h, http.MethodPost, "/crawl", `{"spider":`); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for malformed body, got %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	h, _ := newTestHandler(t, events.NewMemoryStore(), ratelimiter.New(0.001, 2, time.Minute))
	for i := 0; i < 2; i++ {
		if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d should pass, got %d", i, rec.Code)
		}
	}
	rec := do(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusTooManyRequests || decode(t, rec)["detail"] != "Too many requests" {
		t.Fatalf("expected 429, got %d %s", rec.Code, rec.Body.String())
	}
}
