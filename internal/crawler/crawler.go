// Package crawler runs spider jobs in the background and tracks their
// status in memory.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/StevenMolina22/events-api/internal/logging"
	"github.com/StevenMolina22/events-api/internal/metrics"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrUnknownSpider = errors.New("unknown spider")
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Spider is a named crawl source with its default start URLs.
type Spider struct {
	Name      string
	StartURLs []string
}

// DefaultSpiders are the sources the API knows about, in the order they
// are offered to clients.
func DefaultSpiders() []Spider {
	return []Spider{
		{Name: "luma", StartURLs: []string{"https://lu.ma/discover"}},
		{Name: "eventbrite", StartURLs: []string{"https://www.eventbrite.com/d/online/all-events/"}},
	}
}

// Job is a snapshot of one crawl.
type Job struct {
	ID         string     `json:"job_id"`
	Spider     string     `json:"spider"`
	URLs       []string   `json:"urls"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"` // nil until completed or failed
	Error      string     `json:"error,omitempty"`
}

type job struct {
	Job
	cancel context.CancelFunc
}

// Options tunes job execution.
type Options struct {
	StartupDelay time.Duration
	Duration     time.Duration
	FetchTimeout time.Duration
	Client       *http.Client
}

// Manager owns every job. Jobs never outlive Close.
type Manager struct {
	opts    Options
	spiders []Spider
	log     zerolog.Logger
	now     func() time.Time

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	jobs   map[string]*job
	last   map[string]time.Time
	closed bool
}

func NewManager(opts Options, spiders ...Spider) *Manager {
	if len(spiders) == 0 {
		spiders = DefaultSpiders()
	}
	if opts.Client == nil {
		timeout := opts.FetchTimeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		opts.Client = &http.Client{Timeout: timeout}
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		spiders: spiders,
		log:     logging.Component("crawler"),
		now:     time.Now,
		ctx:     ctx,
		stop:    stop,
		jobs:    map[string]*job{},
		last:    map[string]time.Time{},
	}
}

// SpiderNames lists the available spiders.
func (m *Manager) SpiderNames() []string {
	names := make([]string, len(m.spiders))
	for i, s := range m.spiders {
		names[i] = s.Name
	}
	return names
}

func (m *Manager) spider(name string) (Spider, bool) {
	for _, s := range m.spiders {
		if s.Name == name {
			return s, true
		}
	}
	return Spider{}, false
}

// SpiderError is returned by Start for a spider the manager does not know.
// Its message is the one clients see.
type SpiderError struct {
	Name      string
	Available []string
}

func (e *SpiderError) Error() string {
	quoted := make([]string, len(e.Available))
	for i, n := range e.Available {
		quoted[i] = "'" + n + "'"
	}
	return fmt.Sprintf("Spider '%s' not found. Available: [%s]", e.Name, strings.Join(quoted, ", "))
}

func (e *SpiderError) Is(target error) bool { return target == ErrUnknownSpider }

// Start registers a pending job and runs it in the background. Empty urls
// mean the spider's defaults.
func (m *Manager) Start(spiderName string, urls []string) (Job, error) {
	sp, ok := m.spider(spiderName)
	if !ok {
		return Job{}, &SpiderError{Name: spiderName, Available: m.SpiderNames()}
	}
	if len(urls) == 0 {
		urls = sp.StartURLs
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Job{}, errors.New("crawler is shutting down")
	}
	now := m.now()
	ctx, cancel := context.WithCancel(m.ctx)
	j := &job{
		Job: Job{
			ID:        newJobID(sp.Name, now),
			Spider:    sp.Name,
			URLs:      append([]string(nil), urls...),
			Status:    StatusPending,
			CreatedAt: now.UTC(),
		},
		cancel: cancel,
	}
	m.jobs[j.ID] = j
	m.wg.Add(1)
	go m.run(ctx, j.Job)
	m.log.Info().Str("job_id", j.ID).Str("spider", sp.Name).Int("urls", len(urls)).Msg("crawl job queued")
	return j.Job, nil
}

func newJobID(spider string, now time.Time) string {
	return fmt.Sprintf("crawl_%s_%s_%s", now.Format("20060102_150405"), spider, uuid.NewString()[:8])
}

func (m *Manager) run(ctx context.Context, j Job) {
	defer m.wg.Done()
	log := m.log.With().Str("job_id", j.ID).Str("spider", j.Spider).Logger()

	m.setStatus(j.ID, StatusRunning, nil)
	err := m.crawl(ctx, j)
	if err != nil {
		log.Warn().Err(err).Msg("crawl job failed")
		m.setStatus(j.ID, StatusFailed, err)
		metrics.IncCrawlJob(j.Spider, string(StatusFailed))
		return
	}
	log.Info().Msg("crawl job completed")
	m.setStatus(j.ID, StatusCompleted, nil)
	metrics.IncCrawlJob(j.Spider, string(StatusCompleted))
}

func (m *Manager) crawl(ctx context.Context, j Job) error {
	if err := sleep(ctx, m.opts.StartupDelay); err != nil {
		return err
	}
	for _, u := range j.URLs {
		if err := m.fetch(ctx, u); err != nil {
			return err
		}
	}
	return sleep(ctx, m.opts.Duration)
}

func (m *Manager) fetch(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", "show-up-api crawler/0.1")
	resp, err := m.opts.Client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// setStatus is a no-op for jobs removed while running.
func (m *Manager) setStatus(id string, s Status, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return
	}
	j.Status = s
	if err != nil {
		j.Error = err.Error()
	}
	if s == StatusCompleted || s == StatusFailed {
		at := m.now().UTC()
		j.FinishedAt = &at
		if s == StatusCompleted {
			m.last[j.Spider] = at
		}
	}
}

// Get returns a snapshot of the job.
func (m *Manager) Get(id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: Job '%s' not found", ErrJobNotFound, id)
	}
	return j.Job, nil
}

// Statuses maps every job id to its status.
func (m *Manager) Statuses() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.jobs))
	for id, j := range m.jobs {
		out[id] = j.Status
	}
	return out
}

// Summary counts jobs per status.
func Summary(statuses map[string]Status) map[Status]int {
	out := map[Status]int{}
	for _, s := range statuses {
		out[s]++
	}
	return out
}

// Remove forgets a job, cancelling it if it is still in flight.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if ok {
		delete(m.jobs, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: Job '%s' not found", ErrJobNotFound, id)
	}
	j.cancel()
	m.log.Info().Str("job_id", id).Msg("crawl job removed")
	return nil
}

// SourceStatus describes a spider for clients.
type SourceStatus struct {
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	LastCrawled *time.Time `json:"last_crawled"`
}

// Sources lists spiders alphabetically with the completion time of their
// latest successful job.
func (m *Manager) Sources() []SourceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SourceStatus, 0, len(m.spiders))
	for _, s := range m.spiders {
		st := SourceStatus{Name: s.Name, Status: "active"}
		if t, ok := m.last[s.Name]; ok {
			st.LastCrawled = &t
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Close cancels every running job and waits for them to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop()
	m.wg.Wait()
}
