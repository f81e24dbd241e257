package notify

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/StevenMolina22/events-api/internal/logging"
)

// DefaultCooldown is the minimum gap between two deliveries to one service.
const DefaultCooldown = 100 * time.Millisecond

// Retry controls redelivery of a failed notification. Attempt n waits
// Base*2^(n-1) plus up to Jitter before the next try.
type Retry struct {
	Attempts int
	Base     time.Duration
	Jitter   time.Duration
}

// DefaultRetry is used by NewMultiNotifier.
var DefaultRetry = Retry{Attempts: 3, Base: 100 * time.Millisecond}

// Service is a single delivery target.
type Service interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// MultiNotifier delivers to every service concurrently. Deliveries are
// asynchronous; call Wait before the process exits.
type MultiNotifier struct {
	services []Service
	level    string
	retry    Retry
	// sleep waits d or until ctx is done; replaced in tests
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	cooldown  time.Duration
	cooldowns map[string]time.Duration
	lastSent  map[string]time.Time
	wg        sync.WaitGroup
}

func NewMultiNotifier() *MultiNotifier {
	return &MultiNotifier{
		level:     LevelFailure,
		retry:     DefaultRetry,
		sleep:     sleepCtx,
		cooldown:  DefaultCooldown,
		cooldowns: map[string]time.Duration{},
		lastSent:  map[string]time.Time{},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetLevel sets the outcome filter used by Notify.
func (m *MultiNotifier) SetLevel(level string) {
	if level != "" {
		m.level = level
	}
}

// SetRetry replaces the retry policy. Attempts below one mean one.
func (m *MultiNotifier) SetRetry(r Retry) {
	if r.Attempts < 1 {
		r.Attempts = 1
	}
	m.retry = r
}

// SetCooldown sets the default per-service cooldown.
func (m *MultiNotifier) SetCooldown(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldown = d
}

// SetServiceCooldown overrides the cooldown for one service by name.
func (m *MultiNotifier) SetServiceCooldown(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldowns[name] = d
}

func (m *MultiNotifier) Add(s Service) {
	if s != nil {
		m.services = append(m.services, s)
	}
}

func (m *MultiNotifier) Len() int { return len(m.services) }

// Notify sends an outcome when the configured level allows it. It reports
// whether anything was dispatched.
func (m *MultiNotifier) Notify(ctx context.Context, success bool, title, message string) bool {
	if len(m.services) == 0 || !ShouldNotify(m.level, success) {
		return false
	}
	m.Send(ctx, title, message)
	return true
}

// Send delivers to every service in the background.
func (m *MultiNotifier) Send(ctx context.Context, title, message string) {
	now := time.Now()
	for _, s := range m.services {
		m.wg.Add(1)
		go func(svc Service) {
			defer m.wg.Done()
			name := svc.Name()
			log := logging.Get().With().Str("service", name).Logger()
			if m.coolingDown(name, now) {
				log.Warn().Msg("skipping notification due to cooldown")
				return
			}
			if err := m.deliver(ctx, svc, title, message); err != nil {
				log.Error().Err(err).Msg("notification delivery failed")
			}
		}(s)
	}
}

// Wait blocks until pending deliveries finish or ctx is done.
func (m *MultiNotifier) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MultiNotifier) coolingDown(name string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastSent[name]
	if !ok {
		return false
	}
	cd, ok := m.cooldowns[name]
	if !ok {
		cd = m.cooldown
	}
	return now.Sub(last) < cd
}

func (m *MultiNotifier) deliver(ctx context.Context, svc Service, title, message string) error {
	var err error
	for attempt := 1; attempt <= m.retry.Attempts; attempt++ {
		if err = svc.Send(ctx, title, message); err == nil {
			m.mu.Lock()
			m.lastSent[svc.Name()] = time.Now()
			m.mu.Unlock()
			return nil
		}
		logging.Get().Warn().Err(err).Str("service", svc.Name()).Int("attempt", attempt).Msg("notification attempt failed")
		if attempt == m.retry.Attempts {
			break
		}
		if serr := m.sleep(ctx, m.backoff(attempt)); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("after %d attempts: %w", m.retry.Attempts, err)
}

func (m *MultiNotifier) backoff(attempt int) time.Duration {
	d := m.retry.Base * time.Duration(1<<uint(attempt-1))
	if m.retry.Jitter > 0 {
		if n, err := crand.Int(crand.Reader, big.NewInt(int64(m.retry.Jitter))); err == nil {
			d += time.Duration(n.Int64())
		}
	}
	return d
}

// postJSON is shared by the webhook services.
func postJSON(ctx context.Context, url string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
