package metrics

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/StevenMolina22/events-api/internal/logging"
)

// StartInfluxPusher starts a background loop to push metrics to InfluxDB.
// It returns when ctx is cancelled.
func StartInfluxPusher(ctx context.Context, baseURL, token, org, bucket string, interval time.Duration) {
	if baseURL == "" || bucket == "" {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	logging.Get().Info().Str("url", baseURL).Dur("interval", interval).Msg("starting influxdb pusher")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	client := &http.Client{Timeout: 5 * time.Second}
	writeURL := influxWriteURL(baseURL, org, bucket)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pushToInflux(ctx, client, writeURL, token, time.Now()); err != nil {
				logging.Get().Warn().Err(err).Msg("influxdb push failed")
			}
		}
	}
}

func influxWriteURL(baseURL, org, bucket string) string {
	q := url.Values{}
	q.Set("org", org)
	q.Set("bucket", bucket)
	q.Set("precision", "s")
	return fmt.Sprintf("%s/api/v2/write?%s", strings.TrimRight(baseURL, "/"), q.Encode())
}

// lineProtocol renders the snapshot as a single InfluxDB line.
func lineProtocol(s StatsSnapshot, now time.Time) string {
	return fmt.Sprintf(
		"showup builds_succeeded=%di,builds_failed=%di,layer_cache_hits=%di,layer_cache_misses=%di,http_requests=%di,http_errors=%di,crawls_completed=%di,crawls_failed=%di,last_build=%di %d",
		s.BuildsSucceeded, s.BuildsFailed, s.LayerCacheHits, s.LayerCacheMiss,
		s.HTTPRequests, s.HTTPErrors, s.CrawlsCompleted, s.CrawlsFailed, s.LastBuild, now.Unix(),
	)
}

func pushToInflux(ctx context.Context, client *http.Client, writeURL, token string, now time.Time) error {
	body := lineProtocol(GetSnapshot(), now)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, writeURL, bytes.NewReader([]byte(body)))
	if err != nil {
		return fmt.Errorf("influxdb request creation failed: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("influxdb rejected metrics: status %d", resp.StatusCode)
	}
	return nil
}
