package docker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

const probeTimeout = time.Second

// probeReady makes one readiness attempt against a published service. With
// a health path any HTTP answer below 500 counts; otherwise a TCP connect
// is enough.
func probeReady(ctx context.Context, svc *Service, healthPath string) error {
	if healthPath == "" {
		return probeTCP(ctx, strings.TrimPrefix(svc.URL, "http://"))
	}
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	return probeHTTP(ctx, svc.URL+healthPath)
}

func probeTCP(ctx context.Context, address string) error {
	d := net.Dialer{Timeout: probeTimeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}

func probeHTTP(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("invalid health url: %w", err)
	}
	client := http.Client{Timeout: probeTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}
