package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/StevenMolina22/events-api/internal/crawler"
)

// maxCrawlBody bounds the POST /crawl payload.
const maxCrawlBody = 1 << 20

type crawlRequest struct {
	URLs   []string `json:"urls"`
	Spider *string  `json:"spider"`
}

func (h *Handler) startCrawl(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCrawlRequest(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	spider := "luma"
	if req.Spider != nil {
		spider = *req.Spider
	}
	job, err := h.jobs.Start(spider, req.URLs)
	if err != nil {
		if errors.Is(err, crawler.ErrUnknownSpider) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": job.ID, "status": string(job.Status)})
}

// decodeCrawlRequest accepts an empty body as the default request.
func decodeCrawlRequest(r *http.Request) (crawlRequest, error) {
	var req crawlRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCrawlBody))
	if err != nil {
		return req, fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 || string(body) == "null" {
		return req, nil
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, fmt.Errorf("invalid crawl request: %v", err)
	}
	return req, nil
}

func (h *Handler) getCrawl(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("job_id")
	job, err := h.jobs.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Job '%s' not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": job.ID, "status": string(job.Status)})
}

func (h *Handler) listCrawls(w http.ResponseWriter, _ *http.Request) {
	st := h.jobs.Statuses()
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":           st,
		"total_jobs":     len(st),
		"status_summary": crawler.Summary(st),
	})
}

func (h *Handler) deleteCrawl(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("job_id")
	if err := h.jobs.Remove(id); err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Job '%s' not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Job '%s' has been removed", id),
		"job_id":  id,
	})
}
