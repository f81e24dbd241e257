package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/StevenMolina22/events-api/internal/events"
)

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	page, err := h.events.List(r.Context(), q)
	if err != nil {
		if errors.Is(err, events.ErrInvalidQuery) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.log.Error().Err(err).Msg("listing events failed")
		writeError(w, http.StatusInternalServerError, "Error listing events")
		return
	}
	hdr := w.Header()
	hdr.Set("X-Total-Count", strconv.FormatInt(page.Total, 10))
	hdr.Set("X-Limit", strconv.Itoa(q.Limit))
	hdr.Set("X-Skip", strconv.Itoa(q.Skip))
	hdr.Set("X-Has-More", strconv.FormatBool(page.HasMore()))
	writeJSON(w, http.StatusOK, map[string]any{"events": page.Events})
}

func parseQuery(r *http.Request) (events.Query, error) {
	v := r.URL.Query()
	q := events.DefaultQuery()
	var err error
	if s := v.Get("limit"); s != "" {
		if q.Limit, err = strconv.Atoi(s); err != nil {
			return q, fmt.Errorf("%w: limit must be an integer", events.ErrInvalidQuery)
		}
	}
	if s := v.Get("skip"); s != "" {
		if q.Skip, err = strconv.Atoi(s); err != nil {
			return q, fmt.Errorf("%w: skip must be an integer", events.ErrInvalidQuery)
		}
	}
	q.City = v.Get("city")
	q.Country = v.Get("country")
	q.EventType = v.Get("event_type")
	q.Organizer = v.Get("organizer")
	return q, q.Validate()
}

func (h *Handler) getEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("api_id")
	ev, err := h.events.Get(r.Context(), id)
	switch {
	case errors.Is(err, events.ErrEventNotFound):
		writeError(w, http.StatusNotFound, "Event not found")
	case errors.Is(err, events.ErrUndecodable):
		writeError(w, http.StatusInternalServerError, err.Error())
	case err != nil:
		h.log.Error().Err(err).Str("api_id", id).Msg("event lookup failed")
		writeError(w, http.StatusInternalServerError, "Error processing event data")
	default:
		writeJSON(w, http.StatusOK, ev)
	}
}
