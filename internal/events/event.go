// Package events holds the event model and its read-only stores.
package events

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrEventNotFound is returned when neither the api_id nor the title
	// fallback matches a document.
	ErrEventNotFound = errors.New("event not found")
	// ErrInvalidQuery is returned for out-of-range pagination values.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrUndecodable is returned when a stored document does not fit Event.
	ErrUndecodable = errors.New("error processing event data")
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// Coordinates is a geographic point.
type Coordinates struct {
	Latitude  *float64 `json:"latitude" bson:"latitude,omitempty"`
	Longitude *float64 `json:"longitude" bson:"longitude,omitempty"`
}

// Event is a crawled event. Every field is optional; missing values are
// rendered as null.
type Event struct {
	Title       *string `json:"title" bson:"title,omitempty"`
	URL         *string `json:"url" bson:"url,omitempty"`
	Description *string `json:"description" bson:"description,omitempty"`

	Date     *string `json:"date" bson:"date,omitempty"`
	EndDate  *string `json:"end_date" bson:"end_date,omitempty"`
	Timezone *string `json:"timezone" bson:"timezone,omitempty"`

	Location    *string      `json:"location" bson:"location,omitempty"`
	FullAddress *string      `json:"full_address" bson:"full_address,omitempty"`
	City        *string      `json:"city" bson:"city,omitempty"`
	Country     *string      `json:"country" bson:"country,omitempty"`
	Coordinates *Coordinates `json:"coordinates" bson:"coordinates,omitempty"`
	PlaceID     *string      `json:"place_id" bson:"place_id,omitempty"`

	EventType  *string `json:"event_type" bson:"event_type,omitempty"`
	Visibility *string `json:"visibility" bson:"visibility,omitempty"`
	APIID      *string `json:"api_id" bson:"api_id,omitempty"`
	CoverURL   *string `json:"cover_url" bson:"cover_url,omitempty"`
	Organizer  *string `json:"organizer" bson:"organizer,omitempty"`
	GuestCount *int    `json:"guest_count" bson:"guest_count,omitempty"`

	HTMLContent      *string `json:"html_content" bson:"html_content,omitempty"`
	RawHTML          *string `json:"raw_html" bson:"raw_html,omitempty"`
	ExtractionMethod *string `json:"extraction_method" bson:"extraction_method,omitempty"`
}

// Query selects a page of events. City, Country and Organizer are
// case-insensitive substring filters; EventType must match exactly.
type Query struct {
	Limit     int
	Skip      int
	City      string
	Country   string
	EventType string
	Organizer string
}

// DefaultQuery is the first page with no filters.
func DefaultQuery() Query { return Query{Limit: DefaultLimit} }

func (q Query) Validate() error {
	if q.Limit < 1 || q.Limit > MaxLimit {
		return fmt.Errorf("%w: limit must be between 1 and %d, got %d", ErrInvalidQuery, MaxLimit, q.Limit)
	}
	if q.Skip < 0 {
		return fmt.Errorf("%w: skip must be >= 0, got %d", ErrInvalidQuery, q.Skip)
	}
	return nil
}

// Page is one page of results plus the total matching count.
type Page struct {
	Events []Event
	Total  int64
	Limit  int
	Skip   int
}

// HasMore reports whether documents remain past this page.
func (p Page) HasMore() bool { return p.Total > int64(p.Skip+p.Limit) }

// substringPattern is the regex used for case-insensitive substring filters.
func substringPattern(s string) string { return regexp.QuoteMeta(s) }

// TitlePattern turns a slug-like id into a title regex: every '-' matches
// a run of whitespace.
func TitlePattern(apiID string) string {
	parts := strings.Split(apiID, "-")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return strings.Join(parts, `\s+`)
}
