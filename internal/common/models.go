package common

import "time"

// Record is the persisted snapshot of a download item, keyed by ID.
type Record struct {
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	Name         string    `json:"name"`
	URLChain     []string  `json:"urlChain"`
	MimeType     string    `json:"mimeType"`
	Length       int64     `json:"length"`
	Offset       int64     `json:"offset"`
	State        State     `json:"state"`
	StartTime    time.Time `json:"startTime"`
	LastModified string    `json:"lastModified,omitempty"`
	ETag         string    `json:"eTag,omitempty"`

	// Display fields of the last snapshot; recomputed on every update.
	Speed    int64   `json:"speed"`
	Percent  float64 `json:"percent"`
	Size     string  `json:"size,omitempty"`
	Received string  `json:"received,omitempty"`
}

// URL returns the last URL of the redirect chain.
func (r *Record) URL() string {
	if len(r.URLChain) == 0 {
		return ""
	}
	return r.URLChain[len(r.URLChain)-1]
}

// EventType tells which payload of an Event is set.
type EventType string

const (
	EventNew    EventType = "new"
	EventUpdate EventType = "update"
)

// Event is a push notification for the UI layer.
type Event struct {
	Type   EventType `json:"type"`
	Item   *NewItem  `json:"item,omitempty"`
	Update *Update   `json:"update,omitempty"`
}

// NewItem announces a download the UI has not seen before.
type NewItem struct {
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	Name         string    `json:"name"`
	URLChain     []string  `json:"urlChain"`
	MimeType     string    `json:"mimeType"`
	Offset       int64     `json:"offset"`
	Length       int64     `json:"length"`
	LastModified string    `json:"lastModified,omitempty"`
	ETag         string    `json:"eTag,omitempty"`
	StartTime    time.Time `json:"startTime"`
	State        State     `json:"state"`
}

// Update carries the live fields of an existing download.
type Update struct {
	ID      string  `json:"id"`
	Path    string  `json:"path"`
	Offset  int64   `json:"offset"`
	State   State   `json:"state"`
	Speed   int64   `json:"speed"`
	Percent float64 `json:"percent"`
}
