package common

import "time"

// UpdateKind classifies what a transfer reports.
type UpdateKind int

const (
	UpdateProgress UpdateKind = iota
	UpdateInterrupted
	UpdateCompleted
	UpdateCancelled
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateProgress:
		return "progress"
	case UpdateInterrupted:
		return "interrupted"
	case UpdateCompleted:
		return "completed"
	case UpdateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TransferUpdate is a byte-level report from a host transfer.
type TransferUpdate struct {
	Kind      UpdateKind
	Received  int64
	Total     int64
	Err       error
	Timestamp time.Time
}

// TransferInfo describes a host transfer as it is handed to the coordinator.
// SavePath is empty for a transfer nobody has placed on disk yet.
type TransferInfo struct {
	URLChain      []string
	SuggestedName string
	MimeType      string
	Length        int64
	Offset        int64
	LastModified  string
	ETag          string
	StartTime     time.Time
	SavePath      string
}

// URL returns the final URL of the redirect chain.
func (i TransferInfo) URL() string {
	if len(i.URLChain) == 0 {
		return ""
	}
	return i.URLChain[len(i.URLChain)-1]
}
