package stream

import (
	"fmt"
	"strconv"
	"strings"
)

const rangeUnit = "bytes="

// RangeRequest is an inclusive byte span of a resource of size Total.
type RangeRequest struct {
	Start int64
	End   int64
	Total int64
}

// Length is the number of bytes the range covers.
func (r RangeRequest) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange formats the Content-Range response header value.
func (r RangeRequest) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, r.Total)
}

// ParseRange parses a "bytes=<start>-[<end>]" header against a resource of the
// given size. The second result is false when the header is absent, malformed,
// names more than one range or cannot be satisfied; callers then serve the full
// content. Start and end are clamped into [0, size-1], so an end equal to size
// (or omitted) becomes size-1. The suffix form "bytes=-N" selects the last N bytes.
func ParseRange(header string, size int64) (RangeRequest, bool) {
	header = strings.TrimSpace(header)
	if header == "" || size <= 0 {
		return RangeRequest{}, false
	}
	if !strings.HasPrefix(strings.ToLower(header), rangeUnit) {
		return RangeRequest{}, false
	}

	byteRange := strings.TrimSpace(header[len(rangeUnit):])
	if strings.Contains(byteRange, ",") {
		return RangeRequest{}, false
	}

	startStr, endStr, found := strings.Cut(byteRange, "-")
	if !found {
		return RangeRequest{}, false
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	last := size - 1

	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return RangeRequest{}, false
		}
		return RangeRequest{Start: max(size-n, 0), End: last, Total: size}, true
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return RangeRequest{}, false
	}

	end := last
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < 0 {
			return RangeRequest{}, false
		}
	}

	start = min(start, last)
	end = min(end, last)
	if start > end {
		return RangeRequest{}, false
	}

	return RangeRequest{Start: start, End: end, Total: size}, true
}
