package transfer

import (
	"mime"
	"net/http"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/NamanBalaji/mediagate/internal/common"
	"github.com/NamanBalaji/mediagate/internal/logger"
)

// remoteInfo builds the transfer description from a probe response.
func remoteInfo(resp *http.Response, length int64) common.TransferInfo {
	info := common.TransferInfo{
		URLChain:      redirectChain(resp),
		SuggestedName: filenameOf(resp),
		MimeType:      resp.Header.Get("Content-Type"),
		Length:        length,
		LastModified:  resp.Header.Get("Last-Modified"),
		ETag:          resp.Header.Get("ETag"),
		StartTime:     time.Now(),
	}

	logger.Debugf("Transfer info: name=%s, size=%d, type=%s, hops=%d",
		info.SuggestedName, info.Length, info.MimeType, len(info.URLChain))
	return info
}

// redirectChain lists every URL the request visited, the final one last.
func redirectChain(resp *http.Response) []string {
	var chain []string
	for req := resp.Request; req != nil; {
		chain = append(chain, req.URL.String())
		if req.Response == nil {
			break
		}
		req = req.Response.Request
	}
	slices.Reverse(chain)
	return chain
}

// filenameOf extracts the file name from Content-Disposition or the final URL.
// An empty result lets the coordinator fall back to a timestamp.
func filenameOf(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return name
			}
		}
	}

	if resp.Request == nil || resp.Request.URL == nil {
		return ""
	}
	u := resp.Request.URL
	if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
		return base
	}
	return u.Query().Get("filename")
}

// totalFromContentRange parses the size from "bytes 0-0/1234"; -1 when unknown.
func totalFromContentRange(header string) int64 {
	_, total, ok := strings.Cut(header, "/")
	if !ok || total == "*" {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(total), 10, 64)
	if err != nil {
		logger.Debugf("Failed to parse size from Content-Range header: %s", header)
		return -1
	}
	return n
}

// startFromContentRange parses the first byte position from "bytes 10-99/100".
func startFromContentRange(header string) (int64, bool) {
	byteRange, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return 0, false
	}
	start, _, ok := strings.Cut(byteRange, "-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(start, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ifRangeValidator prefers a strong ETag and falls back to Last-Modified.
func ifRangeValidator(etag, lastModified string) string {
	if etag != "" && !strings.HasPrefix(etag, "W/") {
		return etag
	}
	return lastModified
}
