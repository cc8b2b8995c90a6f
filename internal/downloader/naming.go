package downloader

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const defaultExtension = "bin"

// SplitName returns the name without its extension and the extension without the dot.
// A name with no dot-segment gets the default "bin" extension.
func SplitName(name string) (string, string) {
	idx := strings.LastIndexByte(name, '.')
	if idx <= 0 || idx == len(name)-1 {
		return strings.TrimSuffix(name, "."), defaultExtension
	}
	return name[:idx], name[idx+1:]
}

// ResolvePath picks a free destination for a new download inside dir.
// The name defaults to the unix-millis timestamp of now when suggested is empty.
// Collisions with taken paths or existing files are resolved with a "(n)" suffix.
func ResolvePath(dir, suggested string, taken func(path string) bool, now time.Time) string {
	name := sanitizeName(suggested)
	if name == "" {
		name = strconv.FormatInt(now.UnixMilli(), 10)
	}
	base, ext := SplitName(name)

	candidate := filepath.Join(dir, base+"."+ext)
	for n := 1; inUse(candidate, taken); n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s(%d).%s", base, n, ext))
	}
	return candidate
}

func inUse(path string, taken func(string) bool) bool {
	if taken != nil && taken(path) {
		return true
	}
	_, err := os.Lstat(path)
	return !os.IsNotExist(err)
}

// sanitizeName keeps only the last path element of a server-suggested name.
func sanitizeName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return ""
	}
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." || name == ".." {
		return ""
	}
	return name
}

func baseName(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Base(path)
}
