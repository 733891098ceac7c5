package index

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/renameio"
)

// Version identifies the current set of index artifacts. It is embedded in
// the cache namespace so any index or configuration change invalidates
// cached answers without an explicit flush.
type Version string

// NewVersion stamps a version from the build time and the config hash.
// Nanosecond resolution keeps back-to-back rebuilds distinguishable.
func NewVersion(now time.Time, configHash string) Version {
	return Version(fmt.Sprintf("v%s_%s", now.UTC().Format("20060102T150405.000000000Z"), configHash))
}

// Namespace returns the cache namespace prefix for this version.
func (v Version) Namespace(configHash string) string {
	return string(v) + "|" + configHash
}

// ReadVersion reads the one-line version file. Missing file returns the
// empty version (fresh deployment, nothing indexed yet).
func ReadVersion(path string) (Version, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return Version(strings.TrimSpace(string(data))), nil
}

// WriteVersion atomically replaces the version file.
func WriteVersion(path string, v Version) error {
	return renameio.WriteFile(path, []byte(string(v)+"\n"), 0o644)
}

// WriteTimestamp atomically writes an ISO-8601 timestamp file, used for
// last_full_reindex.txt.
func WriteTimestamp(path string, t time.Time) error {
	return renameio.WriteFile(path, []byte(t.UTC().Format(time.RFC3339)+"\n"), 0o644)
}

// ReadTimestamp reads a timestamp file written by WriteTimestamp.
// Missing file returns the zero time.
func ReadTimestamp(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
}
