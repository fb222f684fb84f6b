// Package cache provides a TTL-based, content-addressed file cache for
// remote API response payloads. Caching is strictly best-effort: read,
// parse and write failures degrade to a miss and are logged, so the
// extraction pipeline never fails because of the cache.
package cache

import (
	"crypto/md5" //nolint:gosec // dedup handle, not a security boundary
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// DefaultTTL is how long a cached response stays valid.
const DefaultTTL = 24 * time.Hour

// StoreConfig holds configuration for the cache store.
type StoreConfig struct {
	// Dir is the directory holding one file per cache entry.
	Dir string

	// TTL is the entry lifetime (default: DefaultTTL).
	TTL time.Duration

	// Enabled toggles the whole subsystem; a disabled store treats
	// every lookup as a miss and every write as a no-op.
	Enabled bool

	// Logger for cache events.
	Logger zerolog.Logger
}

// Store is a file-backed response cache. It is scoped to a single
// process; concurrent processes sharing one directory are not supported.
type Store struct {
	dir     string
	ttl     time.Duration
	enabled bool
	logger  zerolog.Logger
}

// entry is the on-disk record for one cached response.
type entry struct {
	Endpoint  string          `json:"endpoint"`
	Params    json.RawMessage `json:"params"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Stats describes the current state of the cache directory.
type Stats struct {
	Enabled        bool
	Dir            string
	FileCount      int
	TotalSizeBytes int64
	TTL            time.Duration
}

// NewStore creates a cache store, creating the directory when enabled.
func NewStore(cfg StoreConfig) *Store {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}

	s := &Store{
		dir:     cfg.Dir,
		ttl:     ttl,
		enabled: cfg.Enabled,
		logger:  cfg.Logger,
	}

	if s.enabled {
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			s.logger.Warn().Err(err).Str("dir", s.dir).
				Msg("cache directory unavailable, disabling cache")
			s.enabled = false
		}
	}

	return s
}

// Key derives the cache key for an endpoint and its parameters. Params are
// canonicalized to a stable field order before hashing, so the key is
// invariant under parameter reordering and sensitive to any value change.
func Key(endpoint string, params map[string]any) string {
	canonical, err := json.Marshal(params) // map keys marshal in sorted order
	if err != nil {
		canonical = []byte(fmt.Sprintf("%v", params))
	}
	sum := md5.Sum([]byte(endpoint + ":" + string(canonical))) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// Get returns the cached payload for (endpoint, params) when present and
// within its TTL. An expired entry found on read is deleted and treated
// as absent.
func (s *Store) Get(endpoint string, params map[string]any) (json.RawMessage, bool) {
	if !s.enabled {
		return nil, false
	}

	path := s.path(Key(endpoint, params))

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("cache read failed")
		}
		return nil, false
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		s.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("cache entry corrupt")
		return nil, false
	}

	if time.Since(e.Timestamp) > s.ttl {
		s.logger.Debug().Str("endpoint", endpoint).Msg("cache entry expired")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Msg("failed to remove expired cache entry")
		}
		return nil, false
	}

	s.logger.Debug().Str("endpoint", endpoint).Msg("cache hit")
	return e.Data, true
}

// Set stores a payload for (endpoint, params). Write failures are logged
// and swallowed. The entry is written to a temp file and renamed into
// place so a half-written record is never visible.
func (s *Store) Set(endpoint string, params map[string]any, data json.RawMessage) {
	if !s.enabled {
		return
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		s.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("cache params not serializable")
		return
	}

	raw, err := json.Marshal(entry{
		Endpoint:  endpoint,
		Params:    paramsJSON,
		Data:      data,
		Timestamp: time.Now(),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("cache entry not serializable")
		return
	}

	path := s.path(Key(endpoint, params))

	tmp, err := os.CreateTemp(s.dir, "entry-*.tmp")
	if err != nil {
		s.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("cache write failed")
		return
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		s.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("cache write failed")
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		s.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("cache write failed")
		return
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		s.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("cache write failed")
		return
	}

	s.logger.Debug().Str("endpoint", endpoint).Msg("cache entry written")
}

// Clear removes cache files and returns the number removed. With a
// non-nil olderThan, only entries written before now-olderThan are
// removed; otherwise every entry goes.
func (s *Store) Clear(olderThan *time.Duration) int {
	if !s.enabled {
		return 0
	}

	files, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		s.logger.Warn().Err(err).Msg("cache clear failed")
		return 0
	}

	var cutoff time.Time
	if olderThan != nil {
		cutoff = time.Now().Add(-*olderThan)
	}

	removed := 0
	for _, path := range files {
		if olderThan != nil {
			raw, err := os.ReadFile(path)
			if err != nil {
				s.logger.Warn().Err(err).Str("file", path).Msg("cache clear: unreadable entry")
				continue
			}
			var e entry
			if err := json.Unmarshal(raw, &e); err == nil && !e.Timestamp.Before(cutoff) {
				continue
			}
		}
		if err := os.Remove(path); err != nil {
			s.logger.Warn().Err(err).Str("file", path).Msg("cache clear: remove failed")
			continue
		}
		removed++
	}

	s.logger.Info().Int("removed", removed).Msg("cache cleared")
	return removed
}

// Stats returns the current cache state.
func (s *Store) Stats() Stats {
	st := Stats{
		Enabled: s.enabled,
		Dir:     s.dir,
		TTL:     s.ttl,
	}
	if !s.enabled {
		return st
	}

	files, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		s.logger.Warn().Err(err).Msg("cache stats failed")
		return st
	}

	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		st.FileCount++
		st.TotalSizeBytes += info.Size()
	}

	return st
}

// Enabled reports whether the store actually caches anything.
func (s *Store) Enabled() bool {
	return s.enabled
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, strings.ToLower(key)+".json")
}
