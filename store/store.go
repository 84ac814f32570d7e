// Package store loads migration files from a directory into the in-memory
// migration.Files model, memoizing parsed results by (mtime, size) so that a
// directory re-scan does not re-read and re-parse unchanged files.
package store

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/edgardcham/nomad/checksum"
	"github.com/edgardcham/nomad/migration"
	"github.com/edgardcham/nomad/parser"
)

// filenamePattern matches "<14-digit version><_ or ->name.sql".
var filenamePattern = regexp.MustCompile(`^(\d{14})[_-](.+)\.sql$`)

// cacheEntry memoizes one parsed file against the filesystem state it was
// read under.
type cacheEntry struct {
	modTime int64
	size    int64
	file    migration.File
}

// Store scans a directory for migration files, parsing and checksumming each
// one at most once per (mtime, size) pair.
type Store struct {
	dir string

	mu    sync.Mutex
	cache map[string]cacheEntry

	// Rehash, when true, re-hashes a cache hit's content and invalidates the
	// entry on mismatch. Off by default; the engine sets it from its
	// WithRehash option.
	Rehash bool
}

// New creates a Store rooted at dir. The directory is not required to exist
// yet: Load treats a missing directory as an empty migration set.
func New(dir string) *Store {
	return &Store{dir: dir, cache: make(map[string]cacheEntry)}
}

// Load scans the directory and returns all migration files, sorted ascending
// by version.
func (s *Store) Load() (migration.Files, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return migration.Files{}, nil
	}
	if err != nil {
		return nil, err
	}

	var files migration.Files
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := filenamePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		versionNum, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}

		path := filepath.Join(s.dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}

		f, err := s.load(path, migration.Version(versionNum), m[2], info.ModTime().UnixNano(), info.Size())
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}

	sort.Sort(files)
	return files, nil
}

func (s *Store) load(path string, version migration.Version, name string, modTime, size int64) (migration.File, error) {
	s.mu.Lock()
	cached, hit := s.cache[path]
	s.mu.Unlock()

	if hit && cached.modTime == modTime && cached.size == size {
		if !s.Rehash {
			return cached.file, nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return migration.File{}, err
		}
		if checksum.Sum(raw) == cached.file.Checksum {
			return cached.file, nil
		}
		// content changed without a detectable (mtime, size) change; fall
		// through and re-parse.
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return migration.File{}, err
	}

	parsed := parser.Parse(raw)
	f := migration.File{
		Version:  version,
		Name:     name,
		Path:     path,
		Raw:      raw,
		Checksum: checksum.Sum(raw),
		Parsed:   parsed,
		Tags:     parsed.Tags,
	}

	s.mu.Lock()
	s.cache[path] = cacheEntry{modTime: modTime, size: size, file: f}
	s.mu.Unlock()

	return f, nil
}

// AppliedFrom filters records to those currently applied (non-null
// applied_at, null rolled_back_at), sorted ascending by version.
func AppliedFrom(records migration.AppliedRecords) migration.AppliedRecords {
	var out migration.AppliedRecords
	for _, r := range records {
		if r.IsActive() {
			out = append(out, r)
		}
	}
	sort.Sort(out)
	return out
}
