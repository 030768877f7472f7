// Package journal persists resource lifecycle history as append-only,
// newline-delimited JSON files, one file per remote resource id.
//
// Files are named <unixEpochAtFirstWrite>_<resourceID>.json inside a
// kind-specific directory (spot_instance/, ec2_volume/). Because the epoch
// prefix sorts lexicographically, the last file in sorted order is always
// the most recently started resource, which is how a fresh process recovers
// "the current resource" without any shared in-memory state.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

var (
	ErrNoJournal        = fmt.Errorf("no journal file found")
	ErrCorruptRecord    = fmt.Errorf("journal contains a malformed record")
	ErrIncompleteRecord = fmt.Errorf("latest journal record is missing a resource id")
)

// Status mirrors the provider's own status vocabulary. It is opaque to this
// package; callers only ever compare Name against provider sentinels.
type Status struct {
	Code int32  `json:"code"`
	Name string `json:"name"`
}

// Record is one immutable state transition for a remote resource.
type Record struct {
	// Timestamp is seconds since epoch at append time.
	Timestamp int64 `json:"timestamp"`

	// ResourceID is the provider-issued identifier (instance or volume id).
	ResourceID string `json:"resource_id"`

	// SecondaryID carries the spot request id for instances. Empty for
	// volumes and after a spot request has been cancelled.
	SecondaryID string `json:"secondary_id,omitempty"`

	Status Status `json:"status"`
}

// Journal appends and resolves records under a single kind directory.
type Journal struct {
	dir string
}

// Open binds a journal to dir, creating it if needed.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	return &Journal{dir: dir}, nil
}

// Dir returns the directory this journal writes into.
func (j *Journal) Dir() string {
	return j.dir
}

// Append serializes r as one JSON line and appends it to the file owned by
// r.ResourceID, creating the file on the resource's first record. Existing
// bytes are never rewritten.
func (j *Journal) Append(r Record) error {
	if r.ResourceID == "" {
		return fmt.Errorf("%w: refusing to append", ErrIncompleteRecord)
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().Unix()
	}

	path, err := j.fileFor(r.ResourceID)
	if err != nil {
		return err
	}
	if path == "" {
		path = filepath.Join(j.dir, fmt.Sprintf("%d_%s.json", r.Timestamp, r.ResourceID))
	}

	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening journal file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending record: %w", err)
	}
	return nil
}

// ReadAll returns every record in path, oldest first.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening journal file: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrCorruptRecord, path, err)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading journal file %s: %w", path, err)
	}
	return records, nil
}

// Latest resolves the current resource: the last record of the
// lexicographically-last journal file. It fails with ErrNoJournal when the
// directory holds no files, and with ErrIncompleteRecord when the resolved
// record carries no resource id (a partially populated write is not a safe
// base to resume from).
func (j *Journal) Latest() (Record, error) {
	path, err := latestFile(j.dir, "*.json")
	if err != nil {
		return Record{}, err
	}

	records, err := ReadAll(path)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, fmt.Errorf("%w: %s is empty", ErrNoJournal, path)
	}

	last := records[len(records)-1]
	if last.ResourceID == "" {
		return Record{}, fmt.Errorf("%w: %s", ErrIncompleteRecord, path)
	}
	return last, nil
}

// fileFor returns the newest existing file for resourceID, or "" when the
// resource has no file yet.
func (j *Journal) fileFor(resourceID string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(j.dir, "*_"+resourceID+".json"))
	if err != nil {
		return "", fmt.Errorf("listing journal files: %w", err)
	}
	if len(matches) == 0 {
		return "", nil
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

func latestFile(dir, pattern string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", fmt.Errorf("listing journal files: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w in %s", ErrNoJournal, dir)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}
