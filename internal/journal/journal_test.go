package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendReadRoundTrip(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "spot_instance"))
	require.NoError(t, err)

	appended := []Record{
		{Timestamp: 1700000000, ResourceID: "i-abc", SecondaryID: "sir-123", Status: Status{Code: 0, Name: "pending"}},
		{Timestamp: 1700000100, ResourceID: "i-abc", SecondaryID: "sir-123", Status: Status{Code: 16, Name: "running"}},
		{Timestamp: 1700000200, ResourceID: "i-abc", SecondaryID: "sir-123", Status: Status{Code: 32, Name: "shutting-down"}},
	}
	for _, r := range appended {
		require.NoError(t, j.Append(r))
	}

	// All records land in a single file keyed by the first timestamp.
	path := filepath.Join(j.Dir(), "1700000000_i-abc.json")
	records, err := ReadAll(path)
	require.NoError(t, err)
	require.Equal(t, appended, records)
}

func TestAppendRequiresResourceID(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)

	err = j.Append(Record{Timestamp: 1, Status: Status{Name: "pending"}})
	require.ErrorIs(t, err, ErrIncompleteRecord)
}

func TestLatest(t *testing.T) {
	t.Run("empty-directory", func(t *testing.T) {
		j, err := Open(t.TempDir())
		require.NoError(t, err)

		_, err = j.Latest()
		require.ErrorIs(t, err, ErrNoJournal)
	})

	t.Run("picks-newest-file", func(t *testing.T) {
		j, err := Open(t.TempDir())
		require.NoError(t, err)

		// Three resources started at distinct times; each gets a few
		// transitions so "last record" and "last file" differ.
		for i, id := range []string{"vol-old", "vol-mid", "vol-new"} {
			base := int64(1700000000 + i*1000)
			require.NoError(t, j.Append(Record{Timestamp: base, ResourceID: id, Status: Status{Name: "creating"}}))
			require.NoError(t, j.Append(Record{Timestamp: base + 10, ResourceID: id, Status: Status{Name: "available"}}))
		}

		latest, err := j.Latest()
		require.NoError(t, err)
		require.Equal(t, "vol-new", latest.ResourceID)
		require.Equal(t, "available", latest.Status.Name)
	})

	t.Run("incomplete-record", func(t *testing.T) {
		dir := t.TempDir()
		j, err := Open(dir)
		require.NoError(t, err)

		path := filepath.Join(dir, "1700000000_i-abc.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"timestamp":1700000000,"status":{"code":0,"name":"pending"}}`+"\n"), 0o644))

		_, err = j.Latest()
		require.ErrorIs(t, err, ErrIncompleteRecord)
	})
}

func TestReadAll(t *testing.T) {
	t.Run("corrupt-line", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "1700000000_i-abc.json")
		content := `{"timestamp":1700000000,"resource_id":"i-abc","status":{"code":0,"name":"pending"}}` + "\n" +
			"not json\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		_, err := ReadAll(path)
		require.ErrorIs(t, err, ErrCorruptRecord)
	})

	t.Run("ignores-unknown-fields", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "1700000000_i-abc.json")
		line := `{"timestamp":1700000000,"resource_id":"i-abc","status":{"code":16,"name":"running"},"extra":"future"}` + "\n"
		require.NoError(t, os.WriteFile(path, []byte(line), 0o644))

		records, err := ReadAll(path)
		require.NoError(t, err)
		require.Len(t, records, 1)
		require.Equal(t, "i-abc", records[0].ResourceID)
	})
}

func TestLatestIgnoresEnumerationOrder(t *testing.T) {
	// Write files in reverse chronological order to make sure resolution
	// depends on the name prefix, not on creation order on disk.
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)

	for i := 9; i >= 0; i-- {
		id := fmt.Sprintf("i-%02d", i)
		require.NoError(t, j.Append(Record{
			Timestamp:   int64(1700000000 + i),
			ResourceID:  id,
			SecondaryID: "sir-" + id,
			Status:      Status{Name: "pending"},
		}))
	}

	latest, err := j.Latest()
	require.NoError(t, err)
	require.Equal(t, "i-09", latest.ResourceID)
}
