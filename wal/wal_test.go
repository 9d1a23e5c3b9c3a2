package wal

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/archengine/archengine/config"
)

func TestAppendAndRecoverRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0000000001.ae.log")
	w, err := Create(path, 1, config.SyncFsync)
	require.NoError(t, err)

	_, err = w.Append(RecordCommit, FlagNone, []byte("commit-body-1"))
	require.NoError(t, err)
	_, err = w.Append(RecordMessage, FlagNone, []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var got []Record
	err = Recover(path, 1, func(r Record) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, RecordCommit, got[0].Type)
	require.Equal(t, []byte("commit-body-1"), got[0].Payload)
	require.Equal(t, RecordMessage, got[1].Type)
	require.Equal(t, []byte("hello"), got[1].Payload)
}

func TestRecoverStopsCleanlyAtTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0000000001.ae.log")
	w, err := Create(path, 1, config.SyncFsync)
	require.NoError(t, err)
	_, err = w.Append(RecordCommit, FlagNone, []byte("full record"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	var seen int
	err = Recover(path, 1, func(Record) error {
		seen++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 0, seen)
}

func TestReaderReturnsEOFOnEmptyTrailingRegion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0000000001.ae.log")
	w, err := Create(path, 1, config.SyncNone)
	require.NoError(t, err)
	_, err = w.Append(RecordFileSync, FlagNone, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := OpenReader(path, 1)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	require.Equal(t, io.EOF, err)
}
