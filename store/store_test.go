package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), Entry{ID: "a", Model: "ssd"}))
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, path, s.Path())
	entries, err := s.Recent(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRecordAndRecent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, Entry{ID: "1", Model: "ssd", Device: "CPU", Transport: "grpc", Boxes: 2, Labels: "car,person", Duration: 12 * time.Millisecond, CreatedAt: base}))
	require.NoError(t, s.Record(ctx, Entry{ID: "2", Model: "yolo", Device: "GPU", Transport: "http", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, s.Record(ctx, Entry{ID: "3", Model: "ssd", Device: "CPU", Err: "infer: device lost", CreatedAt: base.Add(2 * time.Second)}))

	t.Run("newest first", func(t *testing.T) {
		entries, err := s.Recent(ctx, "", 10)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, "3", entries[0].ID)
		assert.Equal(t, "1", entries[2].ID)
		assert.Equal(t, 12*time.Millisecond, entries[2].Duration)
		assert.Equal(t, "car,person", entries[2].Labels)
		assert.True(t, base.Equal(entries[2].CreatedAt))
	})

	t.Run("filter by model", func(t *testing.T) {
		entries, err := s.Recent(ctx, "ssd", 10)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "infer: device lost", entries[0].Err)
	})

	t.Run("limit", func(t *testing.T) {
		entries, err := s.Recent(ctx, "", 1)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("duplicate id", func(t *testing.T) {
		assert.Error(t, s.Record(ctx, Entry{ID: "1", Model: "ssd"}))
	})

	t.Run("prune", func(t *testing.T) {
		n, err := s.Prune(ctx, base.Add(1500*time.Millisecond))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		entries, err := s.Recent(ctx, "", 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "3", entries[0].ID)
	})
}

func TestRecent_Empty(t *testing.T) {
	s := openStore(t)
	entries, err := s.Recent(context.Background(), "", 0)
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}
