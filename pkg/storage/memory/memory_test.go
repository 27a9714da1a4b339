package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simperium/simperium.go/pkg/models"
	"github.com/simperium/simperium.go/pkg/storage"
	"github.com/simperium/simperium.go/pkg/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		s := New()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestFailNextCommit(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("disk full")
	s.FailNextCommit(boom)

	err := storage.WithCriticalSection(ctx, s, func(w storage.Writer) error {
		return w.Save("note", models.NewObject("a", nil))
	})
	require.ErrorIs(t, err, boom)
	var se *storage.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "commit", se.Op)

	// Only the next commit fails.
	err = storage.WithCriticalSection(ctx, s, func(w storage.Writer) error {
		return w.Save("note", models.NewObject("a", nil))
	})
	require.NoError(t, err)
}

func TestStoredObjectsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	obj := models.NewObject("a", map[string]any{"n": "x"})
	require.NoError(t, storage.WithCriticalSection(ctx, s, func(w storage.Writer) error {
		return w.Save("note", obj)
	}))
	obj.Data["n"] = "changed"

	require.NoError(t, storage.WithSafeSection(ctx, s, func(r storage.Reader) error {
		got, err := r.Object("note", "a")
		require.NoError(t, err)
		assert.Equal(t, "x", got.Data["n"])
		return nil
	}))
}

func TestClosed(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())
	_, err := s.BeginSafeSection(context.Background())
	require.Error(t, err)
}
