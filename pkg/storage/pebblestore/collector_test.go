package pebblestore

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simperium/simperium.go/pkg/models"
	"github.com/simperium/simperium.go/pkg/storage"
)

func TestCollector(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)
	require.NoError(t, storage.WithCriticalSection(ctx, s, func(w storage.Writer) error {
		return w.Save("post", models.NewObject("p1", map[string]any{"title": "a"}))
	}))
	require.NoError(t, storage.WithSafeSection(ctx, s, func(r storage.Reader) error {
		_, err := r.Object("post", "p1")
		return err
	}))

	c := NewCollector(s)
	assert.Equal(t, 7, testutil.CollectAndCount(c))
}
