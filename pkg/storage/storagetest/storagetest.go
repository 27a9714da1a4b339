// Package storagetest exercises a storage adapter against the behavior the
// sync engine relies on.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simperium/simperium.go/pkg/constants"
	"github.com/simperium/simperium.go/pkg/models"
	"github.com/simperium/simperium.go/pkg/storage"
)

// Run runs the conformance tests. open must return an empty store.
func Run(t *testing.T, open func(t *testing.T) storage.Storage) {
	ctx := context.Background()

	t.Run("commit on finish", func(t *testing.T) {
		s := open(t)
		obj := models.NewObject("k1", map[string]any{"name": "Alice"})
		obj.Ghost = &models.Ghost{Key: "k1", Version: "3", Data: map[string]any{"name": "Alice"}}

		err := storage.WithCriticalSection(ctx, s, func(w storage.Writer) error {
			require.NoError(t, w.Save("person", obj))
			require.NoError(t, w.SetMetadata("person", constants.MetaChangeVersion, []byte("cv1")))

			got, err := w.Object("person", "k1")
			require.NoError(t, err)
			assert.Equal(t, "Alice", got.Data["name"])
			return nil
		})
		require.NoError(t, err)

		err = storage.WithSafeSection(ctx, s, func(r storage.Reader) error {
			got, err := r.Object("person", "k1")
			require.NoError(t, err)
			assert.Equal(t, models.Version("3"), got.Version())
			assert.Equal(t, "Alice", got.Data["name"])

			cv, err := r.Metadata("person", constants.MetaChangeVersion)
			require.NoError(t, err)
			assert.Equal(t, []byte("cv1"), cv)

			missing, err := r.Metadata("person", constants.MetaIndexMark)
			require.NoError(t, err)
			assert.Nil(t, missing)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("abort on error", func(t *testing.T) {
		s := open(t)
		boom := errors.New("boom")
		err := storage.WithCriticalSection(ctx, s, func(w storage.Writer) error {
			require.NoError(t, w.Save("person", models.NewObject("k1", nil)))
			return boom
		})
		require.ErrorIs(t, err, boom)

		err = storage.WithSafeSection(ctx, s, func(r storage.Reader) error {
			_, err := r.Object("person", "k1")
			assert.ErrorIs(t, err, constants.ErrNotFound)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("abort on panic", func(t *testing.T) {
		s := open(t)
		assert.Panics(t, func() {
			_ = storage.WithCriticalSection(ctx, s, func(w storage.Writer) error {
				panic("boom")
			})
		})

		// The section was released.
		err := storage.WithCriticalSection(ctx, s, func(w storage.Writer) error { return nil })
		require.NoError(t, err)
	})

	t.Run("batched reads and keys", func(t *testing.T) {
		s := open(t)
		err := storage.WithCriticalSection(ctx, s, func(w storage.Writer) error {
			for _, k := range []string{"c", "a", "b"} {
				require.NoError(t, w.Save("note", models.NewObject(k, map[string]any{"k": k})))
			}
			require.NoError(t, w.Save("other", models.NewObject("z", nil)))
			require.NoError(t, w.Delete("note", "b"))

			keys, err := w.Keys("note")
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "c"}, keys)
			return nil
		})
		require.NoError(t, err)

		err = storage.WithSafeSection(ctx, s, func(r storage.Reader) error {
			objs, err := r.Objects("note", []string{"a", "b", "c", "d"})
			require.NoError(t, err)
			assert.Len(t, objs, 2)
			assert.Equal(t, "c", objs["c"].Data["k"])

			keys, err := r.Keys("note")
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "c"}, keys)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("metadata removal", func(t *testing.T) {
		s := open(t)
		require.NoError(t, storage.WithCriticalSection(ctx, s, func(w storage.Writer) error {
			return w.SetMetadata("note", constants.MetaIndexMark, []byte("m2"))
		}))
		require.NoError(t, storage.WithCriticalSection(ctx, s, func(w storage.Writer) error {
			return w.SetMetadata("note", constants.MetaIndexMark, nil)
		}))
		require.NoError(t, storage.WithSafeSection(ctx, s, func(r storage.Reader) error {
			v, err := r.Metadata("note", constants.MetaIndexMark)
			require.NoError(t, err)
			assert.Nil(t, v)
			return nil
		}))
	})

	t.Run("clear", func(t *testing.T) {
		s := open(t)
		require.NoError(t, storage.WithCriticalSection(ctx, s, func(w storage.Writer) error {
			require.NoError(t, w.Save("note", models.NewObject("a", nil)))
			require.NoError(t, w.Save("post", models.NewObject("p", nil)))
			return w.SetMetadata("note", constants.MetaChangeVersion, []byte("x"))
		}))
		require.NoError(t, s.Clear(ctx, "note"))
		require.NoError(t, storage.WithSafeSection(ctx, s, func(r storage.Reader) error {
			keys, err := r.Keys("note")
			require.NoError(t, err)
			assert.Empty(t, keys)
			v, err := r.Metadata("note", constants.MetaChangeVersion)
			require.NoError(t, err)
			assert.Nil(t, v)
			keys, err = r.Keys("post")
			require.NoError(t, err)
			assert.Equal(t, []string{"p"}, keys)
			return nil
		}))
	})

	t.Run("critical sections exclude readers", func(t *testing.T) {
		s := open(t)
		cs, err := s.BeginCriticalSection(ctx)
		require.NoError(t, err)
		require.NoError(t, cs.Save("note", models.NewObject("a", nil)))

		read := make(chan error, 1)
		go func() {
			read <- storage.WithSafeSection(ctx, s, func(r storage.Reader) error {
				_, err := r.Object("note", "a")
				return err
			})
		}()

		select {
		case <-read:
			t.Fatal("reader entered a held critical section")
		case <-time.After(50 * time.Millisecond):
		}

		require.NoError(t, cs.Finish())
		select {
		case err := <-read:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("reader never entered")
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		s := open(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := s.BeginCriticalSection(cctx)
		require.ErrorIs(t, err, context.Canceled)
	})
}
