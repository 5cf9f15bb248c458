// Package repotest holds the behaviour every repository.Backend must share.
// Backend packages call RunBackendContract from their own tests.
package repotest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lalith-99/hghs/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewBackendFunc returns an initialized backend for a kind no other test
// uses.
type NewBackendFunc func(t *testing.T, kind string) repository.Backend

func record(id, unique, body string) repository.Record {
	return repository.Record{ID: id, Unique: unique, Data: []byte(body)}
}

func uniqueKind(name string) string {
	return fmt.Sprintf("%s%d", name, time.Now().UnixNano())
}

// RunBackendContract runs the shared backend tests.
func RunBackendContract(t *testing.T, newBackend NewBackendFunc) {
	t.Run("create and get", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t, uniqueKind("get"))

		require.NoError(t, b.Create(ctx, record("a", "", `{"n":1}`)))

		got, err := b.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "a", got.ID)
		assert.JSONEq(t, `{"n":1}`, string(got.Data))
	})

	t.Run("get missing", func(t *testing.T) {
		b := newBackend(t, uniqueKind("missing"))
		_, err := b.Get(context.Background(), "nope")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("duplicate id conflicts", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t, uniqueKind("dupid"))

		require.NoError(t, b.Create(ctx, record("a", "", `{"n":1}`)))
		err := b.Create(ctx, record("a", "", `{"n":2}`))
		assert.ErrorIs(t, err, repository.ErrConflict)

		got, err := b.Get(ctx, "a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":1}`, string(got.Data))
	})

	t.Run("duplicate unique key conflicts", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t, uniqueKind("dupkey"))

		require.NoError(t, b.Create(ctx, record("a", "alice", `{}`)))
		assert.ErrorIs(t, b.Create(ctx, record("b", "alice", `{}`)), repository.ErrConflict)
		require.NoError(t, b.Create(ctx, record("c", "", `{}`)))
		require.NoError(t, b.Create(ctx, record("d", "", `{}`)))
	})

	t.Run("list", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t, uniqueKind("list"))

		recs, err := b.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, recs)

		for _, id := range []string{"x", "y", "z"} {
			require.NoError(t, b.Create(ctx, record(id, "", `{"id":"`+id+`"}`)))
		}
		recs, err = b.List(ctx)
		require.NoError(t, err)
		ids := make([]string, 0, len(recs))
		for _, rec := range recs {
			ids = append(ids, rec.ID)
		}
		assert.ElementsMatch(t, []string{"x", "y", "z"}, ids)
	})

	t.Run("update", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t, uniqueKind("update"))

		assert.ErrorIs(t, b.Update(ctx, record("a", "", `{}`)), repository.ErrNotFound)

		require.NoError(t, b.Create(ctx, record("a", "alice", `{"v":1}`)))
		require.NoError(t, b.Create(ctx, record("b", "bob", `{"v":1}`)))

		require.NoError(t, b.Update(ctx, record("a", "alice", `{"v":2}`)))
		got, err := b.Get(ctx, "a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":2}`, string(got.Data))

		assert.ErrorIs(t, b.Update(ctx, record("a", "bob", `{"v":3}`)), repository.ErrConflict)

		require.NoError(t, b.Update(ctx, record("a", "carol", `{"v":4}`)))
		require.NoError(t, b.Create(ctx, record("c", "alice", `{}`)), "old unique key is released")
	})

	t.Run("delete", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t, uniqueKind("delete"))

		assert.ErrorIs(t, b.Delete(ctx, "a"), repository.ErrNotFound)

		require.NoError(t, b.Create(ctx, record("a", "alice", `{}`)))
		require.NoError(t, b.Delete(ctx, "a"))

		_, err := b.Get(ctx, "a")
		assert.ErrorIs(t, err, repository.ErrNotFound)

		recs, err := b.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, recs)

		require.NoError(t, b.Create(ctx, record("a", "alice", `{}`)), "id and key are reusable after delete")
	})

	t.Run("concurrent creates with one unique key", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t, uniqueKind("race"))

		const workers = 8
		var wg sync.WaitGroup
		var succeeded, conflicted atomic.Int32
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := b.Create(ctx, record(fmt.Sprintf("id-%d", i), "alice", `{}`))
				switch {
				case err == nil:
					succeeded.Add(1)
				case assert.ErrorIs(t, err, repository.ErrConflict):
					conflicted.Add(1)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), succeeded.Load())
		assert.Equal(t, int32(workers-1), conflicted.Load())
	})
}
