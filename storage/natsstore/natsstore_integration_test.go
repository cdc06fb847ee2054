//go:build integration

package natsstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qserrors "github.com/c360/querysync/errors"
)

// Requires a NATS server with JetStream enabled; set NATS_URL to override
// the default localhost address.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url, nats.Timeout(2*time.Second))
	require.NoError(t, err, "NATS server required for integration tests")
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := DefaultConfig("querysync-test-" + t.Name())
	store, err := New(ctx, js, cfg, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = js.DeleteKeyValue(ctx, cfg.Bucket)
	})

	return store
}

func TestStore_PutGetDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key := `query/["todos",42]`
	require.NoError(t, store.Put(ctx, key, []byte(`{"data":[1,2,3]}`)))

	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":[1,2,3]}`, string(data))

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, qserrors.ErrKeyNotFound)

	// Idempotent delete
	require.NoError(t, store.Delete(ctx, key))
}

func TestStore_ListByPrefix(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, `query/["a"]`, []byte("1")))
	require.NoError(t, store.Put(ctx, `query/["b"]`, []byte("2")))
	require.NoError(t, store.Put(ctx, "mutations", []byte("3")))

	keys, err := store.List(ctx, "query/")
	require.NoError(t, err)
	assert.Equal(t, []string{`query/["a"]`, `query/["b"]`}, keys)
}

func TestStore_UpdateCreatesAndModifies(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Update(ctx, "mutations", func(current []byte, exists bool) ([]byte, error) {
		assert.False(t, exists)
		return []byte(`{"nextId":1}`), nil
	})
	require.NoError(t, err)

	err = store.Update(ctx, "mutations", func(current []byte, exists bool) ([]byte, error) {
		assert.True(t, exists)
		assert.JSONEq(t, `{"nextId":1}`, string(current))
		return []byte(`{"nextId":2}`), nil
	})
	require.NoError(t, err)

	data, err := store.Get(ctx, "mutations")
	require.NoError(t, err)
	assert.JSONEq(t, `{"nextId":2}`, string(data))
}

func TestStore_Overwrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("v1")))
	require.NoError(t, store.Put(ctx, "k", []byte("v2")))

	data, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
}
