package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) (*RedisBroker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := NewRedisBroker(mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, mr
}

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions("redis://127.0.0.1:6380/1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6380", opts.Addr)
	assert.Equal(t, 1, opts.DB)
	assert.True(t, opts.ContextTimeoutEnabled)

	opts, err = ParseOptions("localhost:6379")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.True(t, opts.ContextTimeoutEnabled)
}

func TestRedisBroker_PushPopIsFIFO(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Push(ctx, "jobs", []byte("first")))
	require.NoError(t, b.Push(ctx, "jobs", []byte("second")))

	got, err := b.BlockingPop(ctx, "jobs", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	got, err = b.BlockingPop(ctx, "jobs", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestRedisBroker_PopTimeoutReturnsNil(t *testing.T) {
	b, _ := newTestBroker(t)

	got, err := b.BlockingPop(context.Background(), "empty", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisBroker_KeysAndScripts(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx := context.Background()

	missing, err := b.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, b.Set(ctx, "k", []byte("v"), 0))
	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))

	res, err := b.RunAtomic(ctx, `return redis.call('GET', KEYS[1])`, []string{"k"})
	require.NoError(t, err)
	assert.Equal(t, "v", res)

	res, err = b.RunAtomic(ctx, `return false`, nil)
	require.NoError(t, err)
	assert.Nil(t, res)

	require.NoError(t, b.Delete(ctx, "k"))
	assert.False(t, mr.Exists("k"))
}

func TestRedisBroker_PublishSubscribe(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "events")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "events", []byte("hello")))

	select {
	case msg := <-ch:
		assert.Equal(t, "hello", string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}
