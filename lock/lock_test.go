package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_TryLock(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	// GIVEN: a held lock
	release, ok, err := l.TryLock(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	// WHEN: the same key is requested again
	_, ok, err = l.TryLock(ctx, "a")

	// THEN: it is refused, other keys are not
	require.NoError(t, err)
	assert.False(t, ok)

	releaseB, ok, err := l.TryLock(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)
	releaseB()

	// AND: after release the key can be taken again, double release is harmless
	release()
	release()
	again, ok, err := l.TryLock(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	again()
}

func TestGuard_PrefixesDefinitionID(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	g := NewGuard(l)

	release, ok, err := g.Acquire(ctx, "rent")
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	_, held, err := l.TryLock(ctx, "apengine:definition:rent")
	require.NoError(t, err)
	assert.False(t, held)
}

// Runs against a real server when APENGINE_TEST_REDIS is set.
func TestRedis_TryLock(t *testing.T) {
	addr := os.Getenv("APENGINE_TEST_REDIS")
	if addr == "" {
		t.Skip("APENGINE_TEST_REDIS not set")
	}
	ctx := context.Background()

	client, err := Connect(ctx, addr, "")
	require.NoError(t, err)
	defer client.Close()

	r := NewRedis(client, 5*time.Second, zerolog.Nop())
	key := "apengine:test:" + time.Now().Format(time.RFC3339Nano)

	release, ok, err := r.TryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = r.TryLock(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	release2, ok, err := r.TryLock(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}
