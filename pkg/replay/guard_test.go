package replay

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hawk-auth-gateway/pkg/auth"
	"hawk-auth-gateway/pkg/models"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *clock { return &clock{now: time.Unix(1700000000, 0)} }

func TestGuardCheckNonce(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	g := NewGuard(2*time.Minute, 16, c.Now, nil)

	fresh, err := g.CheckNonce(ctx, "k1", "abc123", 0)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = g.CheckNonce(ctx, "k1", "abc123", 0)
	require.NoError(t, err)
	assert.False(t, fresh)

	t.Run("NoncesArePerKey", func(t *testing.T) {
		fresh, err := g.CheckNonce(ctx, "k2", "abc123", 0)
		require.NoError(t, err)
		assert.True(t, fresh)
	})

	t.Run("ExpiresAfterRetention", func(t *testing.T) {
		c.Advance(2*time.Minute + time.Second)
		fresh, err := g.CheckNonce(ctx, "k1", "abc123", 0)
		require.NoError(t, err)
		assert.True(t, fresh)
	})

	t.Run("EmptyInput", func(t *testing.T) {
		_, err := g.CheckNonce(ctx, "", "abc", 0)
		assert.Error(t, err)
		_, err = g.CheckNonce(ctx, "k1", " ", 0)
		assert.Error(t, err)
	})
}

func TestGuardCapacity(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	g := NewGuard(time.Hour, 2, c.Now, nil)

	for _, n := range []string{"a", "b", "c"} {
		fresh, err := g.CheckNonce(ctx, "k", n, 0)
		require.NoError(t, err)
		require.True(t, fresh)
		c.Advance(time.Second)
	}
	assert.Equal(t, 2, g.Len())

	// "a" was evicted as the oldest entry
	fresh, err := g.CheckNonce(ctx, "k", "a", 0)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = g.CheckNonce(ctx, "k", "c", 0)
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestGuardConcurrentSameNonce(t *testing.T) {
	g := NewGuard(time.Minute, 1024, nil, nil)

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fresh, err := g.CheckNonce(context.Background(), "k", "same", 0)
			if err == nil && fresh {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
}

func TestGuardPrune(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	g := NewGuard(time.Minute, 16, c.Now, nil)

	_, _ = g.CheckNonce(ctx, "k1", "a", 0)
	_, _ = g.CheckNonce(ctx, "k2", "b", 0)
	c.Advance(30 * time.Second)
	_, _ = g.CheckNonce(ctx, "k2", "c", 0)
	assert.Equal(t, 3, g.Len())

	c.Advance(45 * time.Second)
	require.NoError(t, g.Prune(ctx))
	assert.Equal(t, 1, g.Len())
}

type failingPersistence struct{ err error }

func (f failingPersistence) EnsureNonce(context.Context, models.SeenNonce) (bool, error) {
	return false, f.err
}

func (f failingPersistence) RecentNonces(context.Context, time.Time) ([]models.SeenNonce, error) {
	return nil, f.err
}

func (f failingPersistence) PruneNonces(context.Context, time.Time) error { return nil }

func TestGuardPersistenceFailure(t *testing.T) {
	g := NewGuard(time.Minute, 16, nil, failingPersistence{err: errors.New("disk full")})

	_, err := g.CheckNonce(context.Background(), "k", "n", 0)
	assert.Error(t, err)
	assert.Equal(t, 0, g.Len(), "failed nonce must not stay cached")

	assert.Error(t, g.Hydrate(context.Background()))
}

func TestGuardLevelDBRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nonces")
	c := newClock()

	store, err := OpenLevelDB(path)
	require.NoError(t, err)

	g := NewGuard(2*time.Minute, 16, c.Now, store)
	fresh, err := g.CheckNonce(ctx, "dh37fgj492je", "abc123", 1700000000)
	require.NoError(t, err)
	require.True(t, fresh)
	require.NoError(t, store.Close())

	c.Advance(30 * time.Second)
	reopened, err := OpenLevelDB(path)
	require.NoError(t, err)
	defer reopened.Close()

	restarted := NewGuard(2*time.Minute, 16, c.Now, reopened)
	require.NoError(t, restarted.Hydrate(ctx))
	assert.Equal(t, 1, restarted.Len())

	fresh, err = restarted.CheckNonce(ctx, "dh37fgj492je", "abc123", 1700000000)
	require.NoError(t, err)
	assert.False(t, fresh, "nonce must stay used across restarts")

	t.Run("PersistenceCatchesEvictedNonce", func(t *testing.T) {
		g := NewGuard(2*time.Minute, 1, c.Now, reopened)
		fresh, err := g.CheckNonce(ctx, "dh37fgj492je", "abc123", 0)
		require.NoError(t, err)
		assert.False(t, fresh)
	})
}

func TestLevelDBPersistence(t *testing.T) {
	ctx := context.Background()
	store, err := OpenLevelDB(filepath.Join(t.TempDir(), "nonces"))
	require.NoError(t, err)
	defer store.Close()

	base := time.Unix(1700000000, 0)
	for i, rec := range []models.SeenNonce{
		{KeyID: "k1", Nonce: "a", SeenAt: base},
		{KeyID: "k1", Nonce: "b:with:colons", SeenAt: base.Add(time.Minute)},
		{KeyID: "k2", Nonce: "a", SeenAt: base.Add(2 * time.Minute)},
	} {
		existed, err := store.EnsureNonce(ctx, rec)
		require.NoError(t, err, i)
		assert.False(t, existed, i)
	}

	existed, err := store.EnsureNonce(ctx, models.SeenNonce{KeyID: "k1", Nonce: "a", SeenAt: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.True(t, existed)

	recent, err := store.RecentNonces(ctx, base.Add(30*time.Second))
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "b:with:colons", recent[0].Nonce)
	assert.Equal(t, "k2", recent[1].KeyID)

	require.NoError(t, store.PruneNonces(ctx, base.Add(90*time.Second)))
	all, err := store.RecentNonces(ctx, time.Unix(0, 0))
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "k2", all[0].KeyID)

	existed, err = store.EnsureNonce(ctx, models.SeenNonce{KeyID: "k1", Nonce: "a", SeenAt: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, existed, "pruned nonce is forgotten")

	_, err = store.EnsureNonce(ctx, models.SeenNonce{KeyID: "k1"})
	assert.Error(t, err)
}

func TestGuardWithEngine(t *testing.T) {
	cred := auth.Credential{KeyID: "dh37fgj492je", Secret: []byte("s3cr3t"), Algorithm: auth.SHA256}
	store := auth.CredentialStoreFunc(func(context.Context, string) (*auth.Credential, error) {
		c := cred
		return &c, nil
	})
	now := time.Unix(1700000000, 0)
	engine := auth.NewEngine(store,
		auth.WithNow(func() time.Time { return now }),
		auth.WithReplayGuard(NewGuard(0, 0, func() time.Time { return now }, nil)),
	)

	header, err := auth.Sign(cred, auth.SignRequest{Method: "GET", URI: "/resource", Host: "example.com", Timestamp: now, Nonce: "abc123"})
	require.NoError(t, err)
	req := auth.Request{Authorization: header, Method: "GET", URI: "/resource", Host: "example.com"}

	assert.True(t, engine.Verify(context.Background(), req).Authenticated())
	assert.Equal(t, auth.ReasonReplayedNonce, engine.Verify(context.Background(), req).Reason)
}
