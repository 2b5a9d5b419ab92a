package state

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alexjbarnes/sessionkeeper/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ storage.Store = (*State)(nil)

func testDB(t *testing.T) *State {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	info, err := os.Stat(dbPath)
	require.NoError(t, err)
	assert.Equal(t, stateFilePerm, info.Mode().Perm())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.Set(ctx, map[string]string{storage.KeyRefreshToken: "persist-me"}))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	v, ok, err := storage.GetOne(ctx, s2, storage.KeyRefreshToken)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "persist-me", v)
}

// --- Get / Set / Clear ---

func TestGet_EmptyByDefault(t *testing.T) {
	s := testDB(t)
	v, ok, err := storage.GetOne(context.Background(), s, storage.KeyAccessToken)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "", v)
}

func TestSet_BatchRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := testDB(t)
	require.NoError(t, s.Set(ctx, map[string]string{
		storage.KeyAccessToken:  "acc",
		storage.KeyRefreshToken: "ref",
	}))

	a, _, _ := storage.GetOne(ctx, s, storage.KeyAccessToken)
	r, _, _ := storage.GetOne(ctx, s, storage.KeyRefreshToken)
	assert.Equal(t, "acc", a)
	assert.Equal(t, "ref", r)
	assert.Equal(t, 2, s.Keys())
}

func TestSet_Overwrite(t *testing.T) {
	ctx := context.Background()
	s := testDB(t)
	require.NoError(t, s.Set(ctx, map[string]string{"k": "old"}))
	require.NoError(t, s.Set(ctx, map[string]string{"k": "new"}))

	v, _, _ := storage.GetOne(ctx, s, "k")
	assert.Equal(t, "new", v)
}

func TestSet_EmptyStringIsPresent(t *testing.T) {
	ctx := context.Background()
	s := testDB(t)
	require.NoError(t, s.Set(ctx, map[string]string{"k": ""}))

	v, ok, err := storage.GetOne(ctx, s, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "", v)
}

func TestClear_RemovesOnlyNamedKeys(t *testing.T) {
	ctx := context.Background()
	s := testDB(t)
	require.NoError(t, s.Set(ctx, map[string]string{
		storage.KeyAccessToken: "a",
		storage.KeyDeviceID:    "dev",
	}))

	require.NoError(t, s.Clear(ctx, storage.KeyAccessToken, "missing"))

	_, ok, _ := storage.GetOne(ctx, s, storage.KeyAccessToken)
	assert.False(t, ok)
	v, ok, _ := storage.GetOne(ctx, s, storage.KeyDeviceID)
	assert.True(t, ok)
	assert.Equal(t, "dev", v)
}

func TestSet_ConcurrentBatchesAreAtomic(t *testing.T) {
	ctx := context.Background()
	s := testDB(t)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	torn := make(chan string, 1)

	// Reader: the two halves of a pair are written together, so a
	// snapshot read never sees them disagree.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			m, err := s.Get(ctx, storage.KeyAccessToken, storage.KeyRefreshToken)
			if err == nil && m[storage.KeyAccessToken] != m[storage.KeyRefreshToken] {
				select {
				case torn <- m[storage.KeyAccessToken] + "/" + m[storage.KeyRefreshToken]:
				default:
				}
			}
		}
	}()

	for i := 0; i < 50; i++ {
		v := string(rune('A' + i%26))
		require.NoError(t, s.Set(ctx, map[string]string{
			storage.KeyAccessToken:  v,
			storage.KeyRefreshToken: v,
		}))
	}
	close(stop)
	wg.Wait()

	select {
	case pair := <-torn:
		t.Fatalf("observed a torn pair %s", pair)
	default:
	}
}
