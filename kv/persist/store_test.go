package persist

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"testing"

	"github.com/pingcap-incubator/tinycache/kv/atomicmap"
	"github.com/pingcap-incubator/tinycache/kv/cache"
	"github.com/pingcap-incubator/tinycache/kv/config"
	"github.com/pingcap-incubator/tinycache/kv/util/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func put(k string, v int64) atomicmap.Operation[string, int64] {
	return &atomicmap.PutOperation[string, int64]{Key: k, New: v}
}

func openTestStore(t *testing.T, compression string) (*Store[string, int64], config.PersistConfig) {
	dir, err := ioutil.TempDir("", "tinycache-persist")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	cfg := config.PersistConfig{Enabled: true, Path: dir, Compression: compression}
	s, err := Open[string, int64](cfg, codec.StringCodec{}, codec.Int64Codec{})
	require.NoError(t, err)
	return s, cfg
}

func TestReplicateAndLoad(t *testing.T) {
	for _, compression := range []string{config.CompressionNone, config.CompressionLz4} {
		s, _ := openTestStore(t, compression)
		ctx := context.Background()

		m, err := s.Load("missing")
		require.NoError(t, err)
		assert.Nil(t, m)

		require.NoError(t, s.Replicate(ctx, "accounts", atomicmap.NewMapDelta(put("a", 1), put("b", 2))))
		require.NoError(t, s.Replicate(ctx, "accounts", atomicmap.NewMapDelta[string, int64](
			&atomicmap.RemoveOperation[string, int64]{Key: "a"}, put("c", 3))))

		m, err = s.Load("accounts")
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, map[string]int64{"b": 2, "c": 3}, m.Entries())
		require.NoError(t, s.Close())
	}
}

func TestReplicateCanceled(t *testing.T) {
	s, _ := openTestStore(t, config.CompressionNone)
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, s.Replicate(ctx, "m", atomicmap.NewMapDelta(put("a", 1))))
	m, err := s.Load("m")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestKeysDeleteRestore(t *testing.T) {
	s, cfg := openTestStore(t, config.CompressionLz4)
	ctx := context.Background()
	for _, key := range []string{"b-map", "a-map", "a-map-with-a-long-name"} {
		require.NoError(t, s.Replicate(ctx, key, atomicmap.NewMapDelta(put("k", 1))))
	}
	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"a-map", "a-map-with-a-long-name", "b-map"}, keys)

	require.NoError(t, s.Delete("b-map"))
	keys, err = s.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"a-map", "a-map-with-a-long-name"}, keys)
	require.NoError(t, s.Close())

	// Maps survive a reopen and are restored into an empty cache.
	s, err = Open[string, int64](cfg, codec.StringCodec{}, codec.Int64Codec{})
	require.NoError(t, err)
	defer s.Close()
	target := cache.NewStore()
	existing := atomicmap.NewFrom(map[string]int64{"live": 7})
	target.Put("a-map", existing)

	n, err := s.Restore(target)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err := atomicmap.GetAtomicMap[string, int64](target, "a-map", false)
	require.NoError(t, err)
	assert.True(t, m == existing)
	m, err = atomicmap.GetAtomicMap[string, int64](target, "a-map-with-a-long-name", false)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, map[string]int64{"k": 1}, m.Entries())
}

func TestDBKeyRoundTrip(t *testing.T) {
	for _, key := range []string{"", "m", "accounts-12345678"} {
		got, err := decodeDBKey(dbKey(key))
		require.NoError(t, err)
		assert.Equal(t, key, got)
	}
	assert.True(t, bytes.HasPrefix(dbKey("x"), mapKeyPrefix))
}
