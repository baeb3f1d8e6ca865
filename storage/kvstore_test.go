package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type sampleRecord struct {
	Name  string
	Value uint64
}

func TestKVStoreRoundTrip(t *testing.T) {
	store := NewKVStore(NewMemDB())

	ok, err := store.KVGet([]byte("missing"), nil)
	require.NoError(t, err)
	require.False(t, ok)

	in := sampleRecord{Name: "usdc", Value: 42}
	require.NoError(t, store.KVPut([]byte("tokens/usdc"), in))

	var out sampleRecord
	ok, err = store.KVGet([]byte("tokens/usdc"), &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in, out)
}

func TestKVStoreAppendDeduplicates(t *testing.T) {
	store := NewKVStore(NewMemDB())
	key := []byte("requests/index")

	require.NoError(t, store.KVAppend(key, []byte("1")))
	require.NoError(t, store.KVAppend(key, []byte("2")))
	require.NoError(t, store.KVAppend(key, []byte("1")))

	var list [][]byte
	require.NoError(t, store.KVGetList(key, &list))
	require.Len(t, list, 2)
	require.Equal(t, []byte("1"), list[0])
	require.Equal(t, []byte("2"), list[1])
}

func TestKVGetListEmptyInitialisesSlice(t *testing.T) {
	store := NewKVStore(NewMemDB())
	var list [][]byte
	require.NoError(t, store.KVGetList([]byte("empty"), &list))
	require.NotNil(t, list)
	require.Len(t, list, 0)
}

func TestKVStoreEmptyKeyRejected(t *testing.T) {
	store := NewKVStore(NewMemDB())
	require.Error(t, store.KVPut(nil, sampleRecord{}))
	_, err := store.KVGet(nil, nil)
	require.Error(t, err)
}

func TestLevelDBSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vault.db")

	db, err := NewLevelDB(dir)
	require.NoError(t, err)
	store := NewKVStore(db)
	require.NoError(t, store.KVPut([]byte("counter"), sampleRecord{Name: "next", Value: 7}))
	require.NoError(t, db.Close())

	db, err = NewLevelDB(dir)
	require.NoError(t, err)
	defer db.Close()

	var out sampleRecord
	ok, err := NewKVStore(db).KVGet([]byte("counter"), &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), out.Value)
}
