package storage

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/pricefeed-oracle/orchestrator/pkg/core/storage/dbconfig"
	"github.com/stretchr/testify/require"
)

type dbSetup struct {
	name   string
	create func(testing.TB) Store
}

type dbTestFunction func(*testing.T, Store)

type keyValue struct {
	Key   []byte
	Value []byte
}

func newLevelDBForTesting(t testing.TB) Store {
	s, err := NewLevelDBStore(dbconfig.LevelDBOptions{DataDirectoryPath: t.TempDir()})
	require.NoError(t, err, "NewLevelDBStore error")
	return s
}

func newBoltStoreForTesting(t testing.TB) Store {
	s, err := NewBoltDBStore(dbconfig.BoltDBOptions{FilePath: filepath.Join(t.TempDir(), "test_bolt_db")})
	require.NoError(t, err)
	return s
}

func newMemoryStoreForTesting(t testing.TB) Store {
	return NewMemoryStore()
}

func testStoreGetNonExistent(t *testing.T, s Store) {
	_, err := s.Get([]byte("sparse"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func testStorePutChangeSet(t *testing.T, s Store) {
	require.NoError(t, s.PutChangeSet(map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
	}))
	v, err := s.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	// Deletion and update in one changeset.
	require.NoError(t, s.PutChangeSet(map[string][]byte{
		"a": nil,
		"b": []byte("3"),
	}))
	_, err = s.Get([]byte("a"))
	require.ErrorIs(t, err, ErrKeyNotFound)
	v, err = s.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("3"), v)
}

func pushSeekDataSet(t *testing.T, s Store) []keyValue {
	kvs := []keyValue{
		{[]byte("10"), []byte("bar")},
		{[]byte("11"), []byte("bara")},
		{[]byte("20"), []byte("barb")},
		{[]byte("21"), []byte("barc")},
		{[]byte("22"), []byte("bard")},
		{[]byte("30"), []byte("bare")},
		{[]byte("31"), []byte("barf")},
	}
	puts := make(map[string][]byte)
	for _, v := range kvs {
		puts[string(v.Key)] = v.Value
	}
	require.NoError(t, s.PutChangeSet(puts))
	return kvs
}

func testStoreSeek(t *testing.T, s Store) {
	kvs := pushSeekDataSet(t, s)
	check := func(t *testing.T, rng SeekRange, expected []keyValue, cont func(k []byte) bool) {
		actual := make([]keyValue, 0, len(expected))
		s.Seek(rng, func(k, v []byte) bool {
			actual = append(actual, keyValue{Key: bytes.Clone(k), Value: bytes.Clone(v)})
			if cont == nil {
				return true
			}
			return cont(k)
		})
		require.Equal(t, expected, actual)
	}

	t.Run("forwards", func(t *testing.T) {
		check(t, SeekRange{Prefix: []byte("2")}, []keyValue{kvs[2], kvs[3], kvs[4]}, nil)
		check(t, SeekRange{Prefix: []byte("2"), Start: []byte("1")}, []keyValue{kvs[3], kvs[4]}, nil)
		check(t, SeekRange{Prefix: []byte("0")}, []keyValue{}, nil)
	})
	t.Run("backwards", func(t *testing.T) {
		check(t, SeekRange{Prefix: []byte("2"), Backwards: true}, []keyValue{kvs[4], kvs[3], kvs[2]}, nil)
		check(t, SeekRange{Prefix: []byte("2"), Start: []byte("1"), Backwards: true}, []keyValue{kvs[3], kvs[2]}, nil)
		check(t, SeekRange{Prefix: []byte("3"), Backwards: true}, []keyValue{kvs[6], kvs[5]}, nil)
	})
	t.Run("early stop", func(t *testing.T) {
		check(t, SeekRange{Prefix: []byte("2")}, []keyValue{kvs[2], kvs[3]}, func(k []byte) bool {
			return string(k) < "21"
		})
	})
}

func TestAllDBs(t *testing.T) {
	var dbSetups = []dbSetup{
		{"BoltDB", newBoltStoreForTesting},
		{"LevelDB", newLevelDBForTesting},
		{"Memory", newMemoryStoreForTesting},
	}
	var tests = []dbTestFunction{testStoreGetNonExistent, testStorePutChangeSet, testStoreSeek}
	for _, db := range dbSetups {
		for _, test := range tests {
			s := db.create(t)
			t.Run(db.name, func(t *testing.T) {
				test(t, s)
			})
			require.NoError(t, s.Close())
		}
	}
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(dbconfig.DBConfiguration{Type: dbconfig.InMemoryDB})
	require.NoError(t, err)
	require.IsType(t, &MemoryStore{}, s)

	s, err = NewStore(dbconfig.DBConfiguration{
		Type:          dbconfig.BoltDB,
		BoltDBOptions: dbconfig.BoltDBOptions{FilePath: filepath.Join(t.TempDir(), "sub", "bolt")},
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = NewStore(dbconfig.DBConfiguration{Type: "unknown"})
	require.Error(t, err)
}
