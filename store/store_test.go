package store

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both backends must behave identically; every case runs against each.
func forEachBackend(t *testing.T, test func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		s := MakeMemoryStoreNoGC()
		defer s.Close()
		test(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := MakeSQLiteStore(":memory:")
		require.NoError(t, err)
		defer s.Close()
		test(t, s)
	})
}

func Test_Store_PutGetDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.Get("missing")
		assert.Equal(t, ErrNotFound, err)

		require.NoError(t, s.Put("k1", []byte("v1")))
		v, err := s.Get("k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), v)

		require.NoError(t, s.Put("k1", []byte("v2")), "put overwrites")
		v, _ = s.Get("k1")
		assert.Equal(t, []byte("v2"), v)

		require.NoError(t, s.Delete("k1"))
		_, err = s.Get("k1")
		assert.Equal(t, ErrNotFound, err)

		assert.NoError(t, s.Delete("missing"), "deleting a missing key is not an error")
	})
}

func Test_Store_ScanPrefix(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		require.NoError(t, s.Put(JobKey("a"), []byte("1")))
		require.NoError(t, s.Put(JobKey("b"), []byte("2")))
		require.NoError(t, s.Put(FailureKey("a"), []byte("3")))

		var keys []string
		err := s.Scan(JobPrefix, func(k string, v []byte) error {
			keys = append(keys, k)
			return nil
		})
		require.NoError(t, err)
		sort.Strings(keys)
		assert.Equal(t, []string{JobKey("a"), JobKey("b")}, keys)
	})
}

func Test_Store_ScanStopsOnCallbackError(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		require.NoError(t, s.Put(JobKey("a"), []byte("1")))
		require.NoError(t, s.Put(JobKey("b"), []byte("2")))

		calls := 0
		err := s.Scan(JobPrefix, func(k string, v []byte) error {
			calls++
			return assert.AnError
		})
		assert.Equal(t, assert.AnError, err)
		assert.Equal(t, 1, calls)
	})
}

func Test_Store_CAS(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		// nil expected: create only if absent.
		require.NoError(t, s.CAS("k", nil, []byte("v1")))
		assert.Equal(t, ErrCASMismatch, s.CAS("k", nil, []byte("v2")))

		// Swap succeeds only against the current value.
		require.NoError(t, s.CAS("k", []byte("v1"), []byte("v2")))
		assert.Equal(t, ErrCASMismatch, s.CAS("k", []byte("v1"), []byte("v3")))

		v, err := s.Get("k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), v)

		assert.Equal(t, ErrNotFound, s.CAS("missing", []byte("x"), []byte("y")))
	})
}

// Stored values are isolated from later mutation of the caller's buffer.
func Test_Store_ValueIsolation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		buf := []byte("original")
		require.NoError(t, s.Put("k", buf))
		buf[0] = 'X'

		v, err := s.Get("k")
		require.NoError(t, err)
		assert.Equal(t, []byte("original"), v)
	})
}

func Test_MemoryStore_GCExpiresOldEntries(t *testing.T) {
	s := MakeMemoryStore(20*time.Millisecond, 5*time.Millisecond)
	defer s.Close()

	require.NoError(t, s.Put("k", []byte("v")))

	deadline := time.Now().Add(time.Second)
	for {
		if _, err := s.Get("k"); err == ErrNotFound {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("entry never expired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
