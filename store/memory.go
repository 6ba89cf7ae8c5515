package store

import (
	"bytes"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// In-memory implementation of Store, DOES NOT durably persist values.
// Implements GC of entries based on time expiration, used to archive jobs
// after their TTL. GC should be set at a duration that realistically will
// not purge active jobs.
type memoryStore struct {
	mutex    sync.RWMutex
	data     map[string]entry
	ttl      time.Duration
	gcTicker *time.Ticker
}

type entry struct {
	value   []byte
	written time.Time
}

// MakeMemoryStore returns an in-memory Store.
// ttl: duration after which an entry is eligible for GC. A zero duration is
// interpreted as "never gc" (the store will eventually consume all memory).
// gcInterval: interval at which GC runs.
func MakeMemoryStore(ttl, gcInterval time.Duration) Store {
	s := &memoryStore{
		data: map[string]entry{},
		ttl:  ttl,
	}
	if ttl != 0 {
		s.gcTicker = time.NewTicker(gcInterval)
		go func() {
			for range s.gcTicker.C {
				s.gc()
			}
		}()
	}
	return s
}

// MakeMemoryStoreNoGC returns a non-GCing in-memory Store, for tests.
func MakeMemoryStoreNoGC() Store {
	return MakeMemoryStore(0, 0)
}

func (s *memoryStore) Put(key string, value []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.data[key] = entry{value: append([]byte{}, value...), written: time.Now()}
	return nil
}

func (s *memoryStore) Get(key string) ([]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	e, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte{}, e.value...), nil
}

func (s *memoryStore) Delete(key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memoryStore) Scan(prefix string, fn func(key string, value []byte) error) error {
	s.mutex.RLock()
	snapshot := map[string][]byte{}
	for k, e := range s.data {
		if strings.HasPrefix(k, prefix) {
			snapshot[k] = append([]byte{}, e.value...)
		}
	}
	s.mutex.RUnlock()

	for k, v := range snapshot {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *memoryStore) CAS(key string, expected, value []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, ok := s.data[key]
	if expected == nil {
		if ok {
			return ErrCASMismatch
		}
	} else {
		if !ok {
			return ErrNotFound
		}
		if !bytes.Equal(e.value, expected) {
			return ErrCASMismatch
		}
	}
	s.data[key] = entry{value: append([]byte{}, value...), written: time.Now()}
	return nil
}

func (s *memoryStore) Close() error {
	if s.gcTicker != nil {
		s.gcTicker.Stop()
	}
	return nil
}

func (s *memoryStore) gc() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	expired := []string{}
	for k, e := range s.data {
		if time.Since(e.written) > s.ttl {
			expired = append(expired, k)
		}
	}
	for _, k := range expired {
		delete(s.data, k)
	}
	if len(expired) > 0 {
		log.Infof("memory store gc'd %d expired entries", len(expired))
	}
}
