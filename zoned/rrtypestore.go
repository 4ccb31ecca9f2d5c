package zoned

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

// RRTypeStore maps rrtype to RRset for one owner name. Backed by a
// concurrent map so readers observe either the old or the new RRset for
// a type, never a partial one.
type RRTypeStore struct {
	data cmap.ConcurrentMap[uint16, RRset]
}

func NewRRTypeStore() *RRTypeStore {
	return &RRTypeStore{
		data: cmap.NewWithCustomShardingFunction[uint16, RRset](func(key uint16) uint32 {
			return uint32(key)
		}),
	}
}

func (s *RRTypeStore) Get(key uint16) (RRset, bool) {
	return s.data.Get(key)
}

func (s *RRTypeStore) GetOnlyRRSet(key uint16) RRset {
	rrset, _ := s.data.Get(key)
	return rrset
}

func (s *RRTypeStore) Set(key uint16, value RRset) {
	s.data.Set(key, value)
}

// Upsert applies fn atomically to the current RRset for key and stores
// the result. exists is false when no RRset of that type was present.
func (s *RRTypeStore) Upsert(key uint16, fn func(cur RRset, exists bool) RRset) RRset {
	return s.data.Upsert(key, RRset{}, func(exist bool, cur RRset, _ RRset) RRset {
		return fn(cur, exist)
	})
}

func (s *RRTypeStore) Delete(key uint16) {
	s.data.Remove(key)
}

func (s *RRTypeStore) Has(key uint16) bool {
	return s.data.Has(key)
}

func (s *RRTypeStore) Count() int {
	return s.data.Count()
}

func (s *RRTypeStore) Keys() []uint16 {
	return s.data.Keys()
}
