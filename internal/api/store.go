package api

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/qdqpack/internal/compiler"
)

// DefaultMaxResults bounds a CompileStore created with a non-positive limit.
const DefaultMaxResults = 16

type compileRecord struct {
	Response CompileResponse
	Result   *compiler.Result
}

// CompileStore keeps finished compiles in memory. Once full, the oldest entry
// is evicted.
type CompileStore struct {
	mu      sync.Mutex
	max     int
	order   []string
	records map[string]*compileRecord
}

func NewCompileStore(maxResults int) *CompileStore {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	return &CompileStore{
		max:     maxResults,
		records: make(map[string]*compileRecord),
	}
}

// Save records res and returns its response with a fresh id.
func (s *CompileStore) Save(weights string, res *compiler.Result, now time.Time) CompileResponse {
	resp := CompileResponse{
		ID:          newCompileID(),
		Object:      "compile",
		CreatedAt:   now.Unix(),
		Weights:     weights,
		WeightBytes: len(res.Weights),
		RTPBytes:    len(res.RTP),
		Manifest:    res.Manifest,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.order) >= s.max {
		delete(s.records, s.order[0])
		s.order = s.order[1:]
	}
	s.records[resp.ID] = &compileRecord{Response: resp, Result: res}
	s.order = append(s.order, resp.ID)
	return resp
}

func (s *CompileStore) Get(id string) (*compileRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

func (s *CompileStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return false
	}
	delete(s.records, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *CompileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func newCompileID() string {
	return "cmp_" + uuid.NewString()
}
