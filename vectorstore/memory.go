package vectorstore

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"sort"
	"sync"
)

// MemoryStore is an in-process VectorStore using exact cosine search.
// It honors the same Filter semantics as the Qdrant adapter.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document)}
}

func (s *MemoryStore) Upsert(_ context.Context, docs []Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range docs {
		s.docs[doc.ID] = doc
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.docs, id)
	}
	return nil
}

func (s *MemoryStore) DeleteByField(_ context.Context, field, value string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, doc := range s.docs {
		if payloadString(doc.Payload, field) == value {
			delete(s.docs, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Search(_ context.Context, vector []float64, filter *Filter, limit int, scoreThreshold float64) ([]SearchResult, error) {
	if limit <= 0 {
		return []SearchResult{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]SearchResult, 0, len(s.docs))
	for _, doc := range s.docs {
		if !matchesFilter(doc.Payload, filter) {
			continue
		}
		score := cosine(vector, doc.Vector)
		if scoreThreshold > 0 && score < scoreThreshold {
			continue
		}
		results = append(results, SearchResult{
			DocID:   doc.ID,
			Score:   score,
			Payload: doc.Payload,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocID < results[j].DocID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs), nil
}

// SnapshotSave serializes the documents as JSON.
func (s *MemoryStore) SnapshotSave(_ context.Context, w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := make([]Document, 0, len(s.docs))
	for _, doc := range s.docs {
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return json.NewEncoder(w).Encode(docs)
}

// SnapshotLoad replaces the store contents with the snapshot.
func (s *MemoryStore) SnapshotLoad(_ context.Context, r io.Reader) error {
	var docs []Document
	if err := json.NewDecoder(r).Decode(&docs); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = make(map[string]Document, len(docs))
	for _, doc := range docs {
		s.docs[doc.ID] = doc
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

// payloadValues returns the field as a string slice, accepting both a
// single string and a list (the shapes JSON round-trips produce).
func payloadValues(payload map[string]any, key string) []string {
	if payload == nil {
		return nil
	}
	switch v := payload[key].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func matchesFilter(payload map[string]any, filter *Filter) bool {
	if filter.IsEmpty() {
		return true
	}
	for key, want := range filter.Must {
		if !containsValue(payloadValues(payload, key), want) {
			return false
		}
	}
	for key, wants := range filter.Any {
		have := payloadValues(payload, key)
		found := false
		for _, want := range wants {
			if containsValue(have, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsValue(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
