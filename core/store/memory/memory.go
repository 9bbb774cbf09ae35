// Package memory implements an in-process document store. It is used for tests and for
// running the server without a database.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/relabs-tech/docrest/core/filter"
	"github.com/relabs-tech/docrest/core/store"
)

// Store is a memory store
type Store struct {
	mu          sync.Mutex
	collections map[string]*Collection
}

// New returns an empty memory store
func New() *Store {
	return &Store{collections: map[string]*Collection{}}
}

// Collection implements store.Store
func (s *Store) Collection(ctx context.Context, name string, indexes store.Indexes) (store.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		c = &Collection{name: name, docs: map[uuid.UUID]*record{}}
		s.collections[name] = c
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, field := range indexes.Unique {
		if !slices.Contains(c.unique, field) {
			c.unique = append(c.unique, field)
		}
	}
	return c, nil
}

// Close implements store.Store
func (s *Store) Close() error {
	return nil
}

type record struct {
	seq     int64
	data    []byte
	decoded map[string]interface{}
}

// Collection is a memory collection
type Collection struct {
	name   string
	mu     sync.RWMutex
	seq    int64
	docs   map[uuid.UUID]*record
	unique []string
}

// Name implements store.Collection
func (c *Collection) Name() string {
	return c.name
}

func decode(doc []byte) (map[string]interface{}, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("cannot decode document: %w", err)
	}
	return m, nil
}

// Insert implements store.Collection
func (c *Collection) Insert(ctx context.Context, id uuid.UUID, doc []byte) error {
	decoded, err := decode(doc)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[id]; ok {
		return store.ErrDuplicate
	}
	if err := c.checkUnique(id, decoded); err != nil {
		return err
	}
	c.seq++
	c.docs[id] = &record{seq: c.seq, data: append([]byte(nil), doc...), decoded: decoded}
	return nil
}

// Get implements store.Collection
func (c *Collection) Get(ctx context.Context, id uuid.UUID, where filter.Predicate) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.docs[id]
	if !ok || !where.Matches(r.decoded) {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), r.data...), nil
}

// Find implements store.Collection
func (c *Collection) Find(ctx context.Context, q store.Query) ([][]byte, int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var matches []*record
	for _, r := range c.docs {
		if q.Where.Matches(r.decoded) {
			matches = append(matches, r)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		for _, key := range q.Sort {
			cmp := compareValues(matches[i].decoded[key.Field], matches[j].decoded[key.Field])
			if cmp == 0 {
				continue
			}
			if key.Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return matches[i].seq < matches[j].seq
	})

	total := len(matches)
	docs := [][]byte{}
	if q.Offset >= total {
		return docs, total, nil
	}
	end := total
	if q.Limit > 0 && q.Offset+q.Limit < end {
		end = q.Offset + q.Limit
	}
	for _, r := range matches[q.Offset:end] {
		docs = append(docs, append([]byte(nil), r.data...))
	}
	return docs, total, nil
}

// Replace implements store.Collection
func (c *Collection) Replace(ctx context.Context, id uuid.UUID, where filter.Predicate, doc []byte) error {
	decoded, err := decode(doc)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.docs[id]
	if !ok || !where.Matches(r.decoded) {
		return store.ErrNotFound
	}
	if err := c.checkUnique(id, decoded); err != nil {
		return err
	}
	r.data = append([]byte(nil), doc...)
	r.decoded = decoded
	return nil
}

// checkUnique fails if a document other than id has the same value for a unique field.
// The caller holds the write lock.
func (c *Collection) checkUnique(id uuid.UUID, decoded map[string]interface{}) error {
	for _, field := range c.unique {
		value, ok := decoded[field]
		if !ok || value == nil {
			continue
		}
		for other, r := range c.docs {
			if other != id && sameValue(r.decoded[field], value) {
				return &store.DuplicateError{Field: field}
			}
		}
	}
	return nil
}

// sameValue compares scalar JSON values. Objects and arrays never conflict.
func sameValue(a, b interface{}) bool {
	switch a.(type) {
	case string, float64, bool:
		return a == b
	}
	return false
}

// Delete implements store.Collection
func (c *Collection) Delete(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[id]; !ok {
		return store.ErrNotFound
	}
	delete(c.docs, id)
	return nil
}

// Exists implements store.Collection
func (c *Collection) Exists(ctx context.Context, where filter.Predicate) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.docs {
		if where.Matches(r.decoded) {
			return true, nil
		}
	}
	return false, nil
}

// compareValues orders decoded JSON values. Missing values come first, strings which are
// timestamps are compared as time.
func compareValues(a, b interface{}) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			}
			return 1
		}
	case string:
		if bv, ok := b.(string); ok {
			at, aerr := time.Parse(time.RFC3339Nano, av)
			bt, berr := time.Parse(time.RFC3339Nano, bv)
			if aerr == nil && berr == nil {
				return at.Compare(bt)
			}
			return strings.Compare(av, bv)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
