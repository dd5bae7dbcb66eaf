package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// FileRegistry keeps bindings in a single JSON document, rewritten atomically
// on every change. Suited to single-node installs.
type FileRegistry struct {
	path string
	mu   sync.Mutex
	data map[string]Binding

	lockMu sync.Mutex
	locks  map[string]chan struct{}
}

func OpenFile(path string) (*FileRegistry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	r := &FileRegistry{path: path, data: map[string]Binding{}, locks: map[string]chan struct{}{}}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return r, nil
	}
	var list []Binding
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	for _, b := range list {
		r.data[b.GroupKey] = b
	}
	return r, nil
}

var _ Registry = (*FileRegistry)(nil)

func (r *FileRegistry) Get(_ context.Context, groupKey string) (Binding, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.data[groupKey]
	return b.Clone(), ok, nil
}

func (r *FileRegistry) Put(_ context.Context, b Binding) error {
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, had := r.data[b.GroupKey]
	r.data[b.GroupKey] = b.Clone()
	if err := r.save(); err != nil {
		if had {
			r.data[b.GroupKey] = prev
		} else {
			delete(r.data, b.GroupKey)
		}
		return err
	}
	return nil
}

func (r *FileRegistry) Delete(_ context.Context, groupKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, had := r.data[groupKey]
	if !had {
		return nil
	}
	delete(r.data, groupKey)
	if err := r.save(); err != nil {
		r.data[groupKey] = prev
		return err
	}
	return nil
}

func (r *FileRegistry) Keys(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.data)), nil
}

// Lock only excludes callers in this process; the file backend is meant for
// a single node.
func (r *FileRegistry) Lock(ctx context.Context, groupKey string) (func(), error) {
	r.lockMu.Lock()
	sem, ok := r.locks[groupKey]
	if !ok {
		sem = make(chan struct{}, 1)
		r.locks[groupKey] = sem
	}
	r.lockMu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-sem }) }, nil
}

func (r *FileRegistry) save() error {
	list := make([]Binding, 0, len(r.data))
	for _, k := range slices.Sorted(maps.Keys(r.data)) {
		list = append(list, r.data[k])
	}
	raw, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}
