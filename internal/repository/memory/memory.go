// Package memory keeps repository records in process memory. Everything is
// lost on restart; it is the default backend and the one tests use.
package memory

import (
	"context"
	"sync"

	"github.com/lalith-99/hghs/internal/repository"
)

// Backend holds the records of one kind behind a single mutex.
type Backend struct {
	mu     sync.Mutex
	items  map[string]repository.Record
	order  []string
	unique map[string]string
}

var _ repository.Backend = (*Backend)(nil)

func NewBackend() *Backend {
	return &Backend{
		items:  make(map[string]repository.Record),
		unique: make(map[string]string),
	}
}

func (b *Backend) Initialize(context.Context) error { return nil }

func (b *Backend) Create(_ context.Context, rec repository.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.items[rec.ID]; ok {
		return repository.ErrConflict
	}
	if rec.Unique != "" {
		if _, ok := b.unique[rec.Unique]; ok {
			return repository.ErrConflict
		}
		b.unique[rec.Unique] = rec.ID
	}
	b.items[rec.ID] = clone(rec)
	b.order = append(b.order, rec.ID)
	return nil
}

func (b *Backend) Get(_ context.Context, id string) (repository.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.items[id]
	if !ok {
		return repository.Record{}, repository.ErrNotFound
	}
	return clone(rec), nil
}

func (b *Backend) List(context.Context) ([]repository.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]repository.Record, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, clone(b.items[id]))
	}
	return out, nil
}

func (b *Backend) Update(_ context.Context, rec repository.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, ok := b.items[rec.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if rec.Unique != prev.Unique {
		if owner, taken := b.unique[rec.Unique]; rec.Unique != "" && taken && owner != rec.ID {
			return repository.ErrConflict
		}
		delete(b.unique, prev.Unique)
		if rec.Unique != "" {
			b.unique[rec.Unique] = rec.ID
		}
	}
	b.items[rec.ID] = clone(rec)
	return nil
}

func (b *Backend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.items[id]
	if !ok {
		return repository.ErrNotFound
	}
	delete(b.items, id)
	if rec.Unique != "" {
		delete(b.unique, rec.Unique)
	}
	for i, existing := range b.order {
		if existing == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return nil
}

func clone(rec repository.Record) repository.Record {
	rec.Data = append([]byte(nil), rec.Data...)
	return rec
}

// Driver creates one Backend per kind on first use.
type Driver struct {
	mu       sync.Mutex
	backends map[string]*Backend
}

var _ repository.Driver = (*Driver)(nil)

func NewDriver() *Driver {
	return &Driver{backends: make(map[string]*Backend)}
}

func (d *Driver) Name() string { return "memory" }

func (d *Driver) Backend(kind string) repository.Backend {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.backends[kind]
	if !ok {
		b = NewBackend()
		d.backends[kind] = b
	}
	return b
}

func (d *Driver) Close() error { return nil }
