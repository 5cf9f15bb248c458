package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Schema describes how a Go type is stored.
type Schema[T any] struct {
	// Kind names the collection, e.g. "users". Backends namespace by it.
	Kind string

	ID    func(T) string
	SetID func(*T, string)

	// NewID generates ids for drafts without one. Defaults to a random UUID.
	NewID func() string

	// Unique returns the value that must be unique within Kind, or "" when
	// the item carries no such constraint. May be nil.
	Unique func(T) string

	// Valid is the shape predicate. It runs before every write and on
	// every decoded item.
	Valid func(T) bool
}

// Store implements Repository[T] on top of a non-generic Backend.
type Store[T any] struct {
	backend Backend
	schema  Schema[T]
}

var _ Repository[struct{}] = (*Store[struct{}])(nil)

func NewStore[T any](backend Backend, schema Schema[T]) *Store[T] {
	if schema.NewID == nil {
		schema.NewID = uuid.NewString
	}
	return &Store[T]{backend: backend, schema: schema}
}

func (s *Store[T]) Initialize(ctx context.Context) error {
	if err := s.backend.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize %s: %w", s.schema.Kind, err)
	}
	return nil
}

func (s *Store[T]) CreateItem(ctx context.Context, draft T) (T, error) {
	var zero T
	if s.schema.ID(draft) == "" {
		s.schema.SetID(&draft, s.schema.NewID())
	}
	rec, err := s.encode(draft)
	if err != nil {
		return zero, err
	}
	if err := s.backend.Create(ctx, rec); err != nil {
		return zero, fmt.Errorf("create %s %q: %w", s.schema.Kind, rec.ID, err)
	}
	return s.decode(rec)
}

func (s *Store[T]) FindByID(ctx context.Context, id string) (T, error) {
	var zero T
	rec, err := s.backend.Get(ctx, id)
	if err != nil {
		return zero, fmt.Errorf("find %s %q: %w", s.schema.Kind, id, err)
	}
	return s.decode(rec)
}

func (s *Store[T]) FindBy(ctx context.Context, match func(T) bool) (T, error) {
	var zero T
	items, err := s.GetAll(ctx)
	if err != nil {
		return zero, err
	}
	for _, item := range items {
		if match(item) {
			return item, nil
		}
	}
	return zero, fmt.Errorf("find %s: %w", s.schema.Kind, ErrNotFound)
}

// GetAll skips records that no longer satisfy the shape predicate, so one
// foreign or corrupt entry does not make the whole collection unreadable.
func (s *Store[T]) GetAll(ctx context.Context) ([]T, error) {
	recs, err := s.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.schema.Kind, err)
	}
	items := make([]T, 0, len(recs))
	for _, rec := range recs {
		item, err := s.decode(rec)
		if err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Store[T]) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.backend.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %s %q: %w", s.schema.Kind, id, err)
	}
	return true, nil
}

func (s *Store[T]) UpdateItem(ctx context.Context, item T) (T, error) {
	var zero T
	if s.schema.ID(item) == "" {
		return zero, fmt.Errorf("update %s: missing id: %w", s.schema.Kind, ErrInvalidItem)
	}
	rec, err := s.encode(item)
	if err != nil {
		return zero, err
	}
	if err := s.backend.Update(ctx, rec); err != nil {
		return zero, fmt.Errorf("update %s %q: %w", s.schema.Kind, rec.ID, err)
	}
	return s.decode(rec)
}

func (s *Store[T]) DeleteItem(ctx context.Context, id string) error {
	if err := s.backend.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete %s %q: %w", s.schema.Kind, id, err)
	}
	return nil
}

func (s *Store[T]) encode(item T) (Record, error) {
	if s.schema.Valid != nil && !s.schema.Valid(item) {
		return Record{}, fmt.Errorf("%s %q: %w", s.schema.Kind, s.schema.ID(item), ErrInvalidItem)
	}
	data, err := json.Marshal(item)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s: %w", s.schema.Kind, err)
	}
	rec := Record{ID: s.schema.ID(item), Data: data}
	if s.schema.Unique != nil {
		rec.Unique = s.schema.Unique(item)
	}
	return rec, nil
}

func (s *Store[T]) decode(rec Record) (T, error) {
	var item T
	if err := json.Unmarshal(rec.Data, &item); err != nil {
		return item, fmt.Errorf("decode %s %q: %v: %w", s.schema.Kind, rec.ID, err, ErrInvalidItem)
	}
	if s.schema.ID(item) != rec.ID {
		var zero T
		return zero, fmt.Errorf("decode %s %q: id mismatch: %w", s.schema.Kind, rec.ID, ErrInvalidItem)
	}
	if s.schema.Valid != nil && !s.schema.Valid(item) {
		var zero T
		return zero, fmt.Errorf("decode %s %q: %w", s.schema.Kind, rec.ID, ErrInvalidItem)
	}
	return item, nil
}
