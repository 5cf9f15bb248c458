package repository

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrNotFound = errors.New("item not found")
	// ErrConflict is returned when an id or unique key is already taken.
	ErrConflict = errors.New("item conflicts with an existing item")
	// ErrInvalidItem is returned when an item fails its schema's shape check,
	// either before writing or after decoding what a backend returned.
	ErrInvalidItem = errors.New("invalid item")
)

// Repository is the storage contract the service layer depends on. Every
// method that may touch the network takes ctx first.
type Repository[T any] interface {
	// Initialize connects the backend. It must be called before any other
	// method and is safe to call more than once.
	Initialize(ctx context.Context) error

	// CreateItem assigns an id if the draft has none, persists the item and
	// returns the stored form. The id and unique-key checks and the write
	// happen in one critical section; a collision returns ErrConflict.
	CreateItem(ctx context.Context, draft T) (T, error)

	// FindByID returns ErrNotFound when there is no such item.
	FindByID(ctx context.Context, id string) (T, error)

	// FindBy returns the first item matching match, or ErrNotFound.
	FindBy(ctx context.Context, match func(T) bool) (T, error)

	// GetAll returns every item. Order is backend specific.
	GetAll(ctx context.Context) ([]T, error)

	Exists(ctx context.Context, id string) (bool, error)

	// UpdateItem replaces an existing item. ErrNotFound if it does not exist.
	UpdateItem(ctx context.Context, item T) (T, error)

	DeleteItem(ctx context.Context, id string) error
}

// Record is the backend-level representation of one item: its id, the
// optional uniqueness key, and the JSON encoding of the item itself.
type Record struct {
	ID     string
	Unique string
	Data   json.RawMessage
}

// Backend stores the records of a single kind. Implementations must make
// Create atomic with respect to other Creates and Updates on the same kind.
type Backend interface {
	Initialize(ctx context.Context) error
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context) ([]Record, error)
	Update(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
}

// HealthChecker is implemented by drivers that depend on an external
// service. The readiness endpoint reports its result.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Driver hands out one Backend per kind. It is chosen once at startup.
type Driver interface {
	Name() string
	Backend(kind string) Backend
	Close() error
}
