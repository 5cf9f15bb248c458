// Package service implements the homeserver: accounts and access tokens,
// rooms and their state, membership, message sends and sync.
//
// Methods return *matrix.Error for every expected failure. Any other error
// is an internal failure; the HTTP layer logs it and answers with a
// generic M_UNKNOWN.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lalith-99/hghs/internal/auth"
	"github.com/lalith-99/hghs/internal/clock"
	"github.com/lalith-99/hghs/internal/matrix"
	"github.com/lalith-99/hghs/internal/nonce"
	"github.com/lalith-99/hghs/internal/repository"
	"go.uber.org/zap"
)

const (
	DefaultNonceTTL       = 5 * time.Minute
	DefaultSyncMaxTimeout = 30 * time.Second
)

type Config struct {
	// ServerName is the host part of every local user and room ID.
	ServerName string
	// PublicURL is advertised to clients in the login response.
	PublicURL string

	DefaultRoomVersion matrix.RoomVersion

	// RegistrationSharedSecret enables the Synapse admin registration
	// endpoint when non-empty.
	RegistrationSharedSecret string
	EnableRegistration       bool

	PasswordIterations int
	NonceTTL           time.Duration
	SyncMaxTimeout     time.Duration
}

// Deps are the collaborators constructed at startup.
type Deps struct {
	Repos       *repository.Identities
	Credentials *auth.CredentialService
	Tokens      *auth.TokenService
	Nonces      nonce.Store
	Clock       clock.Clock
	Logger      *zap.Logger
}

// Service holds no per-request state. Repositories are the only shared
// mutable state; the locks below only order writes to them.
type Service struct {
	cfg         Config
	repos       *repository.Identities
	credentials *auth.CredentialService
	tokens      *auth.TokenService
	nonces      nonce.Store
	clock       clock.Clock
	logger      *zap.Logger

	// roomLocks orders membership and state changes within one room.
	// Aliases are locked under "alias:"+alias so two createRoom calls
	// cannot both claim one.
	roomLocks *keyedMutex
	// deviceLocks covers the find-then-create of a device. Device IDs come
	// from the client, so two logins can race on the same key.
	deviceLocks *keyedMutex

	// streamMu serializes event appends so stream positions become visible
	// in order. Without it two appends could both read current()+1 and
	// store the same position.
	streamMu sync.Mutex
	stream   *notifier
}

func New(cfg Config, deps Deps) (*Service, error) {
	if cfg.ServerName == "" {
		return nil, fmt.Errorf("service: server name is required")
	}
	if deps.Repos == nil || deps.Tokens == nil {
		return nil, fmt.Errorf("service: repositories and token service are required")
	}
	if cfg.DefaultRoomVersion == "" {
		cfg.DefaultRoomVersion = "10"
	}
	if _, err := matrix.ParseRoomVersion(string(cfg.DefaultRoomVersion)); err != nil {
		return nil, fmt.Errorf("service: default room version: %w", err)
	}
	if cfg.PasswordIterations < auth.MinPasswordIterations {
		cfg.PasswordIterations = auth.MinPasswordIterations
	}
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = DefaultNonceTTL
	}
	if cfg.SyncMaxTimeout <= 0 {
		cfg.SyncMaxTimeout = DefaultSyncMaxTimeout
	}
	if deps.Credentials == nil {
		deps.Credentials = auth.NewCredentialService()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Nonces == nil {
		deps.Nonces = nonce.NewMemoryStore(deps.Clock)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	return &Service{
		cfg:         cfg,
		repos:       deps.Repos,
		credentials: deps.Credentials,
		tokens:      deps.Tokens,
		nonces:      deps.Nonces,
		clock:       deps.Clock,
		logger:      deps.Logger.Named("service"),
		roomLocks:   newKeyedMutex(),
		deviceLocks: newKeyedMutex(),
		stream:      newNotifier(),
	}, nil
}

// Initialize restores the stream position from stored events. Call it once
// after the repositories are initialized and before serving requests.
func (s *Service) Initialize(ctx context.Context) error {
	events, err := s.repos.Events.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	var maxPos int64
	for _, ev := range events {
		if ev.StreamOrdering > maxPos {
			maxPos = ev.StreamOrdering
		}
	}
	s.stream.advance(maxPos)
	s.logger.Info("service initialized",
		zap.String("server_name", s.cfg.ServerName),
		zap.Int64("stream_position", maxPos),
	)
	return nil
}

func (s *Service) ServerName() string { return s.cfg.ServerName }

func (s *Service) PublicURL() string { return s.cfg.PublicURL }

// keyedMutex hands out one mutex per key and forgets it when unused.
//
// Why not one mutex per Service?
// Membership changes in one room must not wait on a slow repository write
// for another. refs counts holders and waiters so the entry is dropped only
// when nobody can still be blocked on it, and the map stays the size of the
// set of keys currently in use.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
