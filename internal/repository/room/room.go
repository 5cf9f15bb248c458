// Package room stores repository records as state events inside Matrix
// rooms on an upstream homeserver. Each kind gets its own private room,
// found through the alias #hghs-<kind>:<server>; each item is the state
// event (io.hghs.repository.<kind>, <item id>).
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/lalith-99/hghs/internal/matrix"
	"github.com/lalith-99/hghs/internal/matrixclient"
	"github.com/lalith-99/hghs/internal/repository"
	"go.uber.org/zap"
)

const (
	// RoomType is set as creation_content.type on every repository room.
	RoomType = "io.hghs.repository"

	aliasPrefix = "hghs-"
)

// itemContent is the content of an item state event. A state event with
// no item is a tombstone left by Delete, since state cannot be removed.
type itemContent struct {
	Unique string          `json:"unique,omitempty"`
	Item   json.RawMessage `json:"item,omitempty"`
}

// EventType returns the state event type used for kind.
func EventType(kind string) string {
	return RoomType + "." + kind
}

// Driver shares one authenticated client between all kinds.
type Driver struct {
	client   *matrixclient.Client
	username string
	password string
	logger   *zap.Logger

	sessionMu sync.Mutex
	session   bool
}

var (
	_ repository.Driver        = (*Driver)(nil)
	_ repository.HealthChecker = (*Driver)(nil)
)

// NewDriver logs in with username/password on first Initialize. If
// username is empty the client must already carry an access token.
func NewDriver(client *matrixclient.Client, username, password string, logger *zap.Logger) *Driver {
	return &Driver{
		client:   client,
		username: username,
		password: password,
		logger:   logger.Named("room-backend"),
	}
}

func (d *Driver) Name() string { return "room" }

func (d *Driver) Backend(kind string) repository.Backend {
	return &Backend{driver: d, kind: kind, eventType: EventType(kind)}
}

func (d *Driver) Close() error { return nil }

// Health checks that the upstream homeserver still accepts our token.
func (d *Driver) Health(ctx context.Context) error {
	if _, err := d.ensureSession(ctx); err != nil {
		return err
	}
	_, err := d.client.WhoAmI(ctx)
	return err
}

func (d *Driver) ensureSession(ctx context.Context) (matrix.UserID, error) {
	d.sessionMu.Lock()
	defer d.sessionMu.Unlock()

	if !d.session {
		if d.username != "" {
			if _, err := d.client.Login(ctx, d.username, d.password); err != nil {
				return matrix.UserID{}, err
			}
		} else if _, err := d.client.WhoAmI(ctx); err != nil {
			return matrix.UserID{}, err
		}
		d.session = true
	}
	return matrix.ParseUserID(d.client.UserID())
}

// Backend is the state of one kind. Writes are serialized in process; the
// read-check-write in Create is only atomic for writers sharing this
// Backend.
type Backend struct {
	driver    *Driver
	kind      string
	eventType string

	mu     sync.Mutex
	roomID string
}

var _ repository.Backend = (*Backend)(nil)

// Initialize resolves the kind's room, creating it on first use.
func (b *Backend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.roomID != "" {
		return nil
	}
	user, err := b.driver.ensureSession(ctx)
	if err != nil {
		return fmt.Errorf("room backend session: %w", err)
	}
	alias, err := matrix.NewRoomAlias(aliasPrefix+b.kind, user.Server())
	if err != nil {
		return err
	}

	roomID, err := b.driver.client.ResolveAlias(ctx, alias.String())
	if matrix.IsCode(err, matrix.CodeNotFound) {
		roomID, err = b.createRoom(ctx, alias)
	}
	if err != nil {
		return fmt.Errorf("resolve repository room %s: %w", alias, err)
	}

	b.roomID = roomID
	b.driver.logger.Info("repository room ready",
		zap.String("kind", b.kind),
		zap.String("room_id", roomID),
		zap.String("alias", alias.String()),
	)
	return nil
}

func (b *Backend) createRoom(ctx context.Context, alias matrix.RoomAlias) (string, error) {
	resp, err := b.driver.client.CreateRoom(ctx, matrixclient.CreateRoomRequest{
		Visibility:      string(matrix.VisibilityPrivate),
		Preset:          "private_chat",
		RoomAliasName:   aliasPrefix + b.kind,
		Name:            "hghs " + b.kind,
		CreationContent: map[string]any{"type": RoomType},
	})
	if matrix.IsCode(err, matrix.CodeRoomInUse) {
		// Another instance created it between our lookup and create.
		return b.driver.client.ResolveAlias(ctx, alias.String())
	}
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (b *Backend) room() (string, error) {
	if b.roomID == "" {
		return "", fmt.Errorf("room backend for %s not initialized", b.kind)
	}
	return b.roomID, nil
}

func (b *Backend) Create(ctx context.Context, rec repository.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	items, err := b.list(ctx)
	if err != nil {
		return err
	}
	for _, existing := range items {
		if existing.ID == rec.ID || (rec.Unique != "" && existing.Unique == rec.Unique) {
			return repository.ErrConflict
		}
	}
	return b.put(ctx, rec)
}

func (b *Backend) Get(ctx context.Context, id string) (repository.Record, error) {
	b.mu.Lock()
	roomID, err := b.room()
	b.mu.Unlock()
	if err != nil {
		return repository.Record{}, err
	}

	raw, err := b.driver.client.GetStateEvent(ctx, roomID, b.eventType, id)
	if matrix.IsCode(err, matrix.CodeNotFound) {
		return repository.Record{}, repository.ErrNotFound
	}
	if err != nil {
		return repository.Record{}, err
	}
	content, err := decodeContent(raw)
	if err != nil {
		return repository.Record{}, fmt.Errorf("item %q: %w", id, err)
	}
	if len(content.Item) == 0 {
		return repository.Record{}, repository.ErrNotFound
	}
	return repository.Record{ID: id, Unique: content.Unique, Data: content.Item}, nil
}

func (b *Backend) List(ctx context.Context) ([]repository.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.list(ctx)
}

func (b *Backend) list(ctx context.Context) ([]repository.Record, error) {
	roomID, err := b.room()
	if err != nil {
		return nil, err
	}
	events, err := b.driver.client.GetRoomState(ctx, roomID)
	if err != nil {
		return nil, err
	}

	recs := make([]repository.Record, 0, len(events))
	for _, ev := range events {
		if ev.Type != b.eventType {
			continue
		}
		content, err := decodeContent(ev.Content)
		if err != nil {
			b.driver.logger.Warn("skipping undecodable repository item",
				zap.String("kind", b.kind),
				zap.String("state_key", ev.StateKey),
				zap.Error(err),
			)
			continue
		}
		if len(content.Item) == 0 {
			continue
		}
		recs = append(recs, repository.Record{ID: ev.StateKey, Unique: content.Unique, Data: content.Item})
	}
	return recs, nil
}

func (b *Backend) Update(ctx context.Context, rec repository.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	items, err := b.list(ctx)
	if err != nil {
		return err
	}
	found := false
	for _, existing := range items {
		if existing.ID == rec.ID {
			found = true
			continue
		}
		if rec.Unique != "" && existing.Unique == rec.Unique {
			return repository.ErrConflict
		}
	}
	if !found {
		return repository.ErrNotFound
	}
	return b.put(ctx, rec)
}

// Delete overwrites the item's state event with empty content.
//
// Why a tombstone and not a redaction?
// Matrix has no way to remove a state key from a room, and a redacted
// event still occupies its key in current state. An empty itemContent is
// written instead, and Get and List treat it as absent. Creating the same
// ID later overwrites the tombstone.
func (b *Backend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	roomID, err := b.room()
	if err != nil {
		return err
	}
	raw, err := b.driver.client.GetStateEvent(ctx, roomID, b.eventType, id)
	if matrix.IsCode(err, matrix.CodeNotFound) {
		return repository.ErrNotFound
	}
	if err != nil {
		return err
	}
	if content, err := decodeContent(raw); err == nil && len(content.Item) == 0 {
		return repository.ErrNotFound
	}
	if _, err := b.driver.client.SendStateEvent(ctx, roomID, b.eventType, id, itemContent{}); err != nil {
		return err
	}
	return nil
}

func (b *Backend) put(ctx context.Context, rec repository.Record) error {
	roomID, err := b.room()
	if err != nil {
		return err
	}
	content := itemContent{Unique: rec.Unique, Item: rec.Data}
	if _, err := b.driver.client.SendStateEvent(ctx, roomID, b.eventType, rec.ID, content); err != nil {
		return err
	}
	return nil
}

func decodeContent(raw json.RawMessage) (itemContent, error) {
	var content itemContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return itemContent{}, errors.Join(repository.ErrInvalidItem, err)
	}
	return content, nil
}
