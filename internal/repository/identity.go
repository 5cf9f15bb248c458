package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/lalith-99/hghs/internal/models"
)

const (
	KindUsers   = "users"
	KindDevices = "devices"
	KindRooms   = "rooms"
	KindEvents  = "events"
)

var UserSchema = Schema[models.User]{
	Kind:   KindUsers,
	ID:     func(u models.User) string { return u.ID },
	SetID:  func(u *models.User, id string) { u.ID = id },
	Unique: func(u models.User) string { return u.Username },
	Valid: func(u models.User) bool {
		return strings.HasPrefix(u.ID, "@") &&
			u.Username != "" &&
			u.PasswordHash != "" &&
			u.Salt != ""
	},
}

var DeviceSchema = Schema[models.Device]{
	Kind:  KindDevices,
	ID:    func(d models.Device) string { return d.ID },
	SetID: func(d *models.Device, id string) { d.ID = id },
	Valid: func(d models.Device) bool {
		return d.UserID != "" &&
			d.DeviceID != "" &&
			d.ID == models.DeviceKey(d.UserID, d.DeviceID)
	},
}

var RoomSchema = Schema[models.Room]{
	Kind:   KindRooms,
	ID:     func(r models.Room) string { return r.ID },
	SetID:  func(r *models.Room, id string) { r.ID = id },
	Unique: func(r models.Room) string { return r.Alias },
	Valid: func(r models.Room) bool {
		return strings.HasPrefix(r.ID, "!") &&
			r.Version != "" &&
			r.Creator != ""
	},
}

var EventSchema = Schema[models.Event]{
	Kind:  KindEvents,
	ID:    func(e models.Event) string { return e.ID },
	SetID: func(e *models.Event, id string) { e.ID = id },
	NewID: func() string { return "$" + uuid.NewString() },
	Valid: func(e models.Event) bool {
		return strings.HasPrefix(e.ID, "$") &&
			e.RoomID != "" &&
			e.Type != "" &&
			e.Sender != "" &&
			isJSONObject(e.Content)
	},
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

// Identities groups the four repositories the homeserver needs. They share
// one Driver and are initialized together.
type Identities struct {
	Users   Repository[models.User]
	Devices Repository[models.Device]
	Rooms   Repository[models.Room]
	Events  Repository[models.Event]
}

func NewIdentities(driver Driver) *Identities {
	return &Identities{
		Users:   NewStore(driver.Backend(KindUsers), UserSchema),
		Devices: NewStore(driver.Backend(KindDevices), DeviceSchema),
		Rooms:   NewStore(driver.Backend(KindRooms), RoomSchema),
		Events:  NewStore(driver.Backend(KindEvents), EventSchema),
	}
}

func (i *Identities) Initialize(ctx context.Context) error {
	if err := i.Users.Initialize(ctx); err != nil {
		return err
	}
	if err := i.Devices.Initialize(ctx); err != nil {
		return err
	}
	if err := i.Rooms.Initialize(ctx); err != nil {
		return err
	}
	return i.Events.Initialize(ctx)
}
