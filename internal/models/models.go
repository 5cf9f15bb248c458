package models

import (
	"encoding/json"
	"time"
)

// User is a local account. UserID is "@Username:host" and never changes
// once created; Username is unique across the server.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name,omitempty"`
	PasswordHash string    `json:"password_hash"`
	Salt         string    `json:"salt"`
	Iterations   int       `json:"iterations"`
	Admin        bool      `json:"admin,omitempty"`
	UserType     string    `json:"user_type,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Device belongs to exactly one user. AccessTokenRef is the jti of the only
// token currently accepted for this device; deleting the device revokes it.
//
// Device IDs are only unique per user, so the stored ID is DeviceKey.
type Device struct {
	ID             string    `json:"id"`
	DeviceID       string    `json:"device_id"`
	UserID         string    `json:"user_id"`
	DisplayName    string    `json:"display_name,omitempty"`
	AccessTokenRef string    `json:"access_token_ref,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// DeviceKey is the storage id of a user's device.
func DeviceKey(userID, deviceID string) string {
	return userID + "|" + deviceID
}

// Room is the metadata record for a room. Its m.room.create event is always
// written before this record, so a Room that can be found always has one.
type Room struct {
	ID          string    `json:"id"`
	Version     string    `json:"version"`
	Visibility  string    `json:"visibility"`
	Creator     string    `json:"creator"`
	Alias       string    `json:"alias,omitempty"`
	ForgottenBy []string  `json:"forgotten_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsForgottenBy reports whether userID has forgotten the room.
func (r Room) IsForgottenBy(userID string) bool {
	for _, u := range r.ForgottenBy {
		if u == userID {
			return true
		}
	}
	return false
}

// Event is a timeline entry. A non-nil StateKey makes it a state event.
//
// StreamOrdering is the server-wide position assigned when the event was
// appended; sync tokens are built from it. TxnID and SenderDeviceID are
// only set for client sends and are used to deduplicate retries.
type Event struct {
	ID             string          `json:"event_id"`
	RoomID         string          `json:"room_id"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Sender         string          `json:"sender"`
	Content        json.RawMessage `json:"content"`
	OriginServerTS int64           `json:"origin_server_ts"`
	StreamOrdering int64           `json:"stream_ordering"`
	TxnID          string          `json:"txn_id,omitempty"`
	SenderDeviceID string          `json:"sender_device_id,omitempty"`
}

// IsState reports whether the event occupies a (type, state_key) slot.
func (e Event) IsState() bool { return e.StateKey != nil }

// StateKeyOf returns the state key or "" for timeline events.
func (e Event) StateKeyOf() string {
	if e.StateKey == nil {
		return ""
	}
	return *e.StateKey
}

// ClientEvent is the client-facing projection of an Event.
type ClientEvent struct {
	EventID        string          `json:"event_id"`
	RoomID         string          `json:"room_id,omitempty"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Sender         string          `json:"sender"`
	Content        json.RawMessage `json:"content"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Unsigned       *Unsigned       `json:"unsigned,omitempty"`
}

type Unsigned struct {
	TransactionID string `json:"transaction_id,omitempty"`
}

// ToClient projects the event for a client. The transaction id is echoed
// only to the device that sent it. Device IDs are only unique per user, so
// the viewer's user ID has to match the sender as well.
func (e Event) ToClient(viewerUserID, viewerDeviceID string) ClientEvent {
	ce := ClientEvent{
		EventID:        e.ID,
		RoomID:         e.RoomID,
		Type:           e.Type,
		StateKey:       e.StateKey,
		Sender:         e.Sender,
		Content:        e.Content,
		OriginServerTS: e.OriginServerTS,
	}
	if e.TxnID != "" && viewerDeviceID != "" &&
		e.Sender == viewerUserID && e.SenderDeviceID == viewerDeviceID {
		ce.Unsigned = &Unsigned{TransactionID: e.TxnID}
	}
	return ce
}

// StrippedEvent is the reduced state shown for invited rooms.
type StrippedEvent struct {
	Type     string          `json:"type"`
	StateKey string          `json:"state_key"`
	Sender   string          `json:"sender"`
	Content  json.RawMessage `json:"content"`
}

func (e Event) ToStripped() StrippedEvent {
	return StrippedEvent{
		Type:     e.Type,
		StateKey: e.StateKeyOf(),
		Sender:   e.Sender,
		Content:  e.Content,
	}
}
