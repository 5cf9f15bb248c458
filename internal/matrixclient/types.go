package matrixclient

import "encoding/json"

type UserIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type LoginRequest struct {
	Type                     string          `json:"type"`
	Identifier               *UserIdentifier `json:"identifier,omitempty"`
	Password                 string          `json:"password"`
	DeviceID                 string          `json:"device_id,omitempty"`
	InitialDeviceDisplayName string          `json:"initial_device_display_name,omitempty"`
}

type LoginResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
	HomeServer  string `json:"home_server,omitempty"`
}

type WhoAmIResponse struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
	IsGuest  bool   `json:"is_guest"`
}

type CreateRoomRequest struct {
	Visibility      string         `json:"visibility,omitempty"`
	RoomAliasName   string         `json:"room_alias_name,omitempty"`
	Name            string         `json:"name,omitempty"`
	Topic           string         `json:"topic,omitempty"`
	Invite          []string       `json:"invite,omitempty"`
	RoomVersion     string         `json:"room_version,omitempty"`
	CreationContent map[string]any `json:"creation_content,omitempty"`
	Preset          string         `json:"preset,omitempty"`
}

type CreateRoomResponse struct {
	RoomID    string `json:"room_id"`
	RoomAlias string `json:"room_alias,omitempty"`
}

type ResolveAliasResponse struct {
	RoomID  string   `json:"room_id"`
	Servers []string `json:"servers,omitempty"`
}

type SendEventResponse struct {
	EventID string `json:"event_id"`
}

// StateEvent is one entry of GET /rooms/{roomId}/state.
type StateEvent struct {
	EventID        string          `json:"event_id"`
	Type           string          `json:"type"`
	StateKey       string          `json:"state_key"`
	Sender         string          `json:"sender"`
	Content        json.RawMessage `json:"content"`
	OriginServerTS int64           `json:"origin_server_ts"`
}
