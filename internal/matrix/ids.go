package matrix

import (
	"fmt"
	"strings"
)

// UserID is a validated Matrix user ID such as "@alice:example.org".
// The zero value is not valid; use IsZero to check.
type UserID struct {
	id string
}

// RoomID is a validated Matrix room ID such as "!abc:example.org".
type RoomID struct {
	id string
}

// RoomAlias is a validated Matrix room alias such as "#lobby:example.org".
type RoomAlias struct {
	id string
}

// NewUserID builds "@localpart:server". The localpart must satisfy the
// user-ID grammar; see ValidateLocalpart.
func NewUserID(localpart, server string) (UserID, error) {
	if err := ValidateLocalpart(localpart); err != nil {
		return UserID{}, err
	}
	if server == "" {
		return UserID{}, fmt.Errorf("empty server name")
	}
	return UserID{id: "@" + localpart + ":" + server}, nil
}

// ParseUserID validates a raw "@local:server" string.
func ParseUserID(raw string) (UserID, error) {
	if _, _, err := splitID(raw, '@', "user ID"); err != nil {
		return UserID{}, err
	}
	return UserID{id: raw}, nil
}

func (u UserID) String() string { return u.id }
func (u UserID) IsZero() bool   { return u.id == "" }

// Localpart returns the part between '@' and the first ':'.
func (u UserID) Localpart() string {
	local, _, _ := splitID(u.id, '@', "user ID")
	return local
}

// Server returns the part after the first ':'.
func (u UserID) Server() string {
	_, server, _ := splitID(u.id, '@', "user ID")
	return server
}

// NewRoomID builds "!localpart:server" from an opaque local part.
func NewRoomID(localpart, server string) RoomID {
	return RoomID{id: "!" + localpart + ":" + server}
}

// ParseRoomID validates a raw "!local:server" string.
func ParseRoomID(raw string) (RoomID, error) {
	if _, _, err := splitID(raw, '!', "room ID"); err != nil {
		return RoomID{}, err
	}
	return RoomID{id: raw}, nil
}

func (r RoomID) String() string { return r.id }
func (r RoomID) IsZero() bool   { return r.id == "" }

func (r RoomID) Server() string {
	_, server, _ := splitID(r.id, '!', "room ID")
	return server
}

// NewRoomAlias builds "#localpart:server".
func NewRoomAlias(localpart, server string) (RoomAlias, error) {
	if localpart == "" || strings.ContainsAny(localpart, ":# ") {
		return RoomAlias{}, fmt.Errorf("invalid room alias localpart %q", localpart)
	}
	return RoomAlias{id: "#" + localpart + ":" + server}, nil
}

// ParseRoomAlias validates a raw "#local:server" string.
func ParseRoomAlias(raw string) (RoomAlias, error) {
	if _, _, err := splitID(raw, '#', "room alias"); err != nil {
		return RoomAlias{}, err
	}
	return RoomAlias{id: raw}, nil
}

func (a RoomAlias) String() string { return a.id }
func (a RoomAlias) IsZero() bool   { return a.id == "" }

func (a RoomAlias) Server() string {
	_, server, _ := splitID(a.id, '#', "room alias")
	return server
}

// ValidateLocalpart checks the user-ID localpart grammar: lowercase ASCII
// letters, digits and "._=-/", at least one character.
func ValidateLocalpart(localpart string) error {
	if localpart == "" {
		return fmt.Errorf("empty localpart")
	}
	if len(localpart) > 255 {
		return fmt.Errorf("localpart longer than 255 characters")
	}
	for _, r := range localpart {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case strings.ContainsRune("._=-/", r):
		default:
			return fmt.Errorf("localpart %q contains invalid character %q", localpart, r)
		}
	}
	return nil
}

func splitID(raw string, sigil byte, kind string) (string, string, error) {
	if raw == "" {
		return "", "", fmt.Errorf("empty %s", kind)
	}
	if raw[0] != sigil {
		return "", "", fmt.Errorf("%s must start with %q: %q", kind, sigil, raw)
	}
	colon := strings.IndexByte(raw, ':')
	if colon < 0 {
		return "", "", fmt.Errorf("%s missing ':server' suffix: %q", kind, raw)
	}
	if colon == 1 {
		return "", "", fmt.Errorf("%s has empty local part: %q", kind, raw)
	}
	server := raw[colon+1:]
	if server == "" {
		return "", "", fmt.Errorf("%s has empty server name: %q", kind, raw)
	}
	return raw[1:colon], server, nil
}
