package matrix

import "fmt"

// Event types handled by the server.
const (
	EventRoomCreate     = "m.room.create"
	EventRoomMember     = "m.room.member"
	EventRoomName       = "m.room.name"
	EventRoomTopic      = "m.room.topic"
	EventJoinRules      = "m.room.join_rules"
	EventCanonicalAlias = "m.room.canonical_alias"
	EventRoomMessage    = "m.room.message"
)

// RoomVersion fixes the event format and auth rules of a room.
type RoomVersion string

var supportedRoomVersions = []RoomVersion{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11"}

// ParseRoomVersion returns an error for versions this server cannot host.
func ParseRoomVersion(raw string) (RoomVersion, error) {
	for _, v := range supportedRoomVersions {
		if string(v) == raw {
			return v, nil
		}
	}
	return "", fmt.Errorf("unsupported room version %q", raw)
}

// SupportedRoomVersions returns a copy of the supported version list.
func SupportedRoomVersions() []RoomVersion {
	return append([]RoomVersion(nil), supportedRoomVersions...)
}

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// ParseVisibility maps "" to private.
func ParseVisibility(raw string) (Visibility, error) {
	switch Visibility(raw) {
	case "", VisibilityPrivate:
		return VisibilityPrivate, nil
	case VisibilityPublic:
		return VisibilityPublic, nil
	}
	return "", fmt.Errorf("unknown visibility %q", raw)
}

// Membership is the value of an m.room.member event.
type Membership string

const (
	MembershipInvite Membership = "invite"
	MembershipJoin   Membership = "join"
	MembershipLeave  Membership = "leave"
)

// Join rules written to m.room.join_rules.
const (
	JoinRulePublic = "public"
	JoinRuleInvite = "invite"
)

// Login and identifier types accepted by POST /login.
const (
	LoginTypePassword  = "m.login.password"
	IdentifierTypeUser = "m.id.user"
)
