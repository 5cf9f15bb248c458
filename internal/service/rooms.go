package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lalith-99/hghs/internal/matrix"
	"github.com/lalith-99/hghs/internal/models"
	"github.com/lalith-99/hghs/internal/repository"
	"go.uber.org/zap"
)

const (
	PresetPrivateChat        = "private_chat"
	PresetTrustedPrivateChat = "trusted_private_chat"
	PresetPublicChat         = "public_chat"
)

type CreateRoomRequest struct {
	Visibility      string          `json:"visibility,omitempty"`
	RoomAliasName   string          `json:"room_alias_name,omitempty"`
	Name            string          `json:"name,omitempty"`
	Topic           string          `json:"topic,omitempty"`
	Invite          []string        `json:"invite,omitempty"`
	RoomVersion     string          `json:"room_version,omitempty"`
	CreationContent json.RawMessage `json:"creation_content,omitempty"`
	Preset          string          `json:"preset,omitempty"`
	IsDirect        bool            `json:"is_direct,omitempty"`
}

type CreateRoomResponse struct {
	RoomID    string `json:"room_id"`
	RoomAlias string `json:"room_alias,omitempty"`
}

type DirectoryResponse struct {
	RoomID  string   `json:"room_id"`
	Servers []string `json:"servers"`
}

type JoinedMember struct {
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

type JoinedMembersResponse struct {
	Joined map[string]JoinedMember `json:"joined"`
}

// CreateRoom creates a room owned by the caller. The m.room.create event is
// always the room's first event, and the room record only becomes visible
// after it exists.
func (s *Service) CreateRoom(ctx context.Context, caller Caller, req CreateRoomRequest) (CreateRoomResponse, error) {
	version := s.cfg.DefaultRoomVersion
	if req.RoomVersion != "" {
		v, err := matrix.ParseRoomVersion(req.RoomVersion)
		if err != nil {
			return CreateRoomResponse{}, matrix.BadRequest(matrix.CodeUnsupportedRoomVersion, "Your homeserver does not support the features required to join this room")
		}
		version = v
	}
	visibility, err := matrix.ParseVisibility(req.Visibility)
	if err != nil {
		return CreateRoomResponse{}, matrix.BadRequest(matrix.CodeInvalidParam, "Invalid visibility %q", req.Visibility)
	}
	joinRule, err := joinRuleFor(req.Preset, visibility)
	if err != nil {
		return CreateRoomResponse{}, err
	}

	creationContent := map[string]any{}
	if len(bytes.TrimSpace(req.CreationContent)) > 0 {
		if err := json.Unmarshal(req.CreationContent, &creationContent); err != nil || creationContent == nil {
			return CreateRoomResponse{}, matrix.BadRequest(matrix.CodeBadJSON, "creation_content must be an object")
		}
	}

	var alias matrix.RoomAlias
	if req.RoomAliasName != "" {
		alias, err = matrix.NewRoomAlias(req.RoomAliasName, s.cfg.ServerName)
		if err != nil {
			return CreateRoomResponse{}, matrix.BadRequest(matrix.CodeInvalidParam, "Invalid room_alias_name")
		}
		unlock := s.roomLocks.Lock("alias:" + alias.String())
		defer unlock()

		if _, err := s.findRoomByAlias(ctx, alias.String()); err == nil {
			return CreateRoomResponse{}, matrix.BadRequest(matrix.CodeRoomInUse, "Room alias already taken")
		} else if !matrix.IsCode(err, matrix.CodeNotFound) {
			return CreateRoomResponse{}, err
		}
	}

	invitees, err := s.resolveInvitees(ctx, caller.UserID, req.Invite)
	if err != nil {
		return CreateRoomResponse{}, err
	}

	roomID := matrix.NewRoomID(uuid.NewString(), s.cfg.ServerName).String()
	unlock := s.roomLocks.Lock(roomID)
	defer unlock()

	if _, err := s.createRoomCreateEvent(ctx, roomID, caller.UserID, version, creationContent); err != nil {
		return CreateRoomResponse{}, err
	}

	room := models.Room{
		ID:         roomID,
		Version:    string(version),
		Visibility: string(visibility),
		Creator:    caller.UserID,
		Alias:      alias.String(),
		CreatedAt:  s.clock.Now().UTC(),
	}
	if _, err := s.repos.Rooms.CreateItem(ctx, room); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return CreateRoomResponse{}, matrix.BadRequest(matrix.CodeRoomInUse, "Room alias already taken")
		}
		return CreateRoomResponse{}, fmt.Errorf("store room: %w", err)
	}

	creator, err := s.repos.Users.FindByID(ctx, caller.UserID)
	if err != nil {
		return CreateRoomResponse{}, fmt.Errorf("find creator: %w", err)
	}
	if _, err := s.appendState(ctx, roomID, caller.UserID, matrix.EventRoomMember, caller.UserID, memberContent(matrix.MembershipJoin, creator.DisplayName)); err != nil {
		return CreateRoomResponse{}, err
	}
	if _, err := s.appendState(ctx, roomID, caller.UserID, matrix.EventJoinRules, "", map[string]string{"join_rule": joinRule}); err != nil {
		return CreateRoomResponse{}, err
	}
	if !alias.IsZero() {
		if _, err := s.appendState(ctx, roomID, caller.UserID, matrix.EventCanonicalAlias, "", map[string]string{"alias": alias.String()}); err != nil {
			return CreateRoomResponse{}, err
		}
	}
	if req.Name != "" {
		if _, err := s.appendState(ctx, roomID, caller.UserID, matrix.EventRoomName, "", map[string]string{"name": req.Name}); err != nil {
			return CreateRoomResponse{}, err
		}
	}
	if req.Topic != "" {
		if _, err := s.appendState(ctx, roomID, caller.UserID, matrix.EventRoomTopic, "", map[string]string{"topic": req.Topic}); err != nil {
			return CreateRoomResponse{}, err
		}
	}
	for _, invitee := range invitees {
		content := map[string]any{"membership": matrix.MembershipInvite}
		if req.IsDirect {
			content["is_direct"] = true
		}
		if _, err := s.appendState(ctx, roomID, caller.UserID, matrix.EventRoomMember, invitee, content); err != nil {
			return CreateRoomResponse{}, err
		}
	}

	s.logger.Info("room created",
		zap.String("room_id", roomID),
		zap.String("creator", caller.UserID),
		zap.String("room_version", string(version)),
		zap.String("visibility", string(visibility)),
	)
	return CreateRoomResponse{RoomID: roomID, RoomAlias: alias.String()}, nil
}

// createRoomCreateEvent writes the m.room.create event. The server-owned
// keys creator and room_version override anything in extra.
func (s *Service) createRoomCreateEvent(ctx context.Context, roomID, creator string, version matrix.RoomVersion, extra map[string]any) (models.Event, error) {
	content := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		content[k] = v
	}
	content["creator"] = creator
	content["room_version"] = string(version)
	return s.appendState(ctx, roomID, creator, matrix.EventRoomCreate, "", content)
}

func joinRuleFor(preset string, visibility matrix.Visibility) (string, error) {
	switch preset {
	case "":
		if visibility == matrix.VisibilityPublic {
			return matrix.JoinRulePublic, nil
		}
		return matrix.JoinRuleInvite, nil
	case PresetPublicChat:
		return matrix.JoinRulePublic, nil
	case PresetPrivateChat, PresetTrustedPrivateChat:
		return matrix.JoinRuleInvite, nil
	}
	return "", matrix.BadRequest(matrix.CodeInvalidParam, "Unknown preset %q", preset)
}

func memberContent(membership matrix.Membership, displayName string) map[string]any {
	content := map[string]any{"membership": membership}
	if displayName != "" {
		content["displayname"] = displayName
	}
	return content
}

// resolveInvitees checks that every invitee is an existing local user.
func (s *Service) resolveInvitees(ctx context.Context, inviter string, raw []string) ([]string, error) {
	seen := make(map[string]bool, len(raw))
	var out []string
	for _, r := range raw {
		id, err := matrix.ParseUserID(r)
		if err != nil {
			return nil, matrix.BadRequest(matrix.CodeInvalidParam, "Invalid user ID %q", r)
		}
		if id.String() == inviter || seen[id.String()] {
			continue
		}
		if err := s.requireLocalUser(ctx, id); err != nil {
			return nil, err
		}
		seen[id.String()] = true
		out = append(out, id.String())
	}
	return out, nil
}

func (s *Service) requireLocalUser(ctx context.Context, id matrix.UserID) error {
	if id.Server() != s.cfg.ServerName {
		return matrix.Forbidden("Federation is not supported; cannot reach %s", id.Server())
	}
	exists, err := s.repos.Users.Exists(ctx, id.String())
	if err != nil {
		return fmt.Errorf("find user: %w", err)
	}
	if !exists {
		return matrix.NotFound("Unknown user %s", id)
	}
	return nil
}

func (s *Service) findRoom(ctx context.Context, roomID string) (models.Room, error) {
	if _, err := matrix.ParseRoomID(roomID); err != nil {
		return models.Room{}, matrix.BadRequest(matrix.CodeInvalidParam, "Invalid room ID %q", roomID)
	}
	room, err := s.repos.Rooms.FindByID(ctx, roomID)
	if errors.Is(err, repository.ErrNotFound) {
		return models.Room{}, matrix.NotFound("Room not found")
	}
	if err != nil {
		return models.Room{}, fmt.Errorf("find room: %w", err)
	}
	return room, nil
}

func (s *Service) findRoomByAlias(ctx context.Context, alias string) (models.Room, error) {
	room, err := s.repos.Rooms.FindBy(ctx, func(r models.Room) bool { return r.Alias == alias })
	if errors.Is(err, repository.ErrNotFound) {
		return models.Room{}, matrix.NotFound("Room alias %s not found", alias)
	}
	if err != nil {
		return models.Room{}, fmt.Errorf("find room by alias: %w", err)
	}
	return room, nil
}

// GetDirectoryRoomByAlias resolves a local room alias.
func (s *Service) GetDirectoryRoomByAlias(ctx context.Context, rawAlias string) (DirectoryResponse, error) {
	alias, err := matrix.ParseRoomAlias(rawAlias)
	if err != nil {
		return DirectoryResponse{}, matrix.BadRequest(matrix.CodeInvalidParam, "Invalid room alias %q", rawAlias)
	}
	room, err := s.findRoomByAlias(ctx, alias.String())
	if err != nil {
		return DirectoryResponse{}, err
	}
	return DirectoryResponse{RoomID: room.ID, Servers: []string{s.cfg.ServerName}}, nil
}

// GetJoinedMembers lists the joined members of a room the caller is in.
func (s *Service) GetJoinedMembers(ctx context.Context, caller Caller, roomID string) (JoinedMembersResponse, error) {
	state, err := s.joinedState(ctx, caller, roomID)
	if err != nil {
		return JoinedMembersResponse{}, err
	}
	resp := JoinedMembersResponse{Joined: make(map[string]JoinedMember)}
	for key, ev := range state {
		if key.eventType != matrix.EventRoomMember || membershipOf(ev) != matrix.MembershipJoin {
			continue
		}
		var content struct {
			DisplayName string `json:"displayname"`
			AvatarURL   string `json:"avatar_url"`
		}
		_ = json.Unmarshal(ev.Content, &content)
		resp.Joined[key.stateKey] = JoinedMember{DisplayName: content.DisplayName, AvatarURL: content.AvatarURL}
	}
	return resp, nil
}

// GetRoomStateByType returns the content of the current (type, stateKey)
// state event.
func (s *Service) GetRoomStateByType(ctx context.Context, caller Caller, roomID, eventType, stateKey string) (json.RawMessage, error) {
	state, err := s.joinedState(ctx, caller, roomID)
	if err != nil {
		return nil, err
	}
	ev, ok := state.get(eventType, stateKey)
	if !ok {
		return nil, matrix.NotFound("Event not found.")
	}
	return ev.Content, nil
}

// GetRoomState returns every current state event of the room.
func (s *Service) GetRoomState(ctx context.Context, caller Caller, roomID string) ([]models.ClientEvent, error) {
	state, err := s.joinedState(ctx, caller, roomID)
	if err != nil {
		return nil, err
	}
	events := state.sorted()
	out := make([]models.ClientEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.ToClient(caller.UserID, caller.DeviceID))
	}
	return out, nil
}

// SetRoomStateByType writes a state event. Last write wins per
// (room, type, stateKey). Membership and room creation have their own
// operations and cannot be written here.
func (s *Service) SetRoomStateByType(ctx context.Context, caller Caller, roomID, eventType, stateKey string, content json.RawMessage) (SendEventResponse, error) {
	switch eventType {
	case "":
		return SendEventResponse{}, matrix.BadRequest(matrix.CodeMissingParam, "Missing event type")
	case matrix.EventRoomCreate:
		return SendEventResponse{}, matrix.Forbidden("Cannot overwrite %s", matrix.EventRoomCreate)
	case matrix.EventRoomMember:
		return SendEventResponse{}, matrix.Forbidden("Use the membership endpoints to change %s", matrix.EventRoomMember)
	}
	if !isJSONObject(content) {
		return SendEventResponse{}, matrix.BadRequest(matrix.CodeNotJSON, "Content must be a JSON object")
	}

	unlock := s.roomLocks.Lock(roomID)
	defer unlock()

	if _, err := s.joinedState(ctx, caller, roomID); err != nil {
		return SendEventResponse{}, err
	}
	key := stateKey
	ev, err := s.appendEvent(ctx, models.Event{
		RoomID:   roomID,
		Type:     eventType,
		StateKey: &key,
		Sender:   caller.UserID,
		Content:  content,
	})
	if err != nil {
		return SendEventResponse{}, err
	}
	return SendEventResponse{EventID: ev.ID}, nil
}

// joinedState loads the room's current state and checks the caller is
// joined.
func (s *Service) joinedState(ctx context.Context, caller Caller, roomID string) (roomState, error) {
	if _, err := s.findRoom(ctx, roomID); err != nil {
		return nil, err
	}
	state, err := s.currentState(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if state.membership(caller.UserID) != matrix.MembershipJoin {
		return nil, notInRoom(caller.UserID, roomID)
	}
	return state, nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}
