package service

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/lalith-99/hghs/internal/matrix"
	"github.com/lalith-99/hghs/internal/models"
	"go.uber.org/zap"
)

type JoinResponse struct {
	RoomID string `json:"room_id"`
}

// JoinRoom joins the caller to a public room or one they are invited to.
// roomIDOrAlias may also be a local alias. Joining twice is a no-op.
func (s *Service) JoinRoom(ctx context.Context, caller Caller, roomIDOrAlias string) (JoinResponse, error) {
	roomID := roomIDOrAlias
	if strings.HasPrefix(roomIDOrAlias, "#") {
		dir, err := s.GetDirectoryRoomByAlias(ctx, roomIDOrAlias)
		if err != nil {
			return JoinResponse{}, err
		}
		roomID = dir.RoomID
	}

	unlock := s.roomLocks.Lock(roomID)
	defer unlock()

	room, err := s.findRoom(ctx, roomID)
	if err != nil {
		return JoinResponse{}, err
	}
	state, err := s.currentState(ctx, roomID)
	if err != nil {
		return JoinResponse{}, err
	}

	switch state.membership(caller.UserID) {
	case matrix.MembershipJoin:
		return JoinResponse{RoomID: roomID}, nil
	case matrix.MembershipInvite:
	default:
		if state.joinRule() != matrix.JoinRulePublic {
			return JoinResponse{}, matrix.Forbidden("You are not invited to this room.")
		}
	}

	user, err := s.repos.Users.FindByID(ctx, caller.UserID)
	if err != nil {
		return JoinResponse{}, fmt.Errorf("find user: %w", err)
	}
	if _, err := s.appendState(ctx, roomID, caller.UserID, matrix.EventRoomMember, caller.UserID, memberContent(matrix.MembershipJoin, user.DisplayName)); err != nil {
		return JoinResponse{}, err
	}
	if err := s.clearForgotten(ctx, room, caller.UserID); err != nil {
		return JoinResponse{}, err
	}

	s.logger.Debug("joined room", zap.String("room_id", roomID), zap.String("user_id", caller.UserID))
	return JoinResponse{RoomID: roomID}, nil
}

// LeaveRoom leaves a joined room or rejects an invite. Leaving a room
// already left is a no-op.
func (s *Service) LeaveRoom(ctx context.Context, caller Caller, roomID string) error {
	unlock := s.roomLocks.Lock(roomID)
	defer unlock()

	if _, err := s.findRoom(ctx, roomID); err != nil {
		return err
	}
	state, err := s.currentState(ctx, roomID)
	if err != nil {
		return err
	}

	switch state.membership(caller.UserID) {
	case matrix.MembershipLeave:
		return nil
	case matrix.MembershipJoin, matrix.MembershipInvite:
	default:
		return notInRoom(caller.UserID, roomID)
	}

	_, err = s.appendState(ctx, roomID, caller.UserID, matrix.EventRoomMember, caller.UserID, memberContent(matrix.MembershipLeave, ""))
	return err
}

// InviteToRoom invites an existing local user. The inviter must be joined
// and the target must not be.
func (s *Service) InviteToRoom(ctx context.Context, caller Caller, roomID, target string) error {
	targetID, err := matrix.ParseUserID(target)
	if err != nil {
		return matrix.BadRequest(matrix.CodeInvalidParam, "Invalid user ID %q", target)
	}

	unlock := s.roomLocks.Lock(roomID)
	defer unlock()

	room, err := s.findRoom(ctx, roomID)
	if err != nil {
		return err
	}
	state, err := s.currentState(ctx, roomID)
	if err != nil {
		return err
	}
	if state.membership(caller.UserID) != matrix.MembershipJoin {
		return notInRoom(caller.UserID, roomID)
	}
	if err := s.requireLocalUser(ctx, targetID); err != nil {
		return err
	}

	switch state.membership(targetID.String()) {
	case matrix.MembershipJoin:
		return matrix.Forbidden("%s is already in the room.", targetID)
	case matrix.MembershipInvite:
		return nil
	}

	if _, err := s.appendState(ctx, roomID, caller.UserID, matrix.EventRoomMember, targetID.String(), memberContent(matrix.MembershipInvite, "")); err != nil {
		return err
	}
	return s.clearForgotten(ctx, room, targetID.String())
}

// ForgetRoom hides a room the caller is no longer joined to from their
// sync. Other members are unaffected.
func (s *Service) ForgetRoom(ctx context.Context, caller Caller, roomID string) error {
	unlock := s.roomLocks.Lock(roomID)
	defer unlock()

	room, err := s.findRoom(ctx, roomID)
	if err != nil {
		return err
	}
	state, err := s.currentState(ctx, roomID)
	if err != nil {
		return err
	}
	if state.membership(caller.UserID) == matrix.MembershipJoin {
		return matrix.BadRequest(matrix.CodeUnknown, "User %s is in room %s", caller.UserID, roomID)
	}
	if room.IsForgottenBy(caller.UserID) {
		return nil
	}

	room.ForgottenBy = append(room.ForgottenBy, caller.UserID)
	if _, err := s.repos.Rooms.UpdateItem(ctx, room); err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	return nil
}

func (s *Service) clearForgotten(ctx context.Context, room models.Room, userID string) error {
	if !room.IsForgottenBy(userID) {
		return nil
	}
	room.ForgottenBy = slices.DeleteFunc(slices.Clone(room.ForgottenBy), func(u string) bool { return u == userID })
	if _, err := s.repos.Rooms.UpdateItem(ctx, room); err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	return nil
}
