package service

import (
	"context"
	"net/http"
	"testing"

	"github.com/lalith-99/hghs/internal/matrix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func membershipIn(t *testing.T, h *harness, roomID, userID string) matrix.Membership {
	t.Helper()
	state, err := h.svc.currentState(context.Background(), roomID)
	require.NoError(t, err)
	return state.membership(userID)
}

func TestJoinRequiresInviteOrPublicRoom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, "alice")
	bob := h.login(t, "bob")

	private, err := h.svc.CreateRoom(ctx, alice, CreateRoomRequest{})
	require.NoError(t, err)
	_, err = h.svc.JoinRoom(ctx, bob, private.RoomID)
	requireCode(t, err, http.StatusForbidden, matrix.CodeForbidden)

	public, err := h.svc.CreateRoom(ctx, alice, CreateRoomRequest{Preset: PresetPublicChat, RoomAliasName: "open"})
	require.NoError(t, err)
	joined, err := h.svc.JoinRoom(ctx, bob, "#open:example.org")
	require.NoError(t, err)
	assert.Equal(t, public.RoomID, joined.RoomID)
	assert.Equal(t, matrix.MembershipJoin, membershipIn(t, h, public.RoomID, bob.UserID))

	before := h.svc.stream.current()
	_, err = h.svc.JoinRoom(ctx, bob, public.RoomID)
	require.NoError(t, err)
	assert.Equal(t, before, h.svc.stream.current(), "joining twice must not write")

	_, err = h.svc.JoinRoom(ctx, bob, "!missing:example.org")
	requireCode(t, err, http.StatusNotFound, matrix.CodeNotFound)
	_, err = h.svc.JoinRoom(ctx, bob, "#missing:example.org")
	requireCode(t, err, http.StatusNotFound, matrix.CodeNotFound)
}

func TestInviteThenJoin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, "alice")
	bob := h.login(t, "bob")
	carol := h.login(t, "carol")

	room, err := h.svc.CreateRoom(ctx, alice, CreateRoomRequest{})
	require.NoError(t, err)

	err = h.svc.InviteToRoom(ctx, carol, room.RoomID, bob.UserID)
	requireCode(t, err, http.StatusForbidden, matrix.CodeForbidden)

	require.NoError(t, h.svc.InviteToRoom(ctx, alice, room.RoomID, bob.UserID))
	assert.Equal(t, matrix.MembershipInvite, membershipIn(t, h, room.RoomID, bob.UserID))

	before := h.svc.stream.current()
	require.NoError(t, h.svc.InviteToRoom(ctx, alice, room.RoomID, bob.UserID))
	assert.Equal(t, before, h.svc.stream.current())

	_, err = h.svc.JoinRoom(ctx, bob, room.RoomID)
	require.NoError(t, err)

	err = h.svc.InviteToRoom(ctx, alice, room.RoomID, bob.UserID)
	requireCode(t, err, http.StatusForbidden, matrix.CodeForbidden)

	err = h.svc.InviteToRoom(ctx, alice, room.RoomID, "@nobody:example.org")
	requireCode(t, err, http.StatusNotFound, matrix.CodeNotFound)
	err = h.svc.InviteToRoom(ctx, alice, room.RoomID, "bob")
	requireCode(t, err, http.StatusBadRequest, matrix.CodeInvalidParam)

	members, err := h.svc.GetJoinedMembers(ctx, bob, room.RoomID)
	require.NoError(t, err)
	assert.Len(t, members.Joined, 2)
}

func TestLeaveRoom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, "alice")
	bob := h.login(t, "bob")
	room, err := h.svc.CreateRoom(ctx, alice, CreateRoomRequest{Invite: []string{bob.UserID}})
	require.NoError(t, err)

	// Rejecting an invite is a leave.
	require.NoError(t, h.svc.LeaveRoom(ctx, bob, room.RoomID))
	assert.Equal(t, matrix.MembershipLeave, membershipIn(t, h, room.RoomID, bob.UserID))

	before := h.svc.stream.current()
	require.NoError(t, h.svc.LeaveRoom(ctx, bob, room.RoomID))
	assert.Equal(t, before, h.svc.stream.current())

	carol := h.login(t, "carol")
	err = h.svc.LeaveRoom(ctx, carol, room.RoomID)
	requireCode(t, err, http.StatusForbidden, matrix.CodeForbidden)

	require.NoError(t, h.svc.LeaveRoom(ctx, alice, room.RoomID))
	_, err = h.svc.GetJoinedMembers(ctx, alice, room.RoomID)
	requireCode(t, err, http.StatusForbidden, matrix.CodeForbidden)
}

func TestForgetRoom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, "alice")
	bob := h.login(t, "bob")
	room, err := h.svc.CreateRoom(ctx, alice, CreateRoomRequest{Invite: []string{bob.UserID}})
	require.NoError(t, err)
	_, err = h.svc.JoinRoom(ctx, bob, room.RoomID)
	require.NoError(t, err)

	err = h.svc.ForgetRoom(ctx, bob, room.RoomID)
	requireCode(t, err, http.StatusBadRequest, matrix.CodeUnknown)

	require.NoError(t, h.svc.LeaveRoom(ctx, bob, room.RoomID))
	require.NoError(t, h.svc.ForgetRoom(ctx, bob, room.RoomID))
	require.NoError(t, h.svc.ForgetRoom(ctx, bob, room.RoomID))

	stored, err := h.repos.Rooms.FindByID(ctx, room.RoomID)
	require.NoError(t, err)
	assert.Equal(t, []string{bob.UserID}, stored.ForgottenBy)

	bobSync, err := h.svc.Sync(ctx, bob, SyncRequest{})
	require.NoError(t, err)
	assert.NotContains(t, bobSync.Rooms.Join, room.RoomID)
	assert.NotContains(t, bobSync.Rooms.Leave, room.RoomID)

	aliceSync, err := h.svc.Sync(ctx, alice, SyncRequest{})
	require.NoError(t, err)
	assert.Contains(t, aliceSync.Rooms.Join, room.RoomID)

	// A fresh invite brings the room back.
	require.NoError(t, h.svc.InviteToRoom(ctx, alice, room.RoomID, bob.UserID))
	stored, err = h.repos.Rooms.FindByID(ctx, room.RoomID)
	require.NoError(t, err)
	assert.Empty(t, stored.ForgottenBy)

	bobSync, err = h.svc.Sync(ctx, bob, SyncRequest{})
	require.NoError(t, err)
	assert.Contains(t, bobSync.Rooms.Invite, room.RoomID)
}
