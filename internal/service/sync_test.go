package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/lalith-99/hghs/internal/matrix"
	"github.com/lalith-99/hghs/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenPos(t *testing.T, token string) int64 {
	t.Helper()
	pos, err := parseStreamToken(token)
	require.NoError(t, err)
	return pos
}

func TestInitialSync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, "alice")
	bob := h.login(t, "bob")

	room, err := h.svc.CreateRoom(ctx, alice, CreateRoomRequest{Name: "Lobby", Invite: []string{bob.UserID}})
	require.NoError(t, err)
	_, err = h.svc.SendEventToRoomWithTxnID(ctx, alice, room.RoomID, matrix.EventRoomMessage, "t1", json.RawMessage(`{"body":"hi"}`))
	require.NoError(t, err)

	resp, err := h.svc.Sync(ctx, alice, SyncRequest{})
	require.NoError(t, err)
	assert.Equal(t, formatStreamToken(h.svc.stream.current()), resp.NextBatch)
	require.Contains(t, resp.Rooms.Join, room.RoomID)

	joined := resp.Rooms.Join[room.RoomID]
	require.NotEmpty(t, joined.Timeline.Events)
	assert.False(t, joined.Timeline.Limited)
	assert.Equal(t, matrix.EventRoomCreate, joined.Timeline.Events[0].Type)
	last := joined.Timeline.Events[len(joined.Timeline.Events)-1]
	assert.Equal(t, matrix.EventRoomMessage, last.Type)
	require.NotNil(t, last.Unsigned)
	assert.Equal(t, "t1", last.Unsigned.TransactionID)

	bobResp, err := h.svc.Sync(ctx, bob, SyncRequest{})
	require.NoError(t, err)
	assert.Empty(t, bobResp.Rooms.Join)
	require.Contains(t, bobResp.Rooms.Invite, room.RoomID)
	var stripped []string
	for _, ev := range bobResp.Rooms.Invite[room.RoomID].InviteState.Events {
		stripped = append(stripped, ev.Type)
	}
	assert.Contains(t, stripped, matrix.EventRoomCreate)
	assert.Contains(t, stripped, matrix.EventRoomName)
	assert.Contains(t, stripped, matrix.EventRoomMember)
}

func TestSyncTransactionIDOnlyForSendingDevice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, "alice")
	room, err := h.svc.CreateRoom(ctx, alice, CreateRoomRequest{Visibility: "public"})
	require.NoError(t, err)

	// bob picks the same device ID as alice.
	_, err = h.svc.CreateUser(ctx, "bob", "bob-password")
	require.NoError(t, err)
	login, err := h.svc.LoginWithPassword(ctx, LoginRequest{
		Type:     matrix.LoginTypePassword,
		User:     "bob",
		Password: "bob-password",
		DeviceID: alice.DeviceID,
	})
	require.NoError(t, err)
	bob := Caller{UserID: login.UserID, DeviceID: login.DeviceID}
	_, err = h.svc.JoinRoom(ctx, bob, room.RoomID)
	require.NoError(t, err)

	_, err = h.svc.SendEventToRoomWithTxnID(ctx, alice, room.RoomID, matrix.EventRoomMessage, "alice-txn", json.RawMessage(`{"body":"hi"}`))
	require.NoError(t, err)

	lastEvent := func(viewer Caller) models.ClientEvent {
		t.Helper()
		resp, err := h.svc.Sync(ctx, viewer, SyncRequest{})
		require.NoError(t, err)
		events := resp.Rooms.Join[room.RoomID].Timeline.Events
		require.NotEmpty(t, events)
		return events[len(events)-1]
	}

	own := lastEvent(alice)
	require.NotNil(t, own.Unsigned)
	assert.Equal(t, "alice-txn", own.Unsigned.TransactionID)

	assert.Nil(t, lastEvent(Caller{UserID: alice.UserID, DeviceID: "OTHER"}).Unsigned)

	shared := lastEvent(bob)
	assert.Equal(t, alice.UserID, shared.Sender)
	assert.Nil(t, shared.Unsigned)
}

func TestIncrementalSync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, "alice")
	room, err := h.svc.CreateRoom(ctx, alice, CreateRoomRequest{})
	require.NoError(t, err)
	quiet, err := h.svc.CreateRoom(ctx, alice, CreateRoomRequest{})
	require.NoError(t, err)

	first, err := h.svc.Sync(ctx, alice, SyncRequest{})
	require.NoError(t, err)
	require.Contains(t, first.Rooms.Join, quiet.RoomID)

	sent, err := h.svc.SendEventToRoomWithTxnID(ctx, alice, room.RoomID, matrix.EventRoomMessage, "t1", json.RawMessage(`{"body":"new"}`))
	require.NoError(t, err)

	next, err := h.svc.Sync(ctx, alice, SyncRequest{Since: first.NextBatch})
	require.NoError(t, err)
	assert.Greater(t, tokenPos(t, next.NextBatch), tokenPos(t, first.NextBatch))
	assert.NotContains(t, next.Rooms.Join, quiet.RoomID)
	require.Contains(t, next.Rooms.Join, room.RoomID)

	joined := next.Rooms.Join[room.RoomID]
	require.Len(t, joined.Timeline.Events, 1)
	assert.Equal(t, sent.EventID, joined.Timeline.Events[0].EventID)
	assert.Empty(t, joined.State.Events)
}

func TestSyncLimitedTimeline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, "alice")
	room, err := h.svc.CreateRoom(ctx, alice, CreateRoomRequest{})
	require.NoError(t, err)
	start, err := h.svc.Sync(ctx, alice, SyncRequest{})
	require.NoError(t, err)

	_, err = h.svc.SetRoomStateByType(ctx, alice, room.RoomID, matrix.EventRoomTopic, "", json.RawMessage(`{"topic":"early"}`))
	require.NoError(t, err)
	for i := 0; i < timelineLimit+5; i++ {
		_, err := h.svc.SendEventToRoomWithTxnID(ctx, alice, room.RoomID, matrix.EventRoomMessage, fmt.Sprintf("t%d", i), json.RawMessage(`{"body":"spam"}`))
		require.NoError(t, err)
	}

	resp, err := h.svc.Sync(ctx, alice, SyncRequest{Since: start.NextBatch})
	require.NoError(t, err)
	joined := resp.Rooms.Join[room.RoomID]
	assert.True(t, joined.Timeline.Limited)
	assert.Len(t, joined.Timeline.Events, timelineLimit)
	require.Len(t, joined.State.Events, 1)
	assert.Equal(t, matrix.EventRoomTopic, joined.State.Events[0].Type)

	full, err := h.svc.Sync(ctx, alice, SyncRequest{})
	require.NoError(t, err)
	joined = full.Rooms.Join[room.RoomID]
	assert.True(t, joined.Timeline.Limited)
	var stateTypes []string
	for _, ev := range joined.State.Events {
		stateTypes = append(stateTypes, ev.Type)
	}
	assert.Contains(t, stateTypes, matrix.EventRoomCreate)
	assert.Contains(t, stateTypes, matrix.EventRoomTopic)
}

func TestSyncReportsLeave(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, "alice")
	bob := h.login(t, "bob")
	room, err := h.svc.CreateRoom(ctx, alice, CreateRoomRequest{Preset: PresetPublicChat})
	require.NoError(t, err)
	_, err = h.svc.JoinRoom(ctx, bob, room.RoomID)
	require.NoError(t, err)

	before, err := h.svc.Sync(ctx, bob, SyncRequest{})
	require.NoError(t, err)
	require.Contains(t, before.Rooms.Join, room.RoomID)

	require.NoError(t, h.svc.LeaveRoom(ctx, bob, room.RoomID))
	// Sent after bob left, so it is not part of the leave timeline.
	_, err = h.svc.SendEventToRoomWithTxnID(ctx, alice, room.RoomID, matrix.EventRoomMessage, "t1", json.RawMessage(`{"body":"bye"}`))
	require.NoError(t, err)

	after, err := h.svc.Sync(ctx, bob, SyncRequest{Since: before.NextBatch})
	require.NoError(t, err)
	assert.NotContains(t, after.Rooms.Join, room.RoomID)
	require.Contains(t, after.Rooms.Leave, room.RoomID)
	events := after.Rooms.Leave[room.RoomID].Timeline.Events
	require.Len(t, events, 1)
	assert.Equal(t, matrix.EventRoomMember, events[0].Type)

	initial, err := h.svc.Sync(ctx, bob, SyncRequest{})
	require.NoError(t, err)
	require.Contains(t, initial.Rooms.Leave, room.RoomID)
	left := initial.Rooms.Leave[room.RoomID].Timeline.Events
	assert.Equal(t, matrix.EventRoomMember, left[len(left)-1].Type)
	for _, ev := range left {
		assert.NotEqual(t, matrix.EventRoomMessage, ev.Type)
	}

	again, err := h.svc.Sync(ctx, bob, SyncRequest{Since: after.NextBatch})
	require.NoError(t, err)
	assert.Empty(t, again.Rooms.Leave)
}

func TestSyncRejectsMalformedSince(t *testing.T) {
	h := newHarness(t)
	alice := h.login(t, "alice")
	_, err := h.svc.Sync(context.Background(), alice, SyncRequest{Since: "not-a-token"})
	requireCode(t, err, http.StatusBadRequest, matrix.CodeInvalidParam)
}

func TestSyncTimesOutWithSameToken(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.SyncMaxTimeout = 100 * time.Millisecond })
	alice := h.login(t, "alice")
	_, err := h.svc.CreateRoom(ctx, alice, CreateRoomRequest{})
	require.NoError(t, err)
	first, err := h.svc.Sync(ctx, alice, SyncRequest{})
	require.NoError(t, err)

	start := time.Now()
	resp, err := h.svc.Sync(ctx, alice, SyncRequest{Since: first.NextBatch, Timeout: time.Hour})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "timeout must be capped")
	assert.Equal(t, first.NextBatch, resp.NextBatch)
	assert.Empty(t, resp.Rooms.Join)
}

func TestSyncSinceAheadOfStream(t *testing.T) {
	h := newHarness(t)
	alice := h.login(t, "alice")
	resp, err := h.svc.Sync(context.Background(), alice, SyncRequest{Since: "s1000"})
	require.NoError(t, err)
	assert.Equal(t, "s1000", resp.NextBatch)
}

func TestSyncWakesOnNewEvent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.SyncMaxTimeout = 10 * time.Second })
	alice := h.login(t, "alice")
	room, err := h.svc.CreateRoom(ctx, alice, CreateRoomRequest{})
	require.NoError(t, err)
	first, err := h.svc.Sync(ctx, alice, SyncRequest{})
	require.NoError(t, err)

	type result struct {
		resp SyncResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := h.svc.Sync(ctx, alice, SyncRequest{Since: first.NextBatch, Timeout: 10 * time.Second})
		done <- result{resp, err}
	}()

	time.Sleep(20 * time.Millisecond)
	sent, err := h.svc.SendEventToRoomWithTxnID(ctx, alice, room.RoomID, matrix.EventRoomMessage, "wake", json.RawMessage(`{"body":"wake up"}`))
	require.NoError(t, err)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Contains(t, r.resp.Rooms.Join, room.RoomID)
		events := r.resp.Rooms.Join[room.RoomID].Timeline.Events
		require.Len(t, events, 1)
		assert.Equal(t, sent.EventID, events[0].EventID)
	case <-time.After(5 * time.Second):
		t.Fatal("sync was not woken by the new event")
	}
}

func TestSyncIgnoresOtherUsersRooms(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.SyncMaxTimeout = 50 * time.Millisecond })
	alice := h.login(t, "alice")
	bob := h.login(t, "bob")
	first, err := h.svc.Sync(ctx, bob, SyncRequest{})
	require.NoError(t, err)

	_, err = h.svc.CreateRoom(ctx, alice, CreateRoomRequest{})
	require.NoError(t, err)

	resp, err := h.svc.Sync(ctx, bob, SyncRequest{Since: first.NextBatch, Timeout: time.Second})
	require.NoError(t, err)
	assert.Empty(t, resp.Rooms.Join)
	assert.Empty(t, resp.Rooms.Invite)
	assert.GreaterOrEqual(t, tokenPos(t, resp.NextBatch), tokenPos(t, first.NextBatch))
}
