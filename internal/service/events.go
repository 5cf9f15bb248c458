package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/lalith-99/hghs/internal/matrix"
	"github.com/lalith-99/hghs/internal/models"
	"github.com/lalith-99/hghs/internal/repository"
)

type SendEventResponse struct {
	EventID string `json:"event_id"`
}

type stateTuple struct {
	eventType string
	stateKey  string
}

// roomState is the current state of a room: the newest event for every
// (type, state_key).
type roomState map[stateTuple]models.Event

func (st roomState) get(eventType, stateKey string) (models.Event, bool) {
	ev, ok := st[stateTuple{eventType, stateKey}]
	return ev, ok
}

func (st roomState) membership(userID string) matrix.Membership {
	ev, ok := st.get(matrix.EventRoomMember, userID)
	if !ok {
		return ""
	}
	return membershipOf(ev)
}

func (st roomState) joinRule() string {
	ev, ok := st.get(matrix.EventJoinRules, "")
	if !ok {
		return matrix.JoinRuleInvite
	}
	var content struct {
		JoinRule string `json:"join_rule"`
	}
	if err := json.Unmarshal(ev.Content, &content); err != nil || content.JoinRule == "" {
		return matrix.JoinRuleInvite
	}
	return content.JoinRule
}

// sorted returns the state events in stream order.
func (st roomState) sorted() []models.Event {
	out := make([]models.Event, 0, len(st))
	for _, ev := range st {
		out = append(out, ev)
	}
	sortByStream(out)
	return out
}

func membershipOf(ev models.Event) matrix.Membership {
	var content struct {
		Membership matrix.Membership `json:"membership"`
	}
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return ""
	}
	return content.Membership
}

func sortByStream(events []models.Event) {
	sort.Slice(events, func(i, j int) bool { return events[i].StreamOrdering < events[j].StreamOrdering })
}

// stateAt folds the state events of a stream-ordered timeline up to and
// including position upTo.
//
// Why replay instead of keeping a current-state table?
// Sync needs state as of the since token, not as of now, to tell which
// rooms a user has just joined or left. Replaying the timeline answers
// both questions with one code path, and a newer event for the same
// (type, state_key) simply overwrites the older one in the map.
func stateAt(timeline []models.Event, upTo int64) roomState {
	st := make(roomState)
	for _, ev := range timeline {
		if ev.StreamOrdering > upTo {
			break
		}
		if ev.IsState() {
			st[stateTuple{ev.Type, ev.StateKeyOf()}] = ev
		}
	}
	return st
}

// Timeline returns every event of a room in stream order.
func (s *Service) Timeline(ctx context.Context, roomID string) ([]models.Event, error) {
	all, err := s.repos.Events.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	var out []models.Event
	for _, ev := range all {
		if ev.RoomID == roomID {
			out = append(out, ev)
		}
	}
	sortByStream(out)
	return out, nil
}

// eventsByRoom loads every event once and groups them per room.
func (s *Service) eventsByRoom(ctx context.Context) (map[string][]models.Event, error) {
	all, err := s.repos.Events.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	byRoom := make(map[string][]models.Event)
	for _, ev := range all {
		byRoom[ev.RoomID] = append(byRoom[ev.RoomID], ev)
	}
	for _, events := range byRoom {
		sortByStream(events)
	}
	return byRoom, nil
}

func (s *Service) currentState(ctx context.Context, roomID string) (roomState, error) {
	timeline, err := s.Timeline(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return stateAt(timeline, s.stream.current()), nil
}

// appendEvent stores ev with the next stream position and wakes syncs.
// The event ID is assigned by the repository.
//
// Why advance the notifier only after CreateItem returns?
// A sync that wakes on position N reads events up to N. If the position
// moved first, that read could miss event N and the client would never
// be sent it, because its next since token is already past N.
func (s *Service) appendEvent(ctx context.Context, ev models.Event) (models.Event, error) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	ev.ID = ""
	ev.StreamOrdering = s.stream.current() + 1
	ev.OriginServerTS = s.clock.Now().UnixMilli()
	if len(ev.Content) == 0 {
		ev.Content = json.RawMessage(`{}`)
	}

	created, err := s.repos.Events.CreateItem(ctx, ev)
	if err != nil {
		return models.Event{}, fmt.Errorf("append %s event: %w", ev.Type, err)
	}
	s.stream.advance(created.StreamOrdering)
	return created, nil
}

func (s *Service) appendState(ctx context.Context, roomID, sender, eventType, stateKey string, content any) (models.Event, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return models.Event{}, fmt.Errorf("encode %s content: %w", eventType, err)
	}
	key := stateKey
	return s.appendEvent(ctx, models.Event{
		RoomID:   roomID,
		Type:     eventType,
		StateKey: &key,
		Sender:   sender,
		Content:  raw,
	})
}

// SendEventToRoomWithTxnID appends a timeline event. A retry with the same
// txnID from the same device returns the original event ID.
func (s *Service) SendEventToRoomWithTxnID(ctx context.Context, caller Caller, roomID, eventType, txnID string, content json.RawMessage) (SendEventResponse, error) {
	if eventType == "" || txnID == "" {
		return SendEventResponse{}, matrix.BadRequest(matrix.CodeMissingParam, "Missing event type or transaction ID")
	}
	if !isJSONObject(content) {
		return SendEventResponse{}, matrix.BadRequest(matrix.CodeNotJSON, "Content must be a JSON object")
	}

	unlock := s.roomLocks.Lock(roomID)
	defer unlock()

	if _, err := s.findRoom(ctx, roomID); err != nil {
		return SendEventResponse{}, err
	}

	existing, err := s.repos.Events.FindBy(ctx, func(ev models.Event) bool {
		return ev.RoomID == roomID &&
			ev.TxnID == txnID &&
			ev.Sender == caller.UserID &&
			ev.SenderDeviceID == caller.DeviceID
	})
	if err == nil {
		return SendEventResponse{EventID: existing.ID}, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return SendEventResponse{}, fmt.Errorf("find transaction: %w", err)
	}

	state, err := s.currentState(ctx, roomID)
	if err != nil {
		return SendEventResponse{}, err
	}
	if state.membership(caller.UserID) != matrix.MembershipJoin {
		return SendEventResponse{}, notInRoom(caller.UserID, roomID)
	}

	ev, err := s.appendEvent(ctx, models.Event{
		RoomID:         roomID,
		Type:           eventType,
		Sender:         caller.UserID,
		Content:        content,
		TxnID:          txnID,
		SenderDeviceID: caller.DeviceID,
	})
	if err != nil {
		return SendEventResponse{}, err
	}
	return SendEventResponse{EventID: ev.ID}, nil
}

func notInRoom(userID, roomID string) error {
	return matrix.Forbidden("User %s not in room %s", userID, roomID)
}
