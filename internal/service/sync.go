package service

import (
	"context"
	"fmt"
	"time"

	"github.com/lalith-99/hghs/internal/matrix"
	"github.com/lalith-99/hghs/internal/models"
	"go.uber.org/zap"
)

// timelineLimit caps the events returned per room and sync.
const timelineLimit = 20

// SyncRequest carries the query of GET /sync. Filter and SetPresence are
// accepted for compatibility and ignored.
type SyncRequest struct {
	Filter      string
	Since       string
	FullState   bool
	SetPresence string
	Timeout     time.Duration
}

type SyncResponse struct {
	NextBatch string    `json:"next_batch"`
	Rooms     SyncRooms `json:"rooms"`
}

type SyncRooms struct {
	Join   map[string]JoinedRoom  `json:"join"`
	Invite map[string]InvitedRoom `json:"invite"`
	Leave  map[string]LeftRoom    `json:"leave"`
}

type JoinedRoom struct {
	State    EventBlock    `json:"state"`
	Timeline TimelineBlock `json:"timeline"`
}

type InvitedRoom struct {
	InviteState StrippedBlock `json:"invite_state"`
}

type LeftRoom struct {
	State    EventBlock    `json:"state"`
	Timeline TimelineBlock `json:"timeline"`
}

type EventBlock struct {
	Events []models.ClientEvent `json:"events"`
}

type TimelineBlock struct {
	Events  []models.ClientEvent `json:"events"`
	Limited bool                 `json:"limited"`
}

type StrippedBlock struct {
	Events []models.StrippedEvent `json:"events"`
}

func (r SyncResponse) empty() bool {
	return len(r.Rooms.Join) == 0 && len(r.Rooms.Invite) == 0 && len(r.Rooms.Leave) == 0
}

// Sync returns what changed for the caller since req.Since. An incremental
// sync with nothing to report waits for new events up to the timeout,
// bounded by the configured maximum. next_batch never sorts before since.
//
// Joined rooms carry the timeline after since and, on initial or full-state
// syncs, the state at the start of that timeline. Invites carry stripped
// state. Left rooms are listed until the caller forgets them.
func (s *Service) Sync(ctx context.Context, caller Caller, req SyncRequest) (SyncResponse, error) {
	var since int64
	incremental := req.Since != ""
	if incremental {
		pos, err := parseStreamToken(req.Since)
		if err != nil {
			return SyncResponse{}, matrix.BadRequest(matrix.CodeInvalidParam, "Invalid since token")
		}
		since = pos
	}

	timeout := req.Timeout
	if timeout < 0 {
		timeout = 0
	}
	if timeout > s.cfg.SyncMaxTimeout {
		timeout = s.cfg.SyncMaxTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		pos := s.stream.current()
		resp, err := s.buildSync(ctx, caller, since, incremental, req.FullState, pos)
		if err != nil {
			return SyncResponse{}, err
		}
		if !incremental || req.FullState || !resp.empty() || waitCtx.Err() != nil {
			return resp, nil
		}
		s.stream.wait(waitCtx, max(pos, since))
	}
}

func (s *Service) buildSync(ctx context.Context, caller Caller, since int64, incremental, fullState bool, pos int64) (SyncResponse, error) {
	resp := SyncResponse{
		NextBatch: formatStreamToken(max(pos, since)),
		Rooms: SyncRooms{
			Join:   map[string]JoinedRoom{},
			Invite: map[string]InvitedRoom{},
			Leave:  map[string]LeftRoom{},
		},
	}

	rooms, err := s.repos.Rooms.GetAll(ctx)
	if err != nil {
		return SyncResponse{}, fmt.Errorf("load rooms: %w", err)
	}
	byRoom, err := s.eventsByRoom(ctx)
	if err != nil {
		return SyncResponse{}, err
	}

	for _, room := range rooms {
		if room.IsForgottenBy(caller.UserID) {
			continue
		}
		timeline := upTo(byRoom[room.ID], pos)
		state := stateAt(timeline, pos)
		memberEv, ok := state.get(matrix.EventRoomMember, caller.UserID)
		if !ok {
			continue
		}
		changedSince := !incremental || memberEv.StreamOrdering > since

		switch membershipOf(memberEv) {
		case matrix.MembershipJoin:
			full := !incremental || fullState || changedSince
			joined, ok := s.joinedRoomSync(caller, timeline, since, full)
			if ok {
				resp.Rooms.Join[room.ID] = joined
			}
		case matrix.MembershipInvite:
			if changedSince || fullState {
				resp.Rooms.Invite[room.ID] = InvitedRoom{InviteState: inviteState(state, memberEv)}
			}
		case matrix.MembershipLeave:
			// Left rooms stay visible to initial syncs until forgotten.
			if changedSince || fullState {
				full := !incremental || fullState
				resp.Rooms.Leave[room.ID] = s.leftRoomSync(caller, timeline, since, memberEv, full)
			}
		}
	}

	if !resp.empty() {
		s.logger.Debug("sync",
			zap.String("user_id", caller.UserID),
			zap.String("next_batch", resp.NextBatch),
			zap.Int("joined", len(resp.Rooms.Join)),
			zap.Int("invited", len(resp.Rooms.Invite)),
			zap.Int("left", len(resp.Rooms.Leave)),
		)
	}
	return resp, nil
}

// joinedRoomSync returns the timeline window and the state at its start.
// For an incremental sync only events after since are considered; the room
// is omitted when there are none.
func (s *Service) joinedRoomSync(caller Caller, timeline []models.Event, since int64, full bool) (JoinedRoom, bool) {
	window := timeline
	if !full {
		window = after(timeline, since)
		if len(window) == 0 {
			return JoinedRoom{}, false
		}
	}
	tl, limited := lastN(window, timelineLimit)

	var stateEvents []models.Event
	switch {
	case full && len(tl) == 0:
		stateEvents = stateAt(timeline, maxStream(timeline)).sorted()
	case full:
		stateEvents = stateAt(timeline, tl[0].StreamOrdering-1).sorted()
	case limited:
		// State that changed in the part of the window that was cut off.
		cut := window[:len(window)-len(tl)]
		stateEvents = stateAt(cut, maxStream(cut)).sorted()
	}

	return JoinedRoom{
		State:    EventBlock{Events: toClient(stateEvents, caller)},
		Timeline: TimelineBlock{Events: toClient(tl, caller), Limited: limited},
	}, true
}

// leftRoomSync shows what happened up to the caller's leave. A rejected
// invite only shows the leave itself.
func (s *Service) leftRoomSync(caller Caller, timeline []models.Event, since int64, leave models.Event, full bool) LeftRoom {
	wasJoined := stateAt(timeline, leave.StreamOrdering-1).membership(caller.UserID) == matrix.MembershipJoin

	window := []models.Event{leave}
	if wasJoined {
		from := since
		if full {
			from = 0
		}
		window = upTo(after(timeline, from), leave.StreamOrdering)
	}
	tl, limited := lastN(window, timelineLimit)

	var stateEvents []models.Event
	if wasJoined && full && len(tl) > 0 {
		stateEvents = stateAt(timeline, tl[0].StreamOrdering-1).sorted()
	}
	return LeftRoom{
		State:    EventBlock{Events: toClient(stateEvents, caller)},
		Timeline: TimelineBlock{Events: toClient(tl, caller), Limited: limited},
	}
}

var strippedStateTypes = []string{
	matrix.EventRoomCreate,
	matrix.EventJoinRules,
	matrix.EventRoomName,
	matrix.EventRoomTopic,
	matrix.EventCanonicalAlias,
}

func inviteState(state roomState, invite models.Event) StrippedBlock {
	events := make([]models.StrippedEvent, 0, len(strippedStateTypes)+1)
	for _, t := range strippedStateTypes {
		if ev, ok := state.get(t, ""); ok {
			events = append(events, ev.ToStripped())
		}
	}
	events = append(events, invite.ToStripped())
	return StrippedBlock{Events: events}
}

func upTo(events []models.Event, pos int64) []models.Event {
	for i, ev := range events {
		if ev.StreamOrdering > pos {
			return events[:i]
		}
	}
	return events
}

func after(events []models.Event, pos int64) []models.Event {
	for i, ev := range events {
		if ev.StreamOrdering > pos {
			return events[i:]
		}
	}
	return nil
}

func lastN(events []models.Event, n int) ([]models.Event, bool) {
	if len(events) <= n {
		return events, false
	}
	return events[len(events)-n:], true
}

func maxStream(events []models.Event) int64 {
	if len(events) == 0 {
		return 0
	}
	return events[len(events)-1].StreamOrdering
}

func toClient(events []models.Event, viewer Caller) []models.ClientEvent {
	out := make([]models.ClientEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.ToClient(viewer.UserID, viewer.DeviceID))
	}
	return out
}
