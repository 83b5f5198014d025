package service

import (
	"context"
	"errors"
	"time"

	"github.com/adwski/synapse-relay/backend/metrics"
	"github.com/adwski/synapse-relay/backend/model"
	"github.com/adwski/synapse-relay/backend/session"
	"github.com/rs/zerolog"
)

type roomState string

const (
	roomPending roomState = "pending"
	roomActive  roomState = "active"
)

// maxPendingRooms is how many unjoined rooms one session may hold at a time.
const maxPendingRooms = 8

// callRoom tracks a delegated room. Ended rooms are removed from the tracker.
type callRoom struct {
	ref          string
	name         string
	owner        string
	state        roomState
	participants int
	created      time.Time
}

// CreateCallRoom asks the provider for a new room on behalf of connID. The
// provider call is bounded by the configured timeout and runs without any
// relay lock held.
func (svc *Service) CreateCallRoom(ctx context.Context, connID string) (model.RoomPayload, error) {
	sess, ok := svc.sessions.Get(connID)
	if !ok {
		return model.RoomPayload{}, ErrNotConnected
	}

	pctx, cancel := context.WithTimeout(ctx, svc.providerTimeout)
	defer cancel()
	room, err := svc.provider.CreateRoom(pctx)
	if err != nil {
		metrics.ProviderErrors.Inc()
		return model.RoomPayload{}, errors.Join(ErrProvider, err)
	}

	svc.callMx.Lock()
	// An owner gone during the provider call has nothing left to track.
	if _, ok = svc.sessions.Get(connID); ok {
		svc.trackRoomLocked(&callRoom{
			ref:     room.URL,
			name:    room.Name,
			owner:   connID,
			state:   roomPending,
			created: time.Now(),
		})
	}
	svc.callMx.Unlock()

	return model.RoomPayload{
		RoomRef:  room.URL,
		RoomName: room.Name,
		Username: sess.Username,
	}, nil
}

func (svc *Service) createCallRoom(ctx context.Context, connID string, logger *zerolog.Logger) {
	room, err := svc.CreateCallRoom(ctx, connID)
	if err != nil {
		logger.Warn().Err(err).Msg("cannot create call room")
		svc.replyError(ctx, connID, "could not create call room")
		return
	}
	svc.sw.Send(ctx, model.NewAnnouncement(model.TypeCallRoomCreated, room), connID)
	logger.Debug().Str("room", room.RoomName).Msg("call room created")
}

func (svc *Service) notifyCall(ctx context.Context, from string, in model.NotifyCall, logger *zerolog.Logger) {
	if in.RoomRef == "" || in.RoomName == "" {
		svc.replyError(ctx, from, "call room is not specified")
		return
	}

	svc.callMx.Lock()
	defer svc.callMx.Unlock()

	sender, ok := svc.sessions.Get(from)
	if !ok {
		return
	}
	if sender.State == session.StateIdle {
		svc.sessions.Update(from, func(s *session.Session) {
			s.State = session.StateRingingOut
		})
	}

	var targets []string
	for _, sess := range svc.sessions.List() {
		if sess.ID == from || sess.State == session.StateInCall {
			continue
		}
		if sess.State == session.StateIdle {
			svc.sessions.Update(sess.ID, func(s *session.Session) {
				s.State = session.StateRingingIn
				s.PendingFrom = from
			})
		}
		targets = append(targets, sess.ID)
	}

	ann := model.NewAnnouncement(model.TypeCallNotification, model.RoomPayload{
		RoomRef:  in.RoomRef,
		RoomName: in.RoomName,
		Username: sender.Username,
	})
	ann.From = from
	reached := svc.fanout(ctx, ann, targets)

	logger.Debug().
		Str("room", in.RoomName).
		Int("reached", reached).
		Msg("call notification sent")
}

func (svc *Service) joinCallRoom(ctx context.Context, connID, name string) {
	svc.callMx.Lock()
	defer svc.callMx.Unlock()

	sess, ok := svc.sessions.Get(connID)
	if !ok || sess.Room == name {
		return
	}
	svc.pruneRoomsLocked(time.Now())
	room, ok := svc.rooms[name]
	if !ok {
		svc.replyError(ctx, connID, "unknown call room")
		return
	}
	if room.participants >= svc.maxParticipants {
		svc.replyError(ctx, connID, "call room is full")
		return
	}
	if sess.Room != "" {
		svc.leaveRoomLocked(sess.Room)
	}

	room.participants++
	room.state = roomActive
	svc.sessions.Update(connID, func(s *session.Session) {
		s.State = session.StateInCall
		s.PendingFrom = ""
		s.Room = name
	})
}

func (svc *Service) leaveCallRoom(connID, name string) {
	svc.callMx.Lock()
	defer svc.callMx.Unlock()

	sess, ok := svc.sessions.Get(connID)
	if !ok || sess.Room != name {
		return
	}
	svc.leaveRoomLocked(name)
	svc.sessions.Update(connID, func(s *session.Session) {
		s.State = session.StateIdle
		s.PendingFrom = ""
		s.Room = ""
	})
}

func (svc *Service) leaveRoomLocked(name string) {
	room, ok := svc.rooms[name]
	if !ok {
		return
	}
	if room.participants > 0 {
		room.participants--
	}
	if room.participants == 0 {
		svc.forgetRoomLocked(room, "empty")
	}
}

// trackRoomLocked records a new pending room. Expired rooms are dropped first,
// and the owner's oldest pending room goes once it holds maxPendingRooms.
func (svc *Service) trackRoomLocked(room *callRoom) {
	svc.pruneRoomsLocked(room.created)

	var (
		owned  int
		oldest *callRoom
	)
	for _, r := range svc.rooms {
		if r.owner != room.owner || r.state != roomPending {
			continue
		}
		owned++
		if oldest == nil || r.created.Before(oldest.created) ||
			(r.created.Equal(oldest.created) && r.name < oldest.name) {
			oldest = r
		}
	}
	if owned >= maxPendingRooms {
		svc.forgetRoomLocked(oldest, "superseded")
	}
	svc.rooms[room.name] = room
}

// pruneRoomsLocked drops pending rooms nobody joined within the room TTL.
func (svc *Service) pruneRoomsLocked(now time.Time) {
	for _, r := range svc.rooms {
		if r.state == roomPending && now.Sub(r.created) > svc.roomTTL {
			svc.forgetRoomLocked(r, "expired")
		}
	}
}

func (svc *Service) dropPendingRoomsLocked(owner string) {
	for _, r := range svc.rooms {
		if r.owner == owner && r.state == roomPending {
			svc.forgetRoomLocked(r, "owner left")
		}
	}
}

func (svc *Service) forgetRoomLocked(room *callRoom, reason string) {
	delete(svc.rooms, room.name)
	svc.logger.Debug().
		Str("room", room.name).
		Str("ref", room.ref).
		Str("owner", room.owner).
		Str("reason", reason).
		Msg("call room ended")
}
