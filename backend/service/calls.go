package service

import (
	"context"
	"slices"

	"github.com/adwski/synapse-relay/backend/metrics"
	"github.com/adwski/synapse-relay/backend/model"
	"github.com/adwski/synapse-relay/backend/session"
	"github.com/rs/zerolog"
)

func (svc *Service) callRequest(ctx context.Context, from string, logger *zerolog.Logger) {
	svc.callMx.Lock()
	defer svc.callMx.Unlock()

	caller, ok := svc.sessions.Get(from)
	if !ok {
		return
	}
	if caller.State == session.StateInCall || caller.State == session.StateRingingOut {
		svc.replyError(ctx, from, "call already in progress")
		return
	}
	svc.sessions.Update(from, func(s *session.Session) {
		s.State = session.StateRingingOut
		s.Peer = ""
		s.PendingFrom = ""
	})

	// Busy sessions do not ring. A newer request supersedes a pending one.
	var targets []string
	for _, sess := range svc.sessions.List() {
		if sess.ID == from || (sess.State != session.StateIdle && sess.State != session.StateRingingIn) {
			continue
		}
		svc.sessions.Update(sess.ID, func(s *session.Session) {
			s.State = session.StateRingingIn
			s.PendingFrom = from
		})
		targets = append(targets, sess.ID)
	}

	ann := model.NewAnnouncement(model.TypeCallIncoming, model.CallPayload{Username: caller.Username})
	ann.From = from
	reached := svc.fanout(ctx, ann, targets)

	logger.Debug().
		Int("targets", len(targets)).
		Int("reached", reached).
		Msg("call requested")
}

// callAccept forwards the answer and pairs both sides. Concurrent accepts are
// not arbitrated: every one is forwarded and the last one sets the caller's peer.
func (svc *Service) callAccept(ctx context.Context, from, to string, logger *zerolog.Logger) {
	svc.callMx.Lock()
	defer svc.callMx.Unlock()

	callee, ok := svc.sessions.Get(from)
	if !ok {
		return
	}
	ann := model.NewAnnouncement(model.TypeCallAccepted, model.CallPayload{Username: callee.Username})
	ann.From = from
	if !svc.forward(ctx, ann, to) {
		if callee.Room == "" {
			svc.sessions.Reset(from)
		}
		return
	}

	if callee.Room != "" {
		svc.leaveRoomLocked(callee.Room)
	}
	svc.sessions.Update(from, func(s *session.Session) {
		s.State = session.StateInCall
		s.Peer = to
		s.PendingFrom = ""
		s.Room = ""
	})
	svc.sessions.Update(to, func(s *session.Session) {
		s.State = session.StateInCall
		s.Peer = from
		s.PendingFrom = ""
	})
	logger.Debug().Str("peer", to).Msg("call accepted")
}

func (svc *Service) callReject(ctx context.Context, from, to string, logger *zerolog.Logger) {
	svc.callMx.Lock()
	defer svc.callMx.Unlock()

	callee, ok := svc.sessions.Get(from)
	if !ok {
		return
	}
	ann := model.NewAnnouncement(model.TypeCallRejected, model.CallPayload{Username: callee.Username})
	ann.From = from
	svc.forward(ctx, ann, to)

	// The caller keeps ringing the others.
	if callee.PendingFrom == to {
		svc.sessions.Reset(from)
	}
	logger.Debug().Str("caller", to).Msg("call rejected")
}

func (svc *Service) callEnd(ctx context.Context, from, to string) {
	svc.callMx.Lock()
	defer svc.callMx.Unlock()

	sess, ok := svc.sessions.Get(from)
	if !ok {
		return
	}
	if sess.Room != "" {
		// Hanging up inside a delegated room is leaving it.
		svc.leaveRoomLocked(sess.Room)
		svc.sessions.Update(from, func(s *session.Session) {
			s.Room = ""
		})
		if to == "" && sess.Peer == "" {
			svc.sessions.Reset(from)
			return
		}
	}
	svc.endCallLocked(ctx, sess, to)
	svc.sessions.Reset(from)
}

// endCallLocked tells everyone tied to sess's call that it is over and resets
// them. That is the explicit recipient, the peer, anyone else paired with sess
// and the sessions sess is still ringing. An idle sender reaches everyone.
func (svc *Service) endCallLocked(ctx context.Context, sess session.Session, to string) {
	ann := model.NewAnnouncement(model.TypeCallEnded, model.CallPayload{Username: sess.Username})
	ann.From = sess.ID

	var targets []string
	switch {
	case to != "" || sess.Peer != "" || sess.State == session.StateRingingOut:
		targets = svc.tiedTo(sess, to)
	case sess.State == session.StateRingingIn:
		// Hanging up a ring that was never answered concerns nobody else.
		targets = []string{}
	}

	if targets == nil {
		svc.sw.Broadcast(ctx, ann, nil)
		metrics.SignalsForwarded.WithLabelValues(model.TypeCallEnded).Inc()
	} else {
		svc.fanout(ctx, ann, targets)
	}

	for _, other := range svc.sessions.List() {
		if other.ID != sess.ID && (other.Peer == sess.ID || other.PendingFrom == sess.ID) {
			svc.sessions.Reset(other.ID)
		}
	}
}

// teardownLocked settles the call state left behind by a gone session.
// A session that was only being rung leaves nothing to settle.
func (svc *Service) teardownLocked(ctx context.Context, sess session.Session) {
	if sess.Room != "" {
		svc.leaveRoomLocked(sess.Room)
	}
	svc.dropPendingRoomsLocked(sess.ID)
	if sess.Peer != "" || sess.State == session.StateRingingOut {
		svc.endCallLocked(ctx, sess, "")
	}
}

// tiedTo lists to (if set) followed by every other session bound to sess's
// call, without duplicates. The result is never nil.
func (svc *Service) tiedTo(sess session.Session, to string) []string {
	targets := []string{}
	if to != "" {
		targets = append(targets, to)
	}
	for _, other := range svc.sessions.List() {
		if other.ID == sess.ID || other.ID == to {
			continue
		}
		if other.ID == sess.Peer || other.Peer == sess.ID ||
			(other.State == session.StateRingingIn && other.PendingFrom == sess.ID) {
			targets = append(targets, other.ID)
		}
	}
	if to == "" && sess.Peer != "" && !slices.Contains(targets, sess.Peer) {
		// Already gone, the drop is still counted.
		targets = append(targets, sess.Peer)
	}
	return targets
}

func (svc *Service) relaySignal(ctx context.Context, from string, sig model.Signal) {
	svc.forward(ctx, model.Announcement{
		Type:    sig.Type,
		From:    from,
		Payload: sig.Payload,
	}, sig.To)
}

// forward delivers a signaling announcement to a single session. Missing
// recipients are counted and the announcement is dropped.
func (svc *Service) forward(ctx context.Context, ann model.Announcement, to string) bool {
	if _, ok := svc.sessions.Get(to); !ok || !svc.sw.Send(ctx, ann, to) {
		metrics.SignalsDropped.WithLabelValues(ann.Type).Inc()
		svc.logger.Debug().
			Str("type", ann.Type).
			Str("src", ann.From).
			Str("dst", to).
			Err(ErrRouting).
			Msg("signal dropped")
		return false
	}
	metrics.SignalsForwarded.WithLabelValues(ann.Type).Inc()
	return true
}

func (svc *Service) fanout(ctx context.Context, ann model.Announcement, targets []string) int {
	var reached int
	for _, dst := range targets {
		if svc.forward(ctx, ann, dst) {
			reached++
		}
	}
	return reached
}
