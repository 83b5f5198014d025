package _switch

import (
	"context"
	"sync"
	"time"

	"github.com/adwski/synapse-relay/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

// Switch delivers announcements to connected endpoints, either to a single
// destination or to everyone except the source.
type Switch struct {
	logger     zerolog.Logger
	mx         *sync.RWMutex
	fwd        map[string]model.Wire
	fwdTimeout time.Duration
}

func NewSwitch(logger *zerolog.Logger, fwdTimeout time.Duration) *Switch {
	if fwdTimeout <= 0 {
		fwdTimeout = defaultFwdTimout
	}
	return &Switch{
		logger:     logger.With().Str("component", "switch").Logger(),
		mx:         &sync.RWMutex{},
		fwd:        make(map[string]model.Wire),
		fwdTimeout: fwdTimeout,
	}
}

func (sw *Switch) Connect(endpoint string, wire model.Wire) {
	sw.mx.Lock()
	sw.fwd[endpoint] = wire
	sw.mx.Unlock()

	sw.logger.Debug().
		Str("endpoint", endpoint).
		Msg("endpoint connected")
}

func (sw *Switch) Disconnect(endpoint string) {
	sw.mx.Lock()
	delete(sw.fwd, endpoint)
	sw.mx.Unlock()

	sw.logger.Debug().
		Str("endpoint", endpoint).
		Msg("endpoint disconnected")
}

// Connected reports whether endpoint is currently attached.
func (sw *Switch) Connected(endpoint string) bool {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	_, ok := sw.fwd[endpoint]
	return ok
}

// Send delivers ann to dst only. It reports false if dst is unknown or dead.
func (sw *Switch) Send(ctx context.Context, ann model.Announcement, dst string) bool {
	logger := sw.logger.With().
		Str("type", ann.Type).
		Str("src", ann.From).
		Str("dst", dst).Logger()

	sw.mx.RLock()
	wire, ok := sw.fwd[dst]
	sw.mx.RUnlock()

	if !ok {
		logger.Debug().Msg("cannot forward, dst not found")
		return false
	}
	sent, _ := send(ctx, ann, wire.TX, sw.fwdTimeout, &logger)
	return sent
}

// Broadcast delivers ann to every endpoint except ann.From and those for which
// skip returns true. It returns the number of endpoints reached.
func (sw *Switch) Broadcast(ctx context.Context, ann model.Announcement, skip func(dst string) bool) int {
	ann.To = "" // clear dst just in case
	logger := sw.logger.With().
		Str("type", ann.Type).
		Str("src", ann.From).Logger()

	sw.mx.RLock()
	targets := make(map[string]model.Wire, len(sw.fwd))
	for dst, wire := range sw.fwd {
		if dst == ann.From || (skip != nil && skip(dst)) {
			continue
		}
		targets[dst] = wire
	}
	sw.mx.RUnlock()

	var reached int
	for _, wire := range targets {
		sent, canceled := send(ctx, ann, wire.TX, sw.fwdTimeout, &logger)
		if canceled {
			break
		}
		if sent {
			reached++
		}
	}
	if reached == 0 {
		logger.Debug().Msg("broadcast did not reach anyone")
	}
	return reached
}

func send(
	ctx context.Context,
	ann model.Announcement,
	tx chan<- model.Announcement,
	timeout time.Duration,
	logger *zerolog.Logger,
) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(timeout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Msg("dead endpoint")
	case tx <- ann:
		logger.Trace().Msg("announce is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
