package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/synapse-relay/backend/metrics"
	"github.com/adwski/synapse-relay/backend/model"
	"github.com/adwski/synapse-relay/backend/provider"
	"github.com/adwski/synapse-relay/backend/session"
	"github.com/rs/zerolog"
)

const (
	defaultRecoveryLimit   = 50
	defaultMaxMediaBytes   = 50 << 20
	defaultMaxTextBytes    = 64 << 10
	defaultMaxParticipants = 8
	defaultProviderTimeout = 10 * time.Second
	defaultStoreTimeout    = 5 * time.Second
	defaultRoomTTL         = time.Hour
)

var (
	ErrConnect      = errors.New("unable to connect")
	ErrNotConnected = errors.New("session is not connected")
	ErrEmptyText    = errors.New("empty text message")
	ErrValidation   = errors.New("validation failed")
	ErrPersistence  = errors.New("unable to persist message")
	ErrProvider     = errors.New("unable to create call room")
	ErrRouting      = errors.New("recipient is not connected")
	ErrFault        = errors.New("connection handler fault")
)

type (
	Store interface {
		Append(ctx context.Context, ev *model.ChatEvent) error
		FindAfter(ctx context.Context, after model.EventID, limit int) ([]model.ChatEvent, error)
	}

	Switch interface {
		Connect(endpoint string, wire model.Wire)
		Disconnect(endpoint string)
		Send(ctx context.Context, ann model.Announcement, dst string) bool
		Broadcast(ctx context.Context, ann model.Announcement, skip func(dst string) bool) int
	}

	Service struct {
		store    Store
		sw       Switch
		provider provider.Provider
		sessions *session.Registry
		logger   zerolog.Logger

		// publishMx orders persistence with broadcast and recovery with registration.
		publishMx sync.Mutex

		// callMx serializes call state transitions across sessions.
		callMx sync.Mutex
		rooms  map[string]*callRoom

		faults chan error

		recoveryLimit   int
		maxMediaBytes   int64
		maxTextBytes    int
		maxParticipants int
		providerTimeout time.Duration
		storeTimeout    time.Duration
		roomTTL         time.Duration
	}

	Config struct {
		Store    Store
		Switch   Switch
		Provider provider.Provider
		Logger   *zerolog.Logger

		RecoveryLimit   int
		MaxMediaBytes   int64
		MaxTextBytes    int
		MaxParticipants int
		ProviderTimeout time.Duration
		StoreTimeout    time.Duration
		RoomTTL         time.Duration
	}
)

func NewService(cfg Config) *Service {
	svc := &Service{
		store:           cfg.Store,
		sw:              cfg.Switch,
		provider:        cfg.Provider,
		sessions:        session.NewRegistry(),
		logger:          cfg.Logger.With().Str("component", "relay").Logger(),
		rooms:           make(map[string]*callRoom),
		faults:          make(chan error, 1),
		recoveryLimit:   cfg.RecoveryLimit,
		maxMediaBytes:   cfg.MaxMediaBytes,
		maxTextBytes:    cfg.MaxTextBytes,
		maxParticipants: cfg.MaxParticipants,
		providerTimeout: cfg.ProviderTimeout,
		storeTimeout:    cfg.StoreTimeout,
		roomTTL:         cfg.RoomTTL,
	}
	if svc.provider == nil {
		svc.provider = provider.NewJitsi("", "")
	}
	if svc.recoveryLimit <= 0 {
		svc.recoveryLimit = defaultRecoveryLimit
	}
	if svc.maxMediaBytes <= 0 {
		svc.maxMediaBytes = defaultMaxMediaBytes
	}
	if svc.maxTextBytes <= 0 {
		svc.maxTextBytes = defaultMaxTextBytes
	}
	if svc.maxParticipants <= 0 {
		svc.maxParticipants = defaultMaxParticipants
	}
	if svc.providerTimeout <= 0 {
		svc.providerTimeout = defaultProviderTimeout
	}
	if svc.storeTimeout <= 0 {
		svc.storeTimeout = defaultStoreTimeout
	}
	if svc.roomTTL <= 0 {
		svc.roomTTL = defaultRoomTTL
	}
	return svc
}

// Faults reports panics recovered from connection handlers. The process is
// expected to shut down once anything arrives here.
func (svc *Service) Faults() <-chan error {
	return svc.faults
}

// Sessions exposes the registry for read-only inspection.
func (svc *Service) Sessions() *session.Registry {
	return svc.sessions
}

// Connect registers the session, replays the backlog after auth.ServerOffset
// and starts handling inbound announcements from wire.RX until ctx is done.
func (svc *Service) Connect(ctx context.Context, connID string, auth model.AuthPayload, wire model.Wire) (session.Session, error) {
	sess := svc.sessions.Register(connID, auth.Username)
	metrics.SessionsActive.Inc()

	logger := svc.logger.With().
		Str("connID", connID).
		Str("username", sess.Username).
		Logger()

	hello := model.NewAnnouncement(model.TypeConnected, model.ConnectedPayload{
		ConnectionID: connID,
		Username:     sess.Username,
	})
	if err := deliver(ctx, wire.TX, hello); err != nil {
		svc.sessions.Unregister(connID)
		metrics.SessionsActive.Dec()
		return session.Session{}, errors.Join(ErrConnect, err)
	}

	// Replay and registration happen under the publish lock, so no live event
	// can slip between the last replayed one and the first broadcast one.
	svc.publishMx.Lock()
	replayed, err := svc.replay(ctx, auth.ServerOffset, wire.TX)
	svc.sw.Connect(connID, wire)
	svc.publishMx.Unlock()
	if err != nil {
		// A failed replay leaves the session live-only.
		logger.Error().Err(err).
			Int64("serverOffset", int64(auth.ServerOffset)).
			Int("replayed", replayed).
			Msg("recovery failed")
	}

	logger.Debug().
		Int64("serverOffset", int64(auth.ServerOffset)).
		Int("replayed", replayed).
		Msg("session connected")

	go svc.serve(ctx, connID, wire.RX, &logger)
	return sess, nil
}

// Disconnect drops the session and tears down any call it was part of.
func (svc *Service) Disconnect(ctx context.Context, connID string) error {
	svc.sw.Disconnect(connID)
	sess, ok := svc.sessions.Unregister(connID)
	if !ok {
		return ErrNotConnected
	}
	metrics.SessionsActive.Dec()

	// The connection context is usually done by now, peers still need to hear about it.
	ctx = context.WithoutCancel(ctx)
	svc.callMx.Lock()
	svc.teardownLocked(ctx, sess)
	svc.callMx.Unlock()

	svc.logger.Debug().
		Str("connID", connID).
		Str("username", sess.Username).
		Str("callState", string(sess.State)).
		Msg("session disconnected")
	return nil
}

func (svc *Service) serve(ctx context.Context, connID string, rx <-chan model.Announcement, logger *zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %s: %v", ErrFault, connID, r)
			logger.Error().Err(err).Msg("handler panicked")
			select {
			case svc.faults <- err:
			default:
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ann, ok := <-rx:
			if !ok {
				return
			}
			svc.handle(ctx, connID, ann, logger)
		}
	}
}

func (svc *Service) handle(ctx context.Context, connID string, ann model.Announcement, logger *zerolog.Logger) {
	in, err := model.Decode(ann)
	if err != nil {
		logger.Debug().Err(err).Str("type", ann.Type).Msg("rejected inbound announcement")
		svc.replyError(ctx, connID, decodeErrorMessage(err, ann.Type))
		return
	}

	switch in := in.(type) {
	case model.SubmitText:
		svc.submit(ctx, connID, model.KindText, in.Text, logger)
	case model.SubmitMedia:
		svc.submit(ctx, connID, in.Kind, in.Blob, logger)
	case model.CreateCallRoom:
		svc.createCallRoom(ctx, connID, logger)
	case model.NotifyCall:
		svc.notifyCall(ctx, connID, in, logger)
	case model.JoinCallRoom:
		svc.joinCallRoom(ctx, connID, in.RoomName)
	case model.LeaveCallRoom:
		svc.leaveCallRoom(connID, in.RoomName)
	case model.CallRequest:
		svc.callRequest(ctx, connID, logger)
	case model.CallAccept:
		svc.callAccept(ctx, connID, in.To, logger)
	case model.CallReject:
		svc.callReject(ctx, connID, in.To, logger)
	case model.CallEnd:
		svc.callEnd(ctx, connID, in.To)
	case model.Signal:
		svc.relaySignal(ctx, connID, in)
	}
}

func decodeErrorMessage(err error, typ string) string {
	switch {
	case errors.Is(err, model.ErrUnknownType):
		return fmt.Sprintf("unsupported event %q", typ)
	case errors.Is(err, model.ErrMissingRecipient):
		return fmt.Sprintf("event %q requires a recipient", typ)
	default:
		return fmt.Sprintf("malformed %q event", typ)
	}
}

func (svc *Service) replyError(ctx context.Context, connID, msg string) {
	svc.sw.Send(ctx, model.NewError(msg), connID)
}

func deliver(ctx context.Context, tx chan<- model.Announcement, ann model.Announcement) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case tx <- ann:
		return nil
	}
}
