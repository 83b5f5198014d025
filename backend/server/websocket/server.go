package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/synapse-relay/backend/model"
	"github.com/adwski/synapse-relay/backend/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultSessionCloseTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 1 << 20
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second
	defaultAuthTimeout                 = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	// frameOverhead covers the envelope and data url prefix around a media blob.
	frameOverhead = 64 << 10
)

var (
	ErrUnexpected = errors.New("unexpected server error")
	ErrAuth       = errors.New("auth frame expected")
)

type (
	RelayService interface {
		Connect(ctx context.Context, connID string, auth model.AuthPayload, wire model.Wire) (session.Session, error)
		Disconnect(ctx context.Context, connID string) error
	}

	Config struct {
		Logger         *zerolog.Logger
		RelayService   RelayService
		ListenAddr     string
		AuthTimeout    time.Duration
		MaxMessageSize int64
		WireBufferSize int
	}

	Server struct {
		svc RelayService
		ws  *websocket.Upgrader
		*http.Server

		// connCtx outlives requests; it is canceled on shutdown to stop hijacked connections.
		connCtx  context.Context
		stopConn context.CancelFunc

		authTimeout    time.Duration
		maxMessageSize int64
		wireBufferSize int

		logger zerolog.Logger
	}
)

// ReadLimit sizes the frame limit for a decoded media ceiling. Frames up to
// twice the encoded ceiling reach the relay, which answers oversized media
// with an error event instead of the transport dropping the connection.
func ReadLimit(maxMediaBytes int64) int64 {
	encoded := (maxMediaBytes + 2) / 3 * 4
	return 2*encoded + frameOverhead
}

func NewServer(cfg Config) *Server {
	connCtx, stopConn := context.WithCancel(context.Background())
	srv := &Server{
		logger:         cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:            cfg.RelayService,
		connCtx:        connCtx,
		stopConn:       stopConn,
		authTimeout:    cfg.AuthTimeout,
		maxMessageSize: cfg.MaxMessageSize,
		wireBufferSize: cfg.WireBufferSize,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
	if srv.authTimeout <= 0 {
		srv.authTimeout = defaultAuthTimeout
	}
	if srv.maxMessageSize <= 0 {
		srv.maxMessageSize = defaultWebSocketMaxMessageSize
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", srv.relay)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.stopConn()
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) relay(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	logger := srv.logger.With().
		Str("connID", connID).
		Str("remote", r.RemoteAddr).
		Logger()

	auth, err := readAuth(conn, srv.authTimeout, srv.maxMessageSize)
	if err != nil {
		logger.Warn().Err(err).Msg("handshake failed")
		writeError(conn, "auth frame expected", &logger)
		webSocketCloser(conn, &logger)
		return
	}

	wire := model.NewWire(srv.wireBufferSize)
	ctx, cancel := context.WithCancel(srv.connCtx) // long-living wire context

	// The writer must run before Connect so the replay can be drained.
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		webSocketSender(ctx, wg, conn, wire.TX, &logger)
		cancel()
	}()

	sess, err := srv.svc.Connect(ctx, connID, auth, wire)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect session")
		cancel()
		wg.Wait()
		webSocketCloser(conn, &logger)
		return
	}
	logger = logger.With().Str("username", sess.Username).Logger()
	logger.Debug().Msg("session connected")

	wg.Add(1)
	go func() {
		webSocketReceiver(ctx, wg, conn, connID, srv.maxMessageSize, wire.RX, &logger)
		cancel()
	}()
	go srv.handleWSConn(wg, conn, connID, &logger)
}

func (srv *Server) handleWSConn(wg *sync.WaitGroup, conn *websocket.Conn, connID string, logger *zerolog.Logger) {
	wg.Wait()
	webSocketCloser(conn, logger)
	srv.destroySession(connID, logger)
}

func (srv *Server) destroySession(connID string, logger *zerolog.Logger) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(defaultSessionCloseTimeout))
	defer cancel()
	if err := srv.svc.Disconnect(ctx, connID); err != nil {
		logger.Error().Err(err).Msg("failed to disconnect session")
		return
	}
	logger.Debug().Msg("session ended")
}

// readAuth waits for the first frame, which must be an auth announcement.
// A missing payload means an anonymous session with no recovery cursor.
func readAuth(conn *websocket.Conn, timeout time.Duration, limit int64) (model.AuthPayload, error) {
	var auth model.AuthPayload
	conn.SetReadLimit(limit)
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return auth, err
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return auth, errors.Join(ErrAuth, err)
	}
	var ann model.Announcement
	if err = json.Unmarshal(msg, &ann); err != nil {
		return auth, errors.Join(ErrAuth, err)
	}
	if ann.Type != model.TypeAuth {
		return auth, fmt.Errorf("%w: got %q", ErrAuth, ann.Type)
	}
	if len(ann.Payload) > 0 {
		if err = json.Unmarshal(ann.Payload, &auth); err != nil {
			return auth, errors.Join(ErrAuth, err)
		}
	}
	return auth, nil
}

func writeError(conn *websocket.Conn, msg string, logger *zerolog.Logger) {
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket write deadline")
		return
	}
	if err := conn.WriteJSON(model.NewError(msg)); err != nil {
		logger.Error().Err(err).Msg("failed to write error message")
	}
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan model.Announcement,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
			}
			logger.Trace().Msg("ping sent")

		case msg, ok := <-tx:
			if !ok {
				break SendLoop
			}

			b, wsErr := json.Marshal(&msg)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to marshall outgoing message")
				break SendLoop
			}

			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsW, wsErr := conn.NextWriter(websocket.TextMessage)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to get websocket text writer")
				break SendLoop
			}
			_, wsErr = wsW.Write(b)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
			wsErr = wsW.Close()
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to close websocket writer")
				break SendLoop
			}
		}
	}
}

func webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	connID string,
	limit int64,
	rx chan<- model.Announcement,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(limit)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Debug().Err(wsErr).Msg("connection closed")
				} else {
					logger.Warn().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			var ann model.Announcement
			if wsErr = json.Unmarshal(msg, &ann); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to unmarshall incoming message")
			} else {
				ann.From = connID
				select {
				case rx <- ann:
				case <-ctx.Done():
					break RecvLoop
				}
			}
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to send close message")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
