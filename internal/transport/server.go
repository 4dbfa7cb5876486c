package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"odin-roulette-server/internal/config"
	"odin-roulette-server/internal/limits"
	"odin-roulette-server/internal/matching"
	"odin-roulette-server/internal/metrics"
	"odin-roulette-server/internal/protocol"
	"odin-roulette-server/internal/session"
)

// Matchmaker is the matching core as seen from a connection.
type Matchmaker interface {
	Connect(id string)
	SubmitProfile(id string, p matching.Profile) error
	Relay(senderID, targetID string, msg matching.Message) error
	Skip(id string)
	Disconnect(id string)
}

// Server handles TCP listening and WebSocket upgrades using gobwas/ws.
type Server struct {
	cfg      config.Config
	logger   *zap.Logger
	hub      *session.Hub
	matcher  Matchmaker
	metrics  *metrics.Registry
	connRate *limits.ConnectionLimiter
	msgRate  *limits.MessageLimiter
	listener net.Listener
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

func WithConnectionLimiter(l *limits.ConnectionLimiter) Option {
	return func(s *Server) { s.connRate = l }
}

func WithMessageLimiter(l *limits.MessageLimiter) Option {
	return func(s *Server) { s.msgRate = l }
}

func NewServer(cfg config.Config, logger *zap.Logger, hub *session.Hub, matcher Matchmaker, metricsRegistry *metrics.Registry, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, logger: logger, hub: hub, matcher: matcher, metrics: metricsRegistry}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if s.listener != nil {
		return errors.New("transport already started")
	}

	addr := s.cfg.Server.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.logger.Info("transport listening",
		zap.String("addr", ln.Addr().String()), zap.String("path", s.cfg.WebSocket.Path))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()

	return nil
}

// Addr is the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener, ends every connection and waits for their
// goroutines to finish.
func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.hub.Shutdown(context.Background())
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			s.countAcceptError()
			s.logger.Warn("accept error", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConnection(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConnection(parent context.Context, conn net.Conn) {
	defer conn.Close()

	ip := remoteIP(conn)
	if timeout := s.cfg.Server.HandshakeTimeout; timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			s.logger.Debug("set deadline", zap.Error(err))
		}
	}

	if _, err := s.upgrader(ip).Upgrade(conn); err != nil {
		s.countAcceptError()
		s.logger.Debug("upgrade failed", zap.String("ip", ip), zap.Error(err))
		return
	}

	_ = conn.SetDeadline(time.Time{})
	out := &frameWriter{conn: conn, timeout: s.cfg.Server.WriteTimeout}

	registration, err := s.hub.Register(conn)
	if err != nil {
		s.logger.Warn("connection refused", zap.String("ip", ip), zap.Error(err))
		_ = out.close(ws.StatusGoingAway, "server full")
		return
	}
	defer s.hub.Unregister(registration)

	log := s.logger.With(zap.String("conn_id", registration.ID), zap.String("ip", ip))
	log.Debug("connection opened")

	connCtx, cancel := context.WithCancel(parent)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(connCtx, registration, out, log)
		// unblocks the read loop when the hub shuts the queue
		_ = conn.Close()
	}()

	s.matcher.Connect(registration.ID)
	s.readLoop(registration, conn, out, log)

	s.matcher.Disconnect(registration.ID)
	if s.msgRate != nil {
		s.msgRate.Remove(registration.ID)
	}
	cancel()
	<-done
	log.Debug("connection closed")
}

// upgrader rejects other paths with 404 and rate limited clients with 429
// before the handshake completes.
func (s *Server) upgrader(ip string) ws.Upgrader {
	return ws.Upgrader{
		OnRequest: func(uri []byte) error {
			path := uri
			if i := bytes.IndexByte(uri, '?'); i >= 0 {
				path = uri[:i]
			}
			if string(path) != s.cfg.WebSocket.Path {
				return ws.RejectConnectionError(ws.RejectionStatus(http.StatusNotFound))
			}
			if s.connRate != nil && !s.connRate.Allow(ip) {
				return ws.RejectConnectionError(
					ws.RejectionStatus(http.StatusTooManyRequests),
					ws.RejectionReason("connection rate limit exceeded"),
				)
			}
			return nil
		},
	}
}

func (s *Server) readLoop(c *session.Connection, conn net.Conn, out *frameWriter, log *zap.Logger) {
	maxSize := s.cfg.WebSocket.MaxMessageSize
	reader := wsutil.NewReader(conn, ws.StateServerSide)
	reader.OnIntermediate = func(head ws.Header, r io.Reader) error {
		return s.handleControl(head, r, out)
	}

	for {
		if s.cfg.Server.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Server.IdleTimeout))
		}

		head, err := reader.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("read frame error", zap.Error(err))
			}
			return
		}

		switch head.OpCode {
		case ws.OpClose, ws.OpPing, ws.OpPong:
			if err := s.handleControl(head, reader, out); err != nil {
				return
			}
		case ws.OpText, ws.OpBinary:
			if maxSize > 0 && head.Length > maxSize {
				log.Debug("frame too large", zap.Int64("length", head.Length))
				_ = reader.Discard()
				_ = out.close(ws.StatusMessageTooBig, "message too large")
				return
			}
			payload, err := readMessage(reader, maxSize)
			if err != nil {
				if errors.Is(err, errTooLarge) {
					_ = out.close(ws.StatusMessageTooBig, "message too large")
				} else {
					log.Debug("read message data error", zap.Error(err))
				}
				return
			}
			s.dispatch(c, payload, log)
		default:
			if err := reader.Discard(); err != nil {
				log.Debug("drain frame data error", zap.Error(err))
				return
			}
		}
	}
}

var errClosed = errors.New("transport: peer closed")

// handleControl answers ping with pong and close with close. It returns
// errClosed once the close handshake is done.
func (s *Server) handleControl(head ws.Header, r io.Reader, out *frameWriter) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	switch head.OpCode {
	case ws.OpPing:
		return out.write(ws.OpPong, payload)
	case ws.OpClose:
		_ = out.close(ws.StatusNormalClosure, "")
		return errClosed
	}
	return nil
}

// dispatch decodes one client message and hands it to the matchmaker. A
// panic here only ends this message.
func (s *Server) dispatch(c *session.Connection, payload []byte, log *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic handling message", zap.Any("panic", r), zap.Stack("stack"))
			s.reject(c, "internal", "internal error")
		}
	}()

	if s.msgRate != nil && !s.msgRate.Allow(c.ID) {
		s.reject(c, "rate_limited", "message rate limit exceeded")
		return
	}

	msg, err := protocol.Decode(payload)
	if err != nil {
		log.Debug("rejected message", zap.Error(err))
		s.reject(c, protocol.Reason(err), err.Error())
		return
	}

	switch m := msg.(type) {
	case protocol.SubmitProfile:
		if err := s.matcher.SubmitProfile(c.ID, m.Profile()); err != nil {
			log.Debug("submit profile", zap.Error(err))
		}
	case protocol.Skip:
		s.matcher.Skip(c.ID)
	case protocol.Ping:
		s.hub.Send(c.ID, protocol.Pong{TS: time.Now().UnixMilli()})
	case protocol.Relayable:
		if err := s.matcher.Relay(c.ID, m.Target(), m.Forward(c.ID)); err != nil {
			log.Debug("relay dropped",
				zap.String("type", m.Type()), zap.String("target", m.Target()), zap.Error(err))
		}
	default:
		log.Warn("decoded message has no handler", zap.String("type", msg.Type()))
	}
}

func (s *Server) reject(c *session.Connection, code, message string) {
	if s.metrics != nil {
		s.metrics.Messages.Rejected.WithLabelValues(code).Inc()
	}
	s.hub.Send(c.ID, protocol.Error{Code: code, Message: message})
}

func (s *Server) writeLoop(ctx context.Context, connState *session.Connection, out *frameWriter, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-connState.SendQueue:
			if !ok {
				_ = out.close(ws.StatusGoingAway, "server shutting down")
				return
			}
			if err := out.write(ws.OpText, payload); err != nil {
				log.Debug("write message error", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) countAcceptError() {
	if s.metrics != nil {
		s.metrics.Connections.AcceptErrors.Inc()
	}
}

var errTooLarge = errors.New("transport: message exceeds max size")

// readMessage reads the rest of the current message, following
// continuation frames.
func readMessage(r io.Reader, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		return io.ReadAll(r)
	}
	payload, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(payload)) > maxSize {
		return nil, errTooLarge
	}
	return payload, nil
}

// frameWriter serializes whole frames from the read and write loops.
type frameWriter struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
}

func (w *frameWriter) write(op ws.OpCode, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	return wsutil.WriteServerMessage(w.conn, op, payload)
}

func (w *frameWriter) close(code ws.StatusCode, reason string) error {
	return w.write(ws.OpClose, ws.NewCloseFrameBody(code, reason))
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
