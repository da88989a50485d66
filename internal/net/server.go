// Package net is the TCP transport: it accepts connections, decodes
// line-delimited wire requests, and drives ironbook/internal/controller
// to handle them, writing back ACK/NACK/SNAPSHOT/EXEC lines. It owns
// no matching logic of its own.
package net

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"ironbook/internal/common"
	"ironbook/internal/controller"
	"ironbook/internal/engine"
	"ironbook/internal/metrics"
	"ironbook/internal/protocol"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const (
	defaultNWorkers = 32
	maxLineBytes    = 4 * 1024
)

var ErrImproperConversion = errors.New("net: improper type conversion")

// session tracks one connected client so executions can be fanned
// back out to it after the controller returns.
type session struct {
	id   uuid.UUID
	conn net.Conn
	mu   sync.Mutex
}

func (s *session) writeLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Write([]byte(line))
	return err
}

// Server listens on address:port and serves the wire protocol,
// dispatching every accepted request to controller.
type Server struct {
	address    string
	port       int
	controller *controller.Controller
	metrics    *metrics.Metrics
	pool       WorkerPool
	cancel     context.CancelFunc

	sessionsMu sync.Mutex
	sessions   map[string]*session

	// participants maps a participantId to the session that last
	// submitted an order as it, so an execution can be fanned out to
	// both sides of a trade even when the counterparty's order rested
	// from an earlier, different connection.
	participants map[uint64]*session
}

func New(address string, port int, c *controller.Controller, m *metrics.Metrics) *Server {
	return &Server{
		address:      address,
		port:         port,
		controller:   c,
		metrics:      m,
		pool:         NewWorkerPool(defaultNWorkers),
		sessions:     make(map[string]*session),
		participants: make(map[uint64]*session),
	}
}

func (s *Server) Shutdown() {
	log.Info().Msg("server shutting down")
	if s.cancel != nil {
		s.cancel()
	}
}

// Run blocks, accepting and serving connections until ctx is
// cancelled. Errors from individual connections never escape; only a
// listener-level failure returns.
func (s *Server) Run(ctx context.Context) error {
	defer s.Shutdown()

	ctx, s.cancel = context.WithCancel(ctx)
	t, ctx := tomb.WithContext(ctx)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.address, s.port))
	if err != nil {
		return fmt.Errorf("net: listen: %w", err)
	}
	defer listener.Close()

	t.Go(func() error {
		s.pool.Setup(t, s.handleConnection)
		return nil
	})

	log.Info().Str("address", listener.Addr().String()).Msg("server running")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return nil
				default:
				}
				log.Error().Err(err).Msg("error accepting client")
				continue
			}
			s.pool.AddTask(conn)
		}
	}
}

// handleConnection owns a connection for its whole lifetime, reading
// one line-delimited request at a time until the client disconnects
// or the tomb is dying.
func (s *Server) handleConnection(t *tomb.Tomb, task any) error {
	conn, ok := task.(net.Conn)
	if !ok {
		return ErrImproperConversion
	}
	defer conn.Close()

	sess := &session{id: uuid.New(), conn: conn}
	s.addSession(sess)
	defer s.removeSession(sess.id.String())

	if s.metrics != nil {
		s.metrics.ConnectedSess.Inc()
		defer s.metrics.ConnectedSess.Dec()
	}

	log.Info().Str("session", sess.id.String()).Str("remote", conn.RemoteAddr().String()).Msg("session opened")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, maxLineBytes), maxLineBytes)

	for {
		select {
		case <-t.Dying():
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				log.Warn().Str("session", sess.id.String()).Err(err).Msg("session read error")
			}
			log.Info().Str("session", sess.id.String()).Msg("session closed")
			return nil
		}

		s.handleLine(sess, scanner.Text())
	}
}

func (s *Server) handleLine(sess *session, line string) {
	req, err := protocol.Parse(line)
	if err != nil {
		log.Warn().Str("session", sess.id.String()).Err(err).Msg("failed to parse request line")
		return
	}

	switch req.Kind {
	case protocol.ReqAdd:
		s.handleAdd(sess, req)
	case protocol.ReqCancel:
		s.handleCancel(sess, req)
	case protocol.ReqCancelReplace:
		s.handleCancelReplace(sess, req)
	case protocol.ReqSnapshotRequest:
		s.handleSnapshotRequest(sess, req)
	case protocol.ReqHeartbeat:
		sess.writeLine(protocol.FormatHeartbeatAck(req.Seq))
	case protocol.ReqHalt:
		s.handleHalt(sess, req)
	case protocol.ReqResume:
		s.handleResume(sess, req)
	}
}

func (s *Server) handleAdd(sess *session, req protocol.Request) {
	execs, err := s.controller.DispatchAdd(req.Add)
	if err != nil {
		s.recordReject(err)
		sess.writeLine(protocol.FormatNack(protocol.ReqAdd, req.Seq, rejectReason(err)))
		return
	}
	s.bindParticipant(req.Add.ParticipantID, sess)
	sess.writeLine(protocol.FormatAck(protocol.ReqAdd, req.Seq, req.Add.OrderID))
	s.fanOutExecutions(execs)
	s.reportDepth(req.Add.Symbol)
}

func (s *Server) handleCancel(sess *session, req protocol.Request) {
	symbol, _ := s.controller.SymbolForOrder(req.CancelOrderID)
	if err := s.controller.DispatchCancel(req.CancelOrderID, req.ParticipantID); err != nil {
		s.recordReject(err)
		sess.writeLine(protocol.FormatNack(protocol.ReqCancel, req.Seq, rejectReason(err)))
		return
	}
	sess.writeLine(protocol.FormatAck(protocol.ReqCancel, req.Seq, req.CancelOrderID))
	s.reportDepth(symbol)
}

func (s *Server) handleCancelReplace(sess *session, req protocol.Request) {
	symbol, _ := s.controller.SymbolForOrder(req.CancelOrderID)
	execs, err := s.controller.DispatchCancelReplace(req.CancelOrderID, req.NewPrice, req.NewQuantity, req.ParticipantID)
	if err != nil {
		s.recordReject(err)
		sess.writeLine(protocol.FormatNack(protocol.ReqCancelReplace, req.Seq, rejectReason(err)))
		return
	}
	sess.writeLine(protocol.FormatAck(protocol.ReqCancelReplace, req.Seq, req.CancelOrderID))
	s.fanOutExecutions(execs)
	s.reportDepth(symbol)
}

// handleHalt processes an operator-issued HALT, the only reachable way
// to trip Controller.HaltSymbol directly (as opposed to the automatic
// volatility halt engine.checkVolatilityHalt trips on its own).
func (s *Server) handleHalt(sess *session, req protocol.Request) {
	if err := s.controller.HaltSymbol(req.Symbol); err != nil {
		sess.writeLine(protocol.FormatNack(protocol.ReqHalt, req.Seq, "UNKNOWN_SYMBOL"))
		return
	}
	if s.metrics != nil {
		s.metrics.Halts.Inc()
	}
	sess.writeLine(protocol.FormatAck(protocol.ReqHalt, req.Seq, 0))
}

// handleResume processes an operator-issued RESUME, the only way a
// halted symbol — whether halted by HALT or by an automatic
// volatility trip — can ever resume trading.
func (s *Server) handleResume(sess *session, req protocol.Request) {
	if err := s.controller.ResumeSymbol(req.Symbol); err != nil {
		sess.writeLine(protocol.FormatNack(protocol.ReqResume, req.Seq, "UNKNOWN_SYMBOL"))
		return
	}
	if s.metrics != nil {
		s.metrics.Resumes.Inc()
	}
	sess.writeLine(protocol.FormatAck(protocol.ReqResume, req.Seq, 0))
}

func (s *Server) handleSnapshotRequest(sess *session, req protocol.Request) {
	bestBid, bestAsk, lastTradePrice, err := s.controller.DispatchSnapshotRequest(req.Symbol)
	if err != nil {
		sess.writeLine(protocol.FormatNack("SNAPSHOT", req.Seq, "UNKNOWN_SYMBOL"))
		return
	}
	sess.writeLine(protocol.FormatSnapshot(req.Symbol, bestBid, bestAsk, lastTradePrice))
}

// fanOutExecutions delivers each execution to whichever connected
// sessions currently own its buy and sell participant, which may be
// neither, either, or both of them depending on who is connected.
func (s *Server) fanOutExecutions(execs []common.Execution) {
	for _, e := range execs {
		if s.metrics != nil {
			s.metrics.Executions.WithLabelValues(e.Symbol).Inc()
		}
		line := protocol.FormatExecution(e)
		delivered := make(map[string]bool, 2)
		for _, participantID := range [2]uint64{e.BuyParticipant, e.SellParticipant} {
			if sess, ok := s.participantSession(participantID); ok && !delivered[sess.id.String()] {
				sess.writeLine(line)
				delivered[sess.id.String()] = true
			}
		}
	}
}

func (s *Server) reportDepth(symbol string) {
	if s.metrics == nil || symbol == "" {
		return
	}
	bidCount, askCount, err := s.controller.Depth(symbol)
	if err != nil {
		return
	}
	s.metrics.BookDepth.WithLabelValues(symbol, "BUY").Set(float64(bidCount))
	s.metrics.BookDepth.WithLabelValues(symbol, "SELL").Set(float64(askCount))
}

func (s *Server) bindParticipant(participantID uint64, sess *session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.participants[participantID] = sess
}

func (s *Server) participantSession(participantID uint64) (*session, bool) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	sess, ok := s.participants[participantID]
	return sess, ok
}

// recordReject labels the rejects counter by reason. A VOLATILITY_HALT
// reject is also counted as a halt: it means this exact ProcessAdd call
// is the one that just tripped checkVolatilityHalt, since a symbol
// already halted NACKs with TRADING_HALTED instead (see
// engine.Engine.validateAdd).
func (s *Server) recordReject(err error) {
	if s.metrics == nil {
		return
	}
	var rej *engine.RejectError
	if errors.As(err, &rej) {
		s.metrics.Rejects.WithLabelValues(string(rej.Reason)).Inc()
		if rej.Reason == engine.RejectVolatilityHalt {
			s.metrics.Halts.Inc()
		}
		return
	}
	s.metrics.Rejects.WithLabelValues("ROUTING").Inc()
}

func rejectReason(err error) string {
	var rej *engine.RejectError
	if errors.As(err, &rej) {
		return string(rej.Reason)
	}
	return err.Error()
}

func (s *Server) addSession(sess *session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[sess.id.String()] = sess
}

func (s *Server) removeSession(id string) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	delete(s.sessions, id)
}
