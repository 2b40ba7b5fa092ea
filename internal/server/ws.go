package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/ronickg/chia-wallet-sdk/internal/model"
	"github.com/ronickg/chia-wallet-sdk/internal/subscription"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// Message limit for receiving side.
	wsReadLimit = 10 * 1024 * 1024

	// Disconnection timeout.
	wsPongLimit = 60 * time.Second

	// Ping period for connection liveness check.
	wsPingPeriod = wsPongLimit / 2

	// Write deadline.
	wsWriteLimit = wsPingPeriod / 2
)

// conn is one websocket session. updates is fed by the notifier under the
// server lock and closed, also under the lock, when the session is removed.
type conn struct {
	id      subscription.SessionID
	ws      *websocket.Conn
	updates chan *websocket.PreparedMessage
	results chan *model.Message
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
}

func (s *Server) newLimiter() *rate.Limiter {
	limit := s.conf.BaseMessageRate * s.conf.RateLimitFactor
	burst := int(limit)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(limit), burst)
}

func (s *Server) wsHandle() func(ctx *gin.Context) {
	return func(ctx *gin.Context) {
		s.mu.Lock()
		full := len(s.conns) >= s.conf.MaxConnections
		s.mu.Unlock()
		if full {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{
				"code": http.StatusServiceUnavailable,
				"msg":  "websocket users limit reached",
			})
			return
		}

		ws, err := s.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
		if err != nil {
			s.logger.Info("websocket connection upgrade failed", zap.Error(err))
			return
		}

		c, ok := s.register(ws)
		if !ok {
			s.logger.Info("websocket users limit reached", zap.String("remote", ws.RemoteAddr().String()))
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "websocket users limit reached"),
				time.Now().Add(wsWriteLimit))
			ws.Close()
			return
		}
		go s.handleWsWrites(c)
		s.handleWsReads(c)
	}
}

// register adds a session to the connection table, unless the table is
// full.
func (s *Server) register(ws *websocket.Conn) (*conn, bool) {
	cctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:      ws,
		updates: make(chan *websocket.PreparedMessage, s.conf.OutboundBuffer),
		results: make(chan *model.Message),
		limiter: s.newLimiter(),
		ctx:     cctx,
		cancel:  cancel,
	}

	s.mu.Lock()
	if len(s.conns) >= s.conf.MaxConnections {
		s.mu.Unlock()
		cancel()
		return nil, false
	}
	s.nextID++
	c.id = s.nextID
	s.conns[c.id] = c
	n := len(s.conns)
	s.mu.Unlock()

	wsConnections.Set(float64(n))
	s.logger.Info("session opened", zap.Uint64("session", uint64(c.id)), zap.String("remote", ws.RemoteAddr().String()))
	return c, true
}

// teardown removes a session and everything it registered. Once it returns
// the notifier can no longer reach the session.
func (s *Server) teardown(c *conn) {
	s.mu.Lock()
	if _, ok := s.conns[c.id]; ok {
		delete(s.conns, c.id)
		s.registry.Remove(c.id)
		close(c.updates)
	}
	n := len(s.conns)
	s.mu.Unlock()

	c.cancel()
	wsConnections.Set(float64(n))
	s.logger.Info("session closed", zap.Uint64("session", uint64(c.id)))
}

func (s *Server) handleWsWrites(c *conn) {
	pingTicker := time.NewTicker(wsPingPeriod)
eventloop:
	for {
		select {
		case <-s.shutdown:
			break eventloop
		case event, ok := <-c.updates:
			if !ok {
				break eventloop
			}
			if err := c.limiter.Wait(c.ctx); err != nil {
				break eventloop
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(wsWriteLimit)); err != nil {
				break eventloop
			}
			if err := c.ws.WritePreparedMessage(event); err != nil {
				break eventloop
			}
			updatesDelivered.Inc()
		case res, ok := <-c.results:
			if !ok {
				break eventloop
			}
			if err := c.limiter.Wait(c.ctx); err != nil {
				break eventloop
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(wsWriteLimit)); err != nil {
				break eventloop
			}
			if err := c.ws.WriteJSON(res); err != nil {
				break eventloop
			}
		case <-pingTicker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(wsWriteLimit)); err != nil {
				break eventloop
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				break eventloop
			}
		}
	}
	c.ws.Close()
	pingTicker.Stop()
	// The reader may be blocked handing over a result.
	for {
		select {
		case _, ok := <-c.results:
			if !ok {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (s *Server) handleWsReads(c *conn) {
	c.ws.SetReadLimit(wsReadLimit)
	err := c.ws.SetReadDeadline(time.Now().Add(wsPongLimit))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(wsPongLimit)) })
requestloop:
	for err == nil {
		var data []byte
		_, data, err = c.ws.ReadMessage()
		if err != nil {
			break
		}
		res := s.handleRequest(c, data)
		if res == nil {
			continue
		}
		select {
		case <-s.shutdown:
			break requestloop
		case <-c.ctx.Done():
			break requestloop
		case c.results <- res:
		}
	}

	s.teardown(c)
	close(c.results)
	c.ws.Close()
}

// handleRequest runs one request and builds its answer. Malformed input is
// answered with a reject message, the session stays open.
func (s *Server) handleRequest(c *conn, data []byte) *model.Message {
	req := new(model.Message)
	if err := json.Unmarshal(data, req); err != nil {
		s.logger.Debug("malformed message", zap.Uint64("session", uint64(c.id)), zap.Error(err))
		return rejectMessage(nil, model.NewParseError(err.Error()))
	}
	if req.ID == nil {
		return rejectMessage(nil, model.NewInvalidParamsError("request without id"))
	}

	handler, ok := wsHandlers[req.Type]
	if !ok {
		return rejectMessage(req.ID, model.NewUnknownMethodError(req.Type))
	}

	start := time.Now()
	resType, result, perr := handler(s, c, req)
	addReqTimeMetric(req.Type, time.Since(start))
	if perr != nil {
		s.logger.Info("request rejected",
			zap.Uint64("session", uint64(c.id)),
			zap.String("type", req.Type),
			zap.Int("code", perr.Code),
			zap.String("msg", perr.Message))
		return rejectMessage(req.ID, perr)
	}

	msg, err := model.NewMessage(resType, req.ID, result)
	if err != nil {
		return rejectMessage(req.ID, model.NewInternalError(err.Error()))
	}
	return msg
}

func rejectMessage(id *uint16, perr *model.ProtocolError) *model.Message {
	// ProtocolError always marshals.
	msg, _ := model.NewMessage(model.TypeReject, id, perr)
	return msg
}
