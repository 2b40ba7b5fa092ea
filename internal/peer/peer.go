// Package peer is the wallet side of the light-client protocol: a websocket
// connection to a full node that answers state queries and pushes coin state
// updates for everything the wallet registered interest in.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/gorilla/websocket"
	"github.com/ronickg/chia-wallet-sdk/internal/config"
	"github.com/ronickg/chia-wallet-sdk/internal/model"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrPeerClosed is returned by requests issued on or interrupted by a closed
// connection.
var ErrPeerClosed = errors.New("peer connection closed")

const (
	// Message limit for receiving side.
	wsReadLimit = 50 * 1024 * 1024

	// Disconnection timeout.
	wsPongLimit = 60 * time.Second

	// Ping period for connection liveness check.
	wsPingPeriod = wsPongLimit / 2

	// Write deadline.
	wsWriteLimit = wsPingPeriod / 2

	dialRetryDelay = 500 * time.Millisecond
)

// Options tune a peer connection.
type Options struct {
	// BaseMessageRate * RateLimitFactor is the outbound message budget per
	// second. Zero disables throttling.
	BaseMessageRate float64
	RateLimitFactor float64
	DialAttempts    uint
	DialTimeout     time.Duration
}

// OptionsFromConfig maps wallet config onto peer options.
func OptionsFromConfig(conf *config.WalletConfig) Options {
	return Options{
		BaseMessageRate: conf.BaseMessageRate,
		RateLimitFactor: conf.RateLimitFactor,
		DialAttempts:    conf.DialAttempts,
	}
}

func (o Options) limiter() *rate.Limiter {
	limit := o.BaseMessageRate * o.RateLimitFactor
	if limit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(limit)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(limit), burst)
}

type outbound struct {
	msg  *model.Message
	sent chan error
}

// Peer is a websocket connection to a full node.
type Peer struct {
	ws      *websocket.Conn
	logger  *zap.Logger
	limiter *rate.Limiter

	requests chan outbound
	incoming chan model.CoinStateUpdate
	events   chan model.CoinStateUpdate

	mu      sync.Mutex
	nextID  uint16
	pending map[uint16]chan *model.Message
	err     error

	shutdown  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to a peer's websocket endpoint, retrying failed handshakes.
func Dial(ctx context.Context, url string, opts Options, logger *zap.Logger) (*Peer, error) {
	dialer := websocket.Dialer{HandshakeTimeout: opts.DialTimeout}
	attempts := opts.DialAttempts
	if attempts == 0 {
		attempts = config.DefaultDialAttempts
	}

	var ws *websocket.Conn
	err := retry.Do(
		func() error {
			conn, _, err := dialer.DialContext(ctx, url, nil)
			if err != nil {
				return err
			}
			ws = conn
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(dialRetryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("Dial::Retry", zap.String("url", url), zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	logger.Info("Dial::Connected", zap.String("url", url))
	return NewPeer(ws, opts, logger), nil
}

// NewPeer takes ownership of an established websocket connection.
func NewPeer(ws *websocket.Conn, opts Options, logger *zap.Logger) *Peer {
	p := &Peer{
		ws:       ws,
		logger:   logger,
		limiter:  opts.limiter(),
		requests: make(chan outbound),
		incoming: make(chan model.CoinStateUpdate),
		events:   make(chan model.CoinStateUpdate),
		pending:  make(map[uint16]chan *model.Message),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.wsReader()
	go p.wsWriter()
	go p.forwardEvents()
	return p
}

// Events streams coin state updates pushed by the peer in arrival order. It is
// closed once the connection ends and every received update was consumed.
func (p *Peer) Events() <-chan model.CoinStateUpdate {
	return p.events
}

// Done is closed when the connection has ended.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Err reports why the connection ended, or nil while it is alive.
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close closes connection to the remote side rendering this peer unusable.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		close(p.shutdown)
	})
	<-p.done
	return nil
}

func (p *Peer) wsReader() {
	p.ws.SetReadLimit(wsReadLimit)
	p.ws.SetPongHandler(func(string) error { return p.ws.SetReadDeadline(time.Now().Add(wsPongLimit)) })

	var err error
	for {
		msg := new(model.Message)
		_ = p.ws.SetReadDeadline(time.Now().Add(wsPongLimit))
		if err = p.ws.ReadJSON(msg); err != nil {
			break
		}
		if msg.ID == nil {
			if msg.Type != model.TypeCoinStateUpdate {
				err = fmt.Errorf("unexpected push message %q", msg.Type)
				break
			}
			var update model.CoinStateUpdate
			if err = msg.Decode(&update); err != nil {
				break
			}
			select {
			case p.incoming <- update:
			case <-p.shutdown:
			}
			continue
		}

		p.mu.Lock()
		ch, ok := p.pending[*msg.ID]
		delete(p.pending, *msg.ID)
		p.mu.Unlock()
		if !ok {
			p.logger.Warn("wsReader::UnknownResponse", zap.Uint16("id", *msg.ID), zap.String("type", msg.Type))
			continue
		}
		ch <- msg
	}

	p.mu.Lock()
	select {
	case <-p.shutdown:
		p.err = ErrPeerClosed
	default:
		p.err = fmt.Errorf("%w: %v", ErrPeerClosed, err)
	}
	p.pending = make(map[uint16]chan *model.Message)
	p.mu.Unlock()

	p.logger.Debug("wsReader::Exit", zap.Error(err))
	close(p.done)
	close(p.incoming)
}

func (p *Peer) wsWriter() {
	pingTicker := time.NewTicker(wsPingPeriod)
	defer p.ws.Close()
	defer pingTicker.Stop()
	for {
		select {
		case <-p.shutdown:
			_ = p.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteLimit))
			return
		case <-p.done:
			return
		case req := <-p.requests:
			_ = p.ws.SetWriteDeadline(time.Now().Add(wsWriteLimit))
			err := p.ws.WriteJSON(req.msg)
			req.sent <- err
			if err != nil {
				return
			}
		case <-pingTicker.C:
			_ = p.ws.SetWriteDeadline(time.Now().Add(wsWriteLimit))
			if err := p.ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

// forwardEvents queues pushed updates so a slow consumer never stalls the
// reader, which must keep routing responses.
func (p *Peer) forwardEvents() {
	defer close(p.events)
	var queue []model.CoinStateUpdate
	incoming := p.incoming
	for incoming != nil || len(queue) > 0 {
		var (
			out  chan model.CoinStateUpdate
			next model.CoinStateUpdate
		)
		if len(queue) > 0 {
			out, next = p.events, queue[0]
		}
		select {
		case update, ok := <-incoming:
			if !ok {
				incoming = nil
				continue
			}
			queue = append(queue, update)
		case out <- next:
			queue = queue[1:]
		case <-p.shutdown:
			return
		}
	}
}

func (p *Peer) register() (uint16, chan *model.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, nil, p.err
	}
	if len(p.pending) > int(^uint16(0)) {
		return 0, nil, errors.New("too many requests in flight")
	}
	for {
		p.nextID++
		if _, busy := p.pending[p.nextID]; !busy {
			break
		}
	}
	ch := make(chan *model.Message, 1)
	p.pending[p.nextID] = ch
	return p.nextID, ch, nil
}

func (p *Peer) forget(id uint16) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *Peer) closedErr() error {
	if err := p.Err(); err != nil {
		return err
	}
	return ErrPeerClosed
}

// call sends one request and waits for the message that answers it.
func (p *Peer) call(ctx context.Context, reqType string, data interface{}) (*model.Message, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	id, ch, err := p.register()
	if err != nil {
		return nil, err
	}
	msg, err := model.NewMessage(reqType, &id, data)
	if err != nil {
		p.forget(id)
		return nil, err
	}

	req := outbound{msg: msg, sent: make(chan error, 1)}
	select {
	case p.requests <- req:
	case <-ctx.Done():
		p.forget(id)
		return nil, ctx.Err()
	case <-p.done:
		return nil, p.closedErr()
	}
	if err := <-req.sent; err != nil {
		p.forget(id)
		return nil, fmt.Errorf("%w: %v", ErrPeerClosed, err)
	}

	select {
	case resp := <-ch:
		if resp.Type == model.TypeReject {
			perr := new(model.ProtocolError)
			if err := resp.Decode(perr); err != nil {
				return nil, err
			}
			return nil, perr
		}
		return resp, nil
	case <-ctx.Done():
		p.forget(id)
		return nil, ctx.Err()
	case <-p.done:
		return nil, p.closedErr()
	}
}

// request performs call and decodes a response of the expected type into out.
func (p *Peer) request(ctx context.Context, reqType, respType string, data, out interface{}) error {
	resp, err := p.call(ctx, reqType, data)
	if err != nil {
		return err
	}
	if resp.Type != respType {
		return fmt.Errorf("%s: unexpected response %q", reqType, resp.Type)
	}
	return resp.Decode(out)
}
