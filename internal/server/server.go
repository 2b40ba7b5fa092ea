// Package server simulates a full node for light wallets. It owns a coin
// ledger, accepts websocket sessions that register interest in coins and
// puzzle hashes, and pushes coin state updates to them as the ledger moves.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ronickg/chia-wallet-sdk/internal/config"
	"github.com/ronickg/chia-wallet-sdk/internal/ledger"
	"github.com/ronickg/chia-wallet-sdk/internal/model"
	"github.com/ronickg/chia-wallet-sdk/internal/subscription"
	"github.com/ronickg/chia-wallet-sdk/pkg"
	"go.uber.org/zap"
)

const (
	// readTimeout is the maximum duration for reading the entire
	// request, including the body.
	readTimeout = 5 * time.Minute

	// writeTimeout is the maximum duration before timing out
	// writes of the response. It is reset whenever a new
	// request's header is read.
	writeTimeout = 5 * time.Minute

	// idleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled.
	idleTimeout = 5 * time.Minute
)

type Server struct {
	conf     *config.ServerConfig
	logger   *zap.Logger
	engine   *gin.Engine
	hs       *http.Server
	upgrader websocket.Upgrader
	shutdown chan struct{}

	// mu guards the ledger, the registry and the connection table. Every
	// mutation and every registration holds it for its whole critical
	// section.
	mu       sync.Mutex
	ledger   *ledger.Ledger
	registry *subscription.Registry
	conns    map[subscription.SessionID]*conn
	nextID   subscription.SessionID
}

// GenesisChallenge parses the configured challenge, falling back to a fixed
// development value.
func GenesisChallenge(conf *config.ServerConfig) (model.Bytes32, error) {
	if conf.GenesisChallenge == "" {
		return model.Hash([]byte("genesis")), nil
	}
	return model.Bytes32FromHex(conf.GenesisChallenge)
}

func NewServer(conf *config.ServerConfig, logger *zap.Logger) (*Server, error) {
	conf.SetDefaults()
	genesis, err := GenesisChallenge(conf)
	if err != nil {
		return nil, fmt.Errorf("genesis challenge: %w", err)
	}

	s := &Server{
		conf:     conf,
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		shutdown: make(chan struct{}),
		ledger:   ledger.New(genesis),
		registry: subscription.NewRegistry(),
		conns:    make(map[subscription.SessionID]*conn),
	}

	s.initGin()
	return s, nil
}

func (s *Server) initGin() {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(pkg.LogMiddleware(s.logger), pkg.CORSMiddleware(), gin.Recovery())

	engine.GET("ws", s.wsHandle())
	engine.GET("metrics", gin.WrapH(promhttp.Handler()))

	engine.GET("height", s.heightHandle())
	engine.POST("coin_state", s.coinStateHandle())
	engine.POST("children", s.childrenHandle())
	engine.POST("puzzle_state", s.puzzleStateHandle())
	engine.POST("mint", s.mintHandle())
	engine.POST("hint", s.hintHandle())
	engine.POST("block", s.blockHandle())
	engine.GET("subscriptions", s.subscriptionsHandle())
	s.engine = engine
}

// Handler exposes the gin engine, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Run() {
	addr := fmt.Sprintf("%s:%d", s.conf.Host, s.conf.Port)
	hs := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	s.hs = hs

	go func() {
		if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("listen", zap.Error(err))
		}
	}()
	s.logger.Info("listen", zap.String("addr", addr))
}

// Shutdown stops accepting requests and ends every websocket session.
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.shutdown:
	default:
		close(s.shutdown)
	}
	s.mu.Lock()
	for _, c := range s.conns {
		c.ws.Close()
	}
	s.mu.Unlock()

	if s.hs == nil {
		return nil
	}
	return s.hs.Shutdown(ctx)
}
