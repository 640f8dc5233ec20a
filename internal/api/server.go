package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-mig/internal/gateway"
	"github.com/nerrad567/gray-logic-mig/internal/history"
	"github.com/nerrad567/gray-logic-mig/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mig/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-mig/internal/mig"
)

// gracefulShutdownTimeout is how long Close waits for in-flight requests.
const gracefulShutdownTimeout = 10 * time.Second

// Gateway is the part of the interface host the API drives.
type Gateway interface {
	Interfaces() []gateway.InterfaceInfo
	Modules(domain string) ([]mig.Module, error)
	Execute(ctx context.Context, domain string, cmd mig.Command, source string) (mig.Response, error)
	SetOption(ctx context.Context, domain, name, value string) error
}

// PropertyHistory serves stored property notifications.
type PropertyHistory interface {
	History(ctx context.Context, q history.PropertyQuery) ([]history.PropertyEvent, error)
}

// CommandLog serves the executed command log.
type CommandLog interface {
	List(ctx context.Context, f history.CommandFilter) (*history.CommandList, error)
}

// Deps holds the dependencies of the API server. History and Commands are
// optional; their endpoints answer 503 when unset.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Gateway  Gateway
	Emitter  *mig.Emitter
	History  PropertyHistory
	Commands CommandLog
	Version  string
}

// Server is the HTTP API server.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	gateway   Gateway
	history   PropertyHistory
	commands  CommandLog
	validator *gateway.Validator
	version   string
	started   time.Time

	hub    *Hub
	server *http.Server
	cancel context.CancelFunc

	mu   sync.Mutex
	addr string
}

// New creates an API server. It is not listening until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	validator, err := gateway.NewValidator()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     withWebSocketDefaults(deps.WS),
		secCfg:    deps.Security,
		logger:    deps.Logger,
		gateway:   deps.Gateway,
		history:   deps.History,
		commands:  deps.Commands,
		validator: validator,
		version:   deps.Version,
		started:   time.Now(),
	}
	s.hub = NewHub(s.wsCfg, s.logger)
	if deps.Emitter != nil {
		deps.Emitter.Subscribe(s.hub.Notify)
	}
	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS", "address", ln.Addr().String(), "cert", s.cfg.TLS.CertFile)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address, useful when the port was 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Port returns the bound TCP port, or 0 before Start.
func (s *Server) Port() int {
	_, port, err := net.SplitHostPort(s.Addr())
	if err != nil {
		return 0
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return p
}

// Close gracefully shuts down the server and disconnects WebSocket clients.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	s.logger.Info("API server stopped")
	return nil
}

func withWebSocketDefaults(cfg config.WebSocketConfig) config.WebSocketConfig {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 8192
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10
	}
	return cfg
}
