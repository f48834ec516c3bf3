// Package dashboard serves the controller state to a browser: JSON endpoints,
// a WebSocket state feed and a proxy for the processed video stream.
package dashboard

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andresmejia3/spotter/internal/controller"
	"github.com/andresmejia3/spotter/internal/logger"
	"github.com/andresmejia3/spotter/internal/metrics"
	"github.com/andresmejia3/spotter/internal/types"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	logModule       = "dashboard"
	shutdownTimeout = 5 * time.Second
)

// Controller is the part of the upload-and-poll controller the dashboard drives.
type Controller interface {
	State() controller.State
	Subscribe(fn func(controller.State)) (unsubscribe func())
	SelectFile(path string)
	Upload(ctx context.Context) (*types.UploadJob, *controller.PollSession, error)
	RefreshVideos(ctx context.Context) error
	SelectVideo(ctx context.Context, v types.Video) error
	DeleteVideo(ctx context.Context, id int) error
	Reprocess(ctx context.Context, id int) (*controller.PollSession, error)
	CancelSession()
}

// Upstream is read-only access to the detection service that bypasses
// controller state.
type Upstream interface {
	Detections(ctx context.Context, id int) ([]types.Detection, error)
	OpenProcessed(ctx context.Context, id int) (io.ReadCloser, int64, string, error)
}

// Dependencies holds all handler dependencies
type Dependencies struct {
	Controller Controller
	Upstream   Upstream
	Metrics    *metrics.Metrics
	Logger     *logger.Logger
	// UploadDir receives browser uploads before they are forwarded.
	UploadDir string
	Version   string
	// BodyLimit caps upload size, e.g. "2G".
	BodyLimit string
}

// Server is the dashboard HTTP server.
type Server struct {
	echo        *echo.Echo
	deps        Dependencies
	hub         *Hub
	unsubscribe func()
}

// New wires routes and middleware. The hub starts receiving state right away.
func New(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = logger.Discard()
	}
	if deps.BodyLimit == "" {
		deps.BodyLimit = "2G"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler

	s := &Server{echo: e, deps: deps, hub: NewHub(deps.Logger)}

	log := deps.Logger
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			return path == "/metrics" || path == "/api/health" || path == "/api/ws"
		},
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug(logModule, "%s %s -> %d (%s)", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
	}))
	e.Use(middleware.BodyLimit(deps.BodyLimit))

	s.registerRoutes()
	s.unsubscribe = deps.Controller.Subscribe(s.hub.Broadcast)
	return s
}

func (s *Server) registerRoutes() {
	e := s.echo

	apiGroup := e.Group("/api")
	apiGroup.GET("/health", s.HandleHealth)
	apiGroup.GET("/state", s.HandleState)
	apiGroup.GET("/ws", s.HandleWebSocket)

	apiGroup.GET("/videos", s.HandleListVideos)
	apiGroup.POST("/upload", s.HandleUpload)
	apiGroup.POST("/videos/:id/select", s.HandleSelectVideo)
	apiGroup.DELETE("/videos/:id", s.HandleDeleteVideo)
	apiGroup.POST("/videos/:id/process", s.HandleProcess)
	apiGroup.GET("/videos/:id/detections.msgpack", s.HandleDetectionsMsgpack)
	apiGroup.GET("/videos/:id/processed", s.HandleProcessed)

	apiGroup.POST("/session/cancel", s.HandleCancelSession)

	if s.deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.deps.Metrics.Handler()))
	}
}

// Echo exposes the router, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Hub exposes the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.deps.Logger.Info(logModule, "listening on http://%s", displayAddr(addr))
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.deps.Logger.Info(logModule, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.echo.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close stops the state feed and drops WebSocket clients.
func (s *Server) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.hub.CloseAll()
}

func displayAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}
