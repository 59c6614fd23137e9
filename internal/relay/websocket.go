package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Calbabreaker/mycap/internal/config"
	"github.com/Calbabreaker/mycap/internal/metrics"
	"github.com/Calbabreaker/mycap/internal/serial"
	"github.com/Calbabreaker/mycap/internal/server"
	"github.com/Calbabreaker/mycap/internal/tracker"
)

// eventBuffer is the per-subscriber fan-out channel capacity. A consumer
// that falls this far behind the broadcast cadence is treated as gone and
// pruned by the bus.
const eventBuffer = 1024

// Server accepts websocket viewer connections. Each connection gets its own
// fan-out subscription and goroutines; none of them touch core state except
// through the main loop.
type Server struct {
	httpServer *http.Server
	upgrader   websocket.Upgrader
	loop       *server.Loop
	serial     *serial.Writer
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu      sync.Mutex
	clients int
}

// NewServer creates the relay websocket server.
func NewServer(cfg config.WebsocketConfig, loop *server.Loop, serialWriter *serial.Writer,
	logger *slog.Logger, m *metrics.Metrics) *Server {

	s := &Server{
		loop:    loop,
		serial:  serialWriter,
		logger:  logger,
		metrics: m,
		upgrader: websocket.Upgrader{
			// Viewers are local tools; same-origin policy does not apply.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleConnection)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler: mux,
	}

	return s
}

// Start begins accepting websocket connections in a background goroutine.
func (s *Server) Start() error {
	s.logger.Info("Websocket server started", slog.String("address", s.httpServer.Addr))

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Websocket server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop shuts down the listener. Established connections close themselves
// when their subscriptions drain or their peers disconnect.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// client is one connected viewer. writeJSON serialises all writes because
// the event pump and the command read loop both send to the socket.
type client struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	writeMu sync.Mutex
}

func (c *client) writeJSON(value any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(value)
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		conn:   conn,
		logger: s.logger.With(slog.String("client_id", uuid.NewString())),
	}
	c.logger.Info("Websocket client connected", slog.String("remote_addr", r.RemoteAddr))

	// Snapshot and subscription are taken atomically inside the main loop,
	// so the client observes every tracker exactly once: first through the
	// snapshot, then through live events.
	sub, infos, err := s.loop.Attach(eventBuffer)
	if err != nil {
		c.logger.Error("Failed to attach to event stream", slog.String("error", err.Error()))
		conn.Close()
		return
	}

	s.addClient(1)
	defer func() {
		if err := s.loop.Detach(sub); err != nil && err != server.ErrLoopStopped {
			c.logger.Error("Failed to detach subscription", slog.String("error", err.Error()))
		}
		conn.Close()
		s.addClient(-1)
		c.logger.Info("Websocket client disconnected")
	}()

	go c.pumpEvents(infos, sub.C)

	s.readCommands(c)
}

// pumpEvents forwards the initial snapshot followed by live fan-out events
// until the subscription channel closes or a write fails.
func (c *client) pumpEvents(infos []tracker.Info, events <-chan tracker.Message) {
	for _, info := range infos {
		if err := c.writeJSON(newTrackerInfoMessage(info)); err != nil {
			return
		}
	}

	for msg := range events {
		var err error
		switch m := msg.(type) {
		case tracker.InfoUpdate:
			err = c.writeJSON(newTrackerInfoMessage(m.Info))
		case tracker.DataUpdate:
			err = c.writeJSON(newTrackerDataMessage(m.Index, m.Data))
		}

		if err != nil {
			return
		}
	}
}

// readCommands processes viewer commands until the connection drops.
// Invalid or failed commands surface as Error messages on the same socket
// and never change core state.
func (s *Server) readCommands(c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Websocket read error", slog.String("error", err.Error()))
			}
			return
		}

		if err := s.handleCommand(c, data); err != nil {
			c.logger.Warn("Command failed", slog.String("error", err.Error()))
			if err := c.writeJSON(newErrorMessage(err)); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleCommand(c *client, data []byte) error {
	msg, err := parseClientMessage(data)
	if err != nil {
		return err
	}

	switch msg.Type {
	case messageWifi:
		c.logger.Info("Sending Wi-Fi credentials to device", slog.String("ssid", msg.SSID))
		return s.serial.SendWifi(msg.SSID, msg.Password)
	case messageFactoryReset:
		c.logger.Info("Sending factory reset to device")
		return s.serial.SendFactoryReset()
	}

	return nil
}

func (s *Server) addClient(delta int) {
	s.mu.Lock()
	s.clients += delta
	s.metrics.SetRelayClients(s.clients)
	s.mu.Unlock()
}
