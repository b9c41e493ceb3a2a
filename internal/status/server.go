package status

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// Server is the small net/http server exposing the Collector's state: a
// JSON snapshot endpoint, a log-buffer endpoint, and a WebSocket endpoint
// that streams Snapshot updates as they're broadcast. Each WebSocket
// connection subscribes to the Collector directly and runs its own write
// loop — the Collector already fans Snapshots out to any number of
// subscriber channels, so there's nothing left for this package to
// duplicate with a second client registry.
type Server struct {
	collector *Collector
	logger    zerolog.Logger
	srv       *http.Server
}

// New creates a Server bound to the given Collector.
func New(collector *Collector, logger zerolog.Logger) *Server {
	return &Server{
		collector: collector,
		logger:    logger.With().Str("component", "status-server").Logger(),
	}
}

// Start begins serving on addr. It blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /logs", s.handleLogs)
	mux.HandleFunc("/ws", s.handleWS)

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	s.logger.Info().Str("addr", addr).Msg("starting status server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.srv.Close()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.collector.Snapshot())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.collector.Logs())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleWS upgrades the request, then relays every Snapshot the Collector
// broadcasts to this one connection until either side closes. A stalled
// write drops the connection rather than blocking the Collector's
// broadcast loop for every other subscriber.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Err(err).Msg("ws accept")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch := s.collector.Subscribe()
	defer s.collector.Unsubscribe(ch)

	ctx := r.Context()

	// A connection that never sends anything is still a live client: read
	// in the background purely to notice when the peer goes away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	if err := s.send(ctx, conn, s.collector.Snapshot()); err != nil {
		return
	}

	for {
		select {
		case <-closed:
			return
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			if err := s.send(ctx, conn, snap); err != nil {
				return
			}
		}
	}
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		s.logger.Err(err).Msg("marshal snapshot for ws")
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
