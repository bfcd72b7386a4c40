package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/roach88/canvassync/internal/conn"
	"github.com/roach88/canvassync/internal/ir"
	"github.com/roach88/canvassync/internal/store"
)

// Server exposes a Hub over HTTP.
//
// Routes:
//
//	GET /sessions/{sessionID}/ws?participant={id}   websocket upgrade
//	GET /sessions/{sessionID}/snapshot              replica or stored snapshot
//	GET /healthz
type Server struct {
	hub      *Hub
	router   *mux.Router
	upgrader websocket.Upgrader
}

// NewServer builds the HTTP surface of h.
func NewServer(h *Hub) *Server {
	s := &Server{
		hub:    h,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.router.HandleFunc("/sessions/{sessionID}/ws", s.handleWebsocket).Methods(http.MethodGet)
	s.router.HandleFunc("/sessions/{sessionID}/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully and closes the hub.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.hub.logger.Info("relay listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	return errors.Join(err, s.hub.Close())
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionID"]
	participantID := r.URL.Query().Get("participant")
	if participantID == "" {
		http.Error(w, "participant query parameter is required", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.hub.logger.Warn("websocket upgrade failed", "session", sessionID, "error", err)
		return
	}
	settings := s.hub.settings
	ch := conn.NewWebsocketChannel(ws, settings.WriteTimeout, settings.ReadLimit)
	go newPeer(s.hub, ch, sessionID, participantID).run()
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionID"]

	blob, err := s.hub.replica.SerializeState(sessionID)
	if err != nil && s.hub.store != nil {
		var snap store.Snapshot
		snap, err = s.hub.store.LoadSnapshot(r.Context(), sessionID)
		blob = snap.State
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.hub.logger.Error("loading snapshot", "session", sessionID, "error", err)
			http.Error(w, "snapshot unavailable", http.StatusInternalServerError)
			return
		}
	}
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(blob)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"instance": s.hub.id,
		"protocol": ir.ProtocolVersion,
		"version":  ir.EngineVersion,
		"sessions": len(s.hub.Sessions()),
	})
}
