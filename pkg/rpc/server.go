package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

// Server exposes a registry over HTTP: unary procedures as POST /rpc/<path>
// with a JSON body, streaming procedures as WebSocket upgrades on the same
// path delivering one JSON message per yielded value.
type Server struct {
	registry *Registry
	logger   *zap.Logger
}

// NewServer wraps a registry.
func NewServer(registry *Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{registry: registry, logger: logger}
}

type errorBody struct {
	Error string `json:"error"`
}

// Handler returns the HTTP handler mounting every registered procedure.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc/", s.serve)
	return mux
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/rpc/")
	if path == "" {
		http.NotFound(w, r)
		return
	}

	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		websocket.Handler(func(conn *websocket.Conn) {
			s.serveStream(conn, path)
		}).ServeHTTP(w, r)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var input any
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}

	ctx := contextWithAuth(r.Context(), r.Header.Get("Authorization"))
	out, err := s.registry.Invoke(ctx, path, input)
	if err != nil {
		writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
		return
	}
	if stream, ok := out.(Stream); ok {
		// A streaming procedure hit over plain POST: refuse rather than
		// buffer an unbounded stream.
		_ = stream.Close()
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "procedure requires a websocket connection"})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) serveStream(conn *websocket.Conn, path string) {
	defer conn.Close()

	req := conn.Request()
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	ctx = contextWithAuth(ctx, req.Header.Get("Authorization"))

	var input any
	if err := websocket.JSON.Receive(conn, &input); err != nil {
		s.logger.Debug("stream request decode failed", zap.String("path", path), zap.Error(err))
		return
	}

	out, err := s.registry.Invoke(ctx, path, input)
	if err != nil {
		_ = websocket.JSON.Send(conn, errorBody{Error: err.Error()})
		return
	}
	stream, ok := out.(Stream)
	if !ok {
		// Unary procedure over a websocket: send the single value and end.
		_ = websocket.JSON.Send(conn, out)
		return
	}
	defer stream.Close()

	for {
		value, err := stream.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				_ = websocket.JSON.Send(conn, errorBody{Error: err.Error()})
			}
			return
		}
		if err := websocket.JSON.Send(conn, value); err != nil {
			// Consumer went away; cancel upstream production.
			cancel()
			return
		}
	}
}

func contextWithAuth(ctx context.Context, header string) context.Context {
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		token = ""
	}
	return WithBearerToken(ctx, token)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrUnknownProcedure):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
