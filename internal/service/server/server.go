package server

import (
	"context"
	"e2e_call/config"
	"e2e_call/internal/model"
	"e2e_call/internal/repository/directory"
	"e2e_call/internal/repository/relay"
	"e2e_call/internal/utils/log"
	apperr "e2e_call/pkg/errors"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

type (
	// UserRegistry resolves a display name to a stable user.
	UserRegistry interface {
		GetOrCreate(ctx context.Context, name string) (*model.User, error)
		// GetByName returns nil when no such user exists.
		GetByName(ctx context.Context, name string) (*model.User, error)
	}

	// HttpServer serves the document relay, the public-key directory and
	// sign-in for terminal clients.
	HttpServer struct {
		addr           string
		secret         []byte
		tokenTTL       time.Duration
		allowedOrigins []string

		store    relay.Store
		keys     directory.Directory
		users    UserRegistry
		upgrader websocket.Upgrader
	}
)

func NewHttpServer(cfg config.ServerConfig, store relay.Store, keys directory.Directory, users UserRegistry) *HttpServer {
	return &HttpServer{
		addr:           cfg.Addr,
		secret:         []byte(cfg.JWTSecret),
		tokenTTL:       cfg.TokenTTL,
		allowedOrigins: cfg.AllowedOrigins,
		store:          store,
		keys:           keys,
		users:          users,
		upgrader: websocket.Upgrader{
			// origins are enforced by the cors layer and the bearer token
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *HttpServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.HandleHealth()).Methods(http.MethodGet)
	r.HandleFunc("/users/{name}", s.HandleSignIn()).Methods(http.MethodPost)
	r.HandleFunc("/users/{name}", s.HandleLookupUser()).Methods(http.MethodGet)
	r.HandleFunc("/keys/{userID}", s.HandleGetPublicKey()).Methods(http.MethodGet)
	r.HandleFunc("/keys/{userID}", s.HandlePutPublicKey()).Methods(http.MethodPut)
	r.HandleFunc("/relay", s.HandleRelayWS()).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return c.Handler(r)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *HttpServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay server listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HttpServer) HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("write response failed", zap.Error(err))
	}
}

// writeError maps err to a status through its AppError code. Errors without a
// code are logged and reported as internal.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperr.AppError
	if !errors.As(err, &appErr) {
		log.Error("request failed", zap.Error(err))
		appErr = &apperr.AppError{Code: apperr.CodeInternal, Message: "internal error"}
	}
	writeJSON(w, appErr.Code.HTTPStatus(), appErr)
}
