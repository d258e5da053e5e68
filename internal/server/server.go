// Package server exposes the replication engine over HTTP: instance info and
// capability negotiation, the nonce/certificate handshake, sync and transfer
// session lifecycle, and buffer movement.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/morango/morango/internal/certificates"
	"github.com/morango/morango/internal/config"
	"github.com/morango/morango/internal/identity"
	"github.com/morango/morango/internal/serialization"
	"github.com/morango/morango/internal/session"
	"github.com/morango/morango/internal/store"
)

// Version is the protocol version advertised to peers.
const Version = "0.8.0"

// APIPrefix is the base path of every replication endpoint.
const APIPrefix = "/api/morango/v1"

// CSRAuthFunc authorizes a certificate signing request from basic-auth
// credentials. Returning false rejects the request.
type CSRAuthFunc func(r *http.Request, username, password string) bool

// Server is the replication HTTP server over one local database.
type Server struct {
	config     *config.Config
	httpServer *http.Server

	db         *sql.DB
	records    *store.Store
	sessions   *session.Store
	certs      *certificates.Store
	ident      *identity.Manager
	env        *session.LocalEnv
	controller *session.Controller

	// CSRAuth guards certificate signing; nil rejects all CSRs.
	CSRAuth CSRAuthFunc

	// InfoFields supplies extra fields for the instance-info response.
	// Fields already set by the server win on collision.
	InfoFields func(ctx context.Context) map[string]any

	log       *logrus.Entry
	startTime time.Time
}

// New creates a replication server over the given database handle.
func New(cfg *config.Config, db *sql.DB) (*Server, error) {
	records, err := store.New(db, cfg.Database.Driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create record store: %w", err)
	}
	sessions, err := session.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}
	certs, err := certificates.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate store: %w", err)
	}
	ident, err := identity.NewManager(db, identity.Options{
		NodeID: cfg.Sync.NodeID,
		DBPath: cfg.DBPath(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create identity manager: %w", err)
	}

	env := &session.LocalEnv{
		Records:                   records,
		Sessions:                  sessions,
		Serialization:             serialization.New(records, ident),
		Identity:                  ident,
		SerializeBeforeQueuing:    cfg.Sync.SerializeBeforeQueuing,
		DeserializeAfterDequeuing: cfg.Sync.DeserializeAfterDequeuing,
	}

	s := &Server{
		config:     cfg,
		db:         db,
		records:    records,
		sessions:   sessions,
		certs:      certs,
		ident:      ident,
		env:        env,
		controller: session.NewLocalController(env),
		log:        logrus.WithField("component", "server"),
		startTime:  time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler builds the full route tree. It is exposed so tests and embedding
// applications can mount the server without binding a socket.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	api := router.PathPrefix(APIPrefix).Subrouter()
	api.Use(s.metricsMiddleware)
	api.Use(s.capabilityMiddleware)

	api.HandleFunc("/morangoinfo/{id}", s.handleMorangoInfo).Methods(http.MethodGet)
	api.HandleFunc("/publickey/", s.handlePublicKey).Methods(http.MethodGet)
	api.HandleFunc("/nonces/", s.handleCreateNonce).Methods(http.MethodPost)

	api.HandleFunc("/certificates/", s.handleListCertificates).Methods(http.MethodGet)
	api.HandleFunc("/certificates/", s.handleCertificateSigningRequest).Methods(http.MethodPost)
	api.HandleFunc("/certificatechain/", s.handlePushCertificateChain).Methods(http.MethodPost)

	api.HandleFunc("/syncsessions/", s.handleCreateSyncSession).Methods(http.MethodPost)
	api.HandleFunc("/syncsessions/{id}", s.handleGetSyncSession).Methods(http.MethodGet)
	api.HandleFunc("/syncsessions/{id}", s.handleCloseSyncSession).Methods(http.MethodDelete)

	api.HandleFunc("/transfersessions/", s.handleCreateTransferSession).Methods(http.MethodPost)
	api.HandleFunc("/transfersessions/{id}", s.handleGetTransferSession).Methods(http.MethodGet)
	api.HandleFunc("/transfersessions/{id}", s.handleUpdateTransferSession).Methods(http.MethodPatch, http.MethodPut)
	api.HandleFunc("/transfersessions/{id}", s.handleCloseTransferSession).Methods(http.MethodDelete)

	api.HandleFunc("/buffers/", s.handlePostBuffers).Methods(http.MethodPost)
	api.HandleFunc("/buffers/", s.handleGetBuffers).Methods(http.MethodGet)

	if s.config.Metrics.Enable {
		router.Handle(s.config.Metrics.Path, promhttp.Handler()).Methods(http.MethodGet)
	}

	logged := handlers.CustomLoggingHandler(logWriter{}, router, writeAccessLog)
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(logged)
}

// Start runs the server until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.log.WithFields(logrus.Fields{
		"address":  s.config.Listen,
		"data_dir": s.config.DataDir,
	}).Info("Starting replication server")

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.EnableTLS {
			err = s.httpServer.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Sweep expired sessions periodically.
	go s.cleanupLoop(ctx)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	return s.shutdown()
}

func (s *Server) cleanupLoop(ctx context.Context) {
	expiration := time.Duration(s.config.Sync.CleanupExpirationHours) * time.Hour
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := session.CleanupSyncs(ctx, s.sessions, s.records,
				session.CleanupOptions{Expiration: expiration}); err != nil {
				s.log.WithError(err).Warn("Session cleanup sweep failed")
			}
		}
	}
}

func (s *Server) shutdown() error {
	s.log.Info("Shutting down replication server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.WithError(err).Error("Failed to shut down HTTP server")
		return err
	}
	return nil
}

// Env exposes the local environment for embedding applications and the CLI.
func (s *Server) Env() *session.LocalEnv {
	return s.env
}

// Certificates exposes the certificate store.
func (s *Server) Certificates() *certificates.Store {
	return s.certs
}

// logWriter adapts logrus to gorilla's access-log writer.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	logrus.WithField("component", "http").Debug(string(p))
	return len(p), nil
}

func writeAccessLog(w io.Writer, params handlers.LogFormatterParams) {
	logrus.WithFields(logrus.Fields{
		"component": "http",
		"method":    params.Request.Method,
		"path":      params.URL.Path,
		"status":    params.StatusCode,
		"size":      params.Size,
	}).Debug("Handled request")
}
