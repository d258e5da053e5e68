package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/morango/morango/internal/certificates"
	"github.com/morango/morango/internal/client"
	"github.com/morango/morango/internal/config"
	"github.com/morango/morango/internal/filters"
	"github.com/morango/morango/internal/identity"
	"github.com/morango/morango/internal/serialization"
	"github.com/morango/morango/internal/server"
	"github.com/morango/morango/internal/session"
	"github.com/morango/morango/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:     "morango",
		Short:   "Morango - peer-to-peer data replication engine",
		Long:    `Morango replicates partitioned application data between peers over HTTP, with certificate-scoped authorization and conflict-preserving merge semantics.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		RunE:    runServe,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "./data", "Data directory path")
	rootCmd.PersistentFlags().StringP("listen", "l", ":8080", "Listen address")
	rootCmd.PersistentFlags().StringP("log-level", "", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolP("enable-tls", "", false, "Enable TLS")
	rootCmd.PersistentFlags().StringP("cert-file", "", "", "TLS certificate file")
	rootCmd.PersistentFlags().StringP("key-file", "", "", "TLS key file")

	rootCmd.AddCommand(newServeCmd(), newSyncCmd(), newCleanupSyncsCmd())

	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the replication server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogging(cfg.LogLevel)

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
	}).Info("Starting morango")

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	srv, err := server.New(cfg, db)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		logrus.Info("Received shutdown signal")
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logrus.Info("Morango stopped")
	return nil
}

func newSyncCmd() *cobra.Command {
	var (
		serverURL    string
		profile      string
		filter       string
		clientCertID string
		serverCertID string
		push         bool
		pull         bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push or pull records against a remote server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			setupLogging(cfg.LogLevel)

			if push == pull {
				return fmt.Errorf("exactly one of --push or --pull is required")
			}
			if serverURL == "" || filter == "" || clientCertID == "" || serverCertID == "" {
				return fmt.Errorf("--server, --filter, --client-cert and --server-cert are required")
			}

			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			env, certs, err := buildLocalEnv(cfg, db)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			clientCert, err := certs.Get(ctx, clientCertID)
			if err != nil {
				return fmt.Errorf("failed to load client certificate: %w", err)
			}
			if clientCert.PrivateKeyPEM == "" {
				return fmt.Errorf("certificate %s is not owned by this database", clientCertID)
			}

			conn := client.NewConnection(serverURL, client.Options{
				ChunkSize:      cfg.Sync.ChunkSize,
				MaxRetries:     cfg.Sync.MaxRetries,
				GzipBufferPost: cfg.Sync.GzipBufferPost,
			})
			sc := client.NewSyncClient(conn, env, clientCert, serverCertID, profile)

			if err := sc.Connect(ctx); err != nil {
				return err
			}
			defer sc.Close(ctx)

			var ts *session.TransferSession
			if push {
				ts, err = sc.Push(ctx, filters.New(filter))
			} else {
				ts, err = sc.Pull(ctx, filters.New(filter))
			}
			if err != nil {
				return err
			}

			logrus.WithFields(logrus.Fields{
				"records_total":       ts.RecordsTotal,
				"records_transferred": ts.RecordsTransferred,
			}).Info("Sync complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "Base URL of the remote server")
	cmd.Flags().StringVar(&profile, "profile", "", "Sync profile name")
	cmd.Flags().StringVar(&filter, "filter", "", "Partition filter, newline-separated prefixes")
	cmd.Flags().StringVar(&clientCertID, "client-cert", "", "Local certificate ID (must hold its private key)")
	cmd.Flags().StringVar(&serverCertID, "server-cert", "", "Remote certificate ID to sync under")
	cmd.Flags().BoolVar(&push, "push", false, "Push local records to the server")
	cmd.Flags().BoolVar(&pull, "pull", false, "Pull remote records from the server")
	return cmd
}

func newCleanupSyncsCmd() *cobra.Command {
	var (
		expirationHours int
		syncSessionID   string
		pushOnly        bool
		pullOnly        bool
	)

	cmd := &cobra.Command{
		Use:   "cleanupsyncs",
		Short: "Retire stale sync and transfer sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			setupLogging(cfg.LogLevel)

			if pushOnly && pullOnly {
				return fmt.Errorf("--push and --pull are mutually exclusive")
			}

			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			env, _, err := buildLocalEnv(cfg, db)
			if err != nil {
				return err
			}

			opts := session.CleanupOptions{
				Expiration:    time.Duration(expirationHours) * time.Hour,
				SyncSessionID: syncSessionID,
			}
			if pushOnly {
				v := true
				opts.Push = &v
			}
			if pullOnly {
				v := false
				opts.Push = &v
			}

			retired, err := session.CleanupSyncs(cmd.Context(), env.Sessions, env.Records, opts)
			if err != nil {
				return err
			}
			logrus.WithField("retired", retired).Info("Cleanup complete")
			return nil
		},
	}

	cmd.Flags().IntVar(&expirationHours, "expiration", 6, "Retire transfers idle longer than this many hours")
	cmd.Flags().StringVar(&syncSessionID, "sync-session", "", "Only clean transfers of this sync session")
	cmd.Flags().BoolVar(&pushOnly, "push", false, "Only clean push transfers")
	cmd.Flags().BoolVar(&pullOnly, "pull", false, "Only clean pull transfers")
	return cmd
}

// openDB opens the configured database. The CLI ships the sqlite driver;
// postgres deployments embed morango as a library and supply their own
// handle.
func openDB(cfg *config.Config) (*sql.DB, error) {
	if cfg.Database.Driver != "sqlite" {
		return nil, fmt.Errorf("the morango CLI supports the sqlite driver, got %q", cfg.Database.Driver)
	}
	db, err := sql.Open("sqlite", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func buildLocalEnv(cfg *config.Config, db *sql.DB) (*session.LocalEnv, *certificates.Store, error) {
	records, err := store.New(db, cfg.Database.Driver)
	if err != nil {
		return nil, nil, err
	}
	sessions, err := session.NewStore(db)
	if err != nil {
		return nil, nil, err
	}
	certs, err := certificates.NewStore(db)
	if err != nil {
		return nil, nil, err
	}
	ident, err := identity.NewManager(db, identity.Options{
		NodeID: cfg.Sync.NodeID,
		DBPath: cfg.DBPath(),
	})
	if err != nil {
		return nil, nil, err
	}
	return &session.LocalEnv{
		Records:                   records,
		Sessions:                  sessions,
		Serialization:             serialization.New(records, ident),
		Identity:                  ident,
		SerializeBeforeQueuing:    cfg.Sync.SerializeBeforeQueuing,
		DeserializeAfterDequeuing: cfg.Sync.DeserializeAfterDequeuing,
	}, certs, nil
}

func setupLogging(level string) {
	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}
