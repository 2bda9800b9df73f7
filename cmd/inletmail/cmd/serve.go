package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/inletmail/inletmail/internal/alert"
	"github.com/inletmail/inletmail/internal/api"
	"github.com/inletmail/inletmail/internal/catchup"
	"github.com/inletmail/inletmail/internal/confirm"
	"github.com/inletmail/inletmail/internal/fanout"
	"github.com/inletmail/inletmail/internal/ingest"
	"github.com/inletmail/inletmail/internal/objstore"
	"github.com/inletmail/inletmail/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the inbound email pipeline daemon",
	Long: `Run inletmail as a long-running daemon.

The daemon runs in the foreground and performs:
  - HTTP ingress for push notifications and object-created events
  - Webhook fan-out to registered subscriptions
  - Periodic catch-up reconciliation against the object store
  - Hourly auto-resume of suspended subscriptions

Use Ctrl+C to stop the daemon gracefully.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	s, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer s.Close()
	if err := s.InitSchema(); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	objects, err := objstore.NewS3Client(objstore.S3Options{
		Endpoint:        cfg.ObjectStore.Endpoint,
		Region:          cfg.ObjectStore.Region,
		AccessKeyID:     cfg.ObjectStore.AccessKeyID,
		SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
		Insecure:        cfg.ObjectStore.Insecure,
	})
	if err != nil {
		return fmt.Errorf("create object store client: %w", err)
	}

	alerts, err := alert.NewMailer(alert.SMTPConfig{
		Host:          cfg.Alert.SMTPHost,
		Port:          cfg.Alert.SMTPPort,
		Username:      cfg.Alert.SMTPUsername,
		Password:      cfg.Alert.SMTPPassword,
		From:          cfg.Alert.FromAddress,
		OperatorEmail: cfg.Alert.OperatorEmail,
	}, logger)
	if err != nil {
		return fmt.Errorf("create alert mailer: %w", err)
	}

	engine := fanout.NewEngine(s, alerts, logger)
	coordinator := ingest.NewCoordinator(s, objects, engine, ingest.Options{
		DefaultBucket: cfg.ObjectStore.Bucket,
		KeyPrefix:     cfg.ObjectStore.KeyPrefix,
		Logger:        logger,
	})
	confirmer := confirm.NewService(s, logger)

	runner := catchup.NewRunner(s, objects, coordinator, engine, catchup.Options{
		Bucket:        cfg.ObjectStore.Bucket,
		Prefix:        cfg.ObjectStore.KeyPrefix,
		Cron:          cfg.Catchup.Cron,
		MaxKeys:       cfg.Catchup.MaxKeys,
		OnlyLastHours: cfg.Catchup.OnlyLastHours,
		Disabled:      cfg.Catchup.Disabled,
		Logger:        logger,
	})
	if err := runner.Start(); err != nil {
		return fmt.Errorf("start catch-up scheduler: %w", err)
	}

	var differ api.KeyDiffer
	if !cfg.Catchup.Disabled {
		differ = runner
	}
	apiServer := api.NewServer(cfg, s, coordinator, confirmer, differ, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	fmt.Printf("inletmail daemon started\n")
	fmt.Printf("  API port: %d\n", cfg.Server.APIPort)
	fmt.Printf("  Bucket: %s (prefix %q)\n", cfg.ObjectStore.Bucket, cfg.ObjectStore.KeyPrefix)
	if cfg.Catchup.Disabled {
		fmt.Println("  Catch-up: disabled")
	} else {
		fmt.Printf("  Catch-up: %s (max %d keys/run)\n", cfg.Catchup.Cron, cfg.Catchup.MaxKeys)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")

	var runErr error
	select {
	case <-cmd.Context().Done():
		logger.Info("received shutdown signal")
	case err := <-serverErr:
		logger.Error("API server error", "error", err)
		runErr = err
	}

	fmt.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", "error", err)
	}
	runner.Stop()
	fmt.Println("Shutdown complete.")

	return runErr
}
