package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inletmail/inletmail/internal/catchup"
	"github.com/inletmail/inletmail/internal/fanout"
	"github.com/inletmail/inletmail/internal/ingest"
	"github.com/inletmail/inletmail/internal/objstore"
	"github.com/inletmail/inletmail/internal/store"
)

var catchupMaxKeys int

var catchupCmd = &cobra.Command{
	Use:   "catchup",
	Short: "Run one catch-up reconcile pass and exit",
	Long: `Diff the object store against the database and ingest any raw email
objects the push path missed. This is the same pass the serve daemon runs
on its cron schedule, forced once from the command line.

Fan-out runs for newly ingested messages, exactly as it would have had the
push notification arrived.`,
	RunE: func(cmd *cobra.Command, args []string) error {
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

		engine := fanout.NewEngine(s, nil, logger)
		coordinator := ingest.NewCoordinator(s, objects, engine, ingest.Options{
			DefaultBucket: cfg.ObjectStore.Bucket,
			KeyPrefix:     cfg.ObjectStore.KeyPrefix,
			Logger:        logger,
		})

		maxKeys := cfg.Catchup.MaxKeys
		if catchupMaxKeys > 0 {
			maxKeys = catchupMaxKeys
		}
		runner := catchup.NewRunner(s, objects, coordinator, nil, catchup.Options{
			Bucket:        cfg.ObjectStore.Bucket,
			Prefix:        cfg.ObjectStore.KeyPrefix,
			MaxKeys:       maxKeys,
			OnlyLastHours: cfg.Catchup.OnlyLastHours,
			Logger:        logger,
		})

		stats, err := runner.RunOnce(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Catch-up pass complete\n")
		fmt.Printf("  Listed:    %d\n", stats.Listed)
		fmt.Printf("  Skipped:   %d\n", stats.Skipped)
		fmt.Printf("  Ingested:  %d\n", stats.Ingested)
		fmt.Printf("  Refreshed: %d\n", stats.Refreshed)
		fmt.Printf("  Failed:    %d\n", stats.Failed)
		return nil
	},
}

func init() {
	catchupCmd.Flags().IntVar(&catchupMaxKeys, "max-keys", 0, "override max keys for this pass")
	rootCmd.AddCommand(catchupCmd)
}
