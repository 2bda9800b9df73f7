package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/inletmail/inletmail/internal/ingest"
	"github.com/inletmail/inletmail/internal/objstore"
)

var reparseCmd = &cobra.Command{
	Use:   "reparse <inbound-email-id>",
	Short: "Re-run the parser against a stored inbound email",
	Long: `Re-parse the raw MIME retained for an inbound email and update its
body and attachments in place.

Reparse repairs stored data after a parser fix; it never re-triggers
webhook fan-out, so downstream systems see no duplicate notifications.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid inbound email id %q", args[0])
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

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

		coordinator := ingest.NewCoordinator(s, objects, nil, ingest.Options{
			DefaultBucket: cfg.ObjectStore.Bucket,
			KeyPrefix:     cfg.ObjectStore.KeyPrefix,
			Logger:        logger,
		})

		res, err := coordinator.ReprocessInbound(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("reparse: %w", err)
		}

		fmt.Printf("Reparsed inbound email %d (%d attachments)\n", res.ID, res.Attachments)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reparseCmd)
}
