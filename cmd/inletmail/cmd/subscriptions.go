package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/inletmail/inletmail/internal/fanout"
	"github.com/inletmail/inletmail/internal/store"
)

var subscriptionsCmd = &cobra.Command{
	Use:   "subscriptions",
	Short: "Manage webhook subscriptions",
}

var subscriptionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all webhook subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		subs, err := s.ListSubscriptions("")
		if err != nil {
			return fmt.Errorf("list subscriptions: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSERVICE\tSTATUS\tURL\tDELIVERED\tFAILED\tTIMEOUT MS")
		for _, sub := range subs {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%d\n",
				sub.ID, sub.ServiceName, sub.Status, sub.WebhookURL,
				sub.TotalDeliveries, sub.TotalFailures, sub.DeliveryTimeoutMs)
		}
		return w.Flush()
	},
}

var (
	addServiceName    string
	addWebhookURL     string
	addSecret         string
	addFilterTo       []string
	addFilterFrom     []string
	addSubjectPattern string
)

var subscriptionsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a webhook subscription",
	Long: `Register a downstream endpoint to receive email.received webhooks.

Filters narrow which inbound emails the endpoint sees. Address filters
accept exact addresses or "*@domain" wildcards; the subject filter is a
case-insensitive regular expression.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if addServiceName == "" || addWebhookURL == "" {
			return fmt.Errorf("--service and --url are required")
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		filters, err := json.Marshal(fanout.Filters{
			To:             addFilterTo,
			From:           addFilterFrom,
			SubjectPattern: addSubjectPattern,
		})
		if err != nil {
			return fmt.Errorf("encode filters: %w", err)
		}

		sub := &store.WebhookSubscription{
			ServiceName: addServiceName,
			WebhookURL:  addWebhookURL,
			Secret:      addSecret,
			Filters:     filters,
		}
		if err := s.SaveSubscription(sub); err != nil {
			return fmt.Errorf("save subscription: %w", err)
		}

		fmt.Printf("Subscription %d registered for %s\n", sub.ID, sub.ServiceName)
		return nil
	},
}

var subscriptionsSuspendCmd = &cobra.Command{
	Use:   "suspend <id>",
	Short: "Suspend a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setSubscriptionStatus(args[0], store.SubscriptionSuspended)
	},
}

var subscriptionsResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a suspended subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid subscription id %q", args[0])
		}
		if err := s.ResumeSubscription(id); err != nil {
			return fmt.Errorf("resume subscription: %w", err)
		}
		fmt.Printf("Subscription %d resumed\n", id)
		return nil
	},
}

func setSubscriptionStatus(idArg, status string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid subscription id %q", idArg)
	}
	sub, err := s.GetSubscription(id)
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	sub.Status = status
	if err := s.SaveSubscription(sub); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	fmt.Printf("Subscription %d is now %s\n", id, status)
	return nil
}

func openStore() (*store.Store, error) {
	s, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := s.InitSchema(); err != nil {
		s.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func init() {
	subscriptionsAddCmd.Flags().StringVar(&addServiceName, "service", "", "downstream service name")
	subscriptionsAddCmd.Flags().StringVar(&addWebhookURL, "url", "", "webhook endpoint URL")
	subscriptionsAddCmd.Flags().StringVar(&addSecret, "secret", "", "shared secret stored with the subscription")
	subscriptionsAddCmd.Flags().StringSliceVar(&addFilterTo, "to", nil, "to-address filter (repeatable, supports *@domain)")
	subscriptionsAddCmd.Flags().StringSliceVar(&addFilterFrom, "from", nil, "from-address filter (repeatable, supports *@domain)")
	subscriptionsAddCmd.Flags().StringVar(&addSubjectPattern, "subject", "", "subject regular expression filter")

	subscriptionsCmd.AddCommand(subscriptionsListCmd)
	subscriptionsCmd.AddCommand(subscriptionsAddCmd)
	subscriptionsCmd.AddCommand(subscriptionsSuspendCmd)
	subscriptionsCmd.AddCommand(subscriptionsResumeCmd)
	rootCmd.AddCommand(subscriptionsCmd)
}
