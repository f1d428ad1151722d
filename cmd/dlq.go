package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/strand/internal/relay"
	"github.com/zjrosen/strand/internal/relay/registry"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and purge dead letters",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered envelopes",
	RunE:  runDLQList,
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete dead-lettered envelopes and their sidecars",
	RunE:  runDLQPurge,
}

var (
	dlqEndpoint  string
	dlqOlderThan time.Duration
)

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd, dlqPurgeCmd)

	for _, c := range []*cobra.Command{dlqListCmd, dlqPurgeCmd} {
		c.Flags().StringVar(&dlqEndpoint, "endpoint", "", "Limit to one endpoint subject")
		c.Flags().DurationVar(&dlqOlderThan, "older-than", 0, "Limit to entries older than this duration (e.g. 72h)")
	}
}

func dlqFilter() relay.DLQFilter {
	f := relay.DLQFilter{}
	if dlqEndpoint != "" {
		f.EndpointHash = registry.HashSubject(dlqEndpoint)
	}
	if dlqOlderThan > 0 {
		f.OlderThan = time.Now().Add(-dlqOlderThan)
	}
	return f
}

func runDLQList(_ *cobra.Command, _ []string) error {
	core, err := relay.New(cfg.RelayOptions())
	if err != nil {
		return fmt.Errorf("opening relay core: %w", err)
	}
	defer func() { _ = core.Close() }()

	entries, err := core.DeadLetters(dlqFilter())
	if err != nil {
		return fmt.Errorf("listing dead letters: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No dead letters")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s  %s  %s\n  reason: %s\n",
			e.DeadLetter.FailedAt.Format(time.RFC3339),
			e.DeadLetter.Envelope.Subject,
			e.Name,
			e.DeadLetter.Reason)
	}
	fmt.Printf("%d dead letter(s)\n", len(entries))
	return nil
}

func runDLQPurge(_ *cobra.Command, _ []string) error {
	core, err := relay.New(cfg.RelayOptions())
	if err != nil {
		return fmt.Errorf("opening relay core: %w", err)
	}
	defer func() { _ = core.Close() }()

	purged, err := core.PurgeDeadLetters(dlqFilter())
	if err != nil {
		return fmt.Errorf("purging dead letters: %w", err)
	}
	fmt.Printf("Purged %d dead letter(s)\n", purged)
	return nil
}
