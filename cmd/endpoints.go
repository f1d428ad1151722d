package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/strand/internal/relay"
)

var endpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "Manage relay endpoints",
}

var endpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered endpoints and their mailbox depths",
	RunE:  runEndpointsList,
}

var endpointsRegisterCmd = &cobra.Command{
	Use:   "register <subject>",
	Short: "Register an endpoint and create its mailbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runEndpointsRegister,
}

var endpointsUnregisterCmd = &cobra.Command{
	Use:   "unregister <subject>",
	Short: "Remove an endpoint and delete its mailbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runEndpointsUnregister,
}

func init() {
	rootCmd.AddCommand(endpointsCmd)
	endpointsCmd.AddCommand(endpointsListCmd, endpointsRegisterCmd, endpointsUnregisterCmd)
}

func runEndpointsList(cmd *cobra.Command, _ []string) error {
	core, err := relay.New(cfg.RelayOptions())
	if err != nil {
		return fmt.Errorf("opening relay core: %w", err)
	}
	defer func() { _ = core.Close() }()

	endpoints := core.Endpoints()
	if len(endpoints) == 0 {
		fmt.Println("No endpoints registered")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SUBJECT\tHASH\tREGISTERED")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "%s\t%s\t%s\n", ep.Subject, ep.Hash, ep.RegisteredAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runEndpointsRegister(_ *cobra.Command, args []string) error {
	core, err := relay.New(cfg.RelayOptions())
	if err != nil {
		return fmt.Errorf("opening relay core: %w", err)
	}
	defer func() { _ = core.Close() }()

	ep, err := core.EnsureEndpoint(args[0])
	if err != nil {
		return fmt.Errorf("registering endpoint: %w", err)
	}
	fmt.Printf("Registered %s (%s)\n", ep.Subject, ep.Hash)
	return nil
}

func runEndpointsUnregister(_ *cobra.Command, args []string) error {
	core, err := relay.New(cfg.RelayOptions())
	if err != nil {
		return fmt.Errorf("opening relay core: %w", err)
	}
	defer func() { _ = core.Close() }()

	removed, err := core.UnregisterEndpoint(args[0])
	if err != nil {
		return fmt.Errorf("unregistering endpoint: %w", err)
	}
	if !removed {
		fmt.Printf("No endpoint %s\n", args[0])
		return nil
	}
	fmt.Printf("Unregistered %s\n", args[0])
	return nil
}
