// Command broqctl is an admin CLI for a running broq broker: queue
// creation, counts, stale-lease recovery, and forced removal.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/broq/broq/pkg/broqclient"
)

var brokerURL string

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "broqctl",
		Short: "Admin CLI for a running broq broker",
	}
	defaultBroker := os.Getenv("ZAKU_URI")
	if defaultBroker == "" {
		defaultBroker = "http://127.0.0.1:8080"
	}
	root.PersistentFlags().StringVar(&brokerURL, "broker", defaultBroker, "broker base URL (default from ZAKU_URI)")

	root.AddCommand(
		newCreateQueueCmd(),
		newCountCmd(),
		newUnstaleCmd(),
		newRemoveCmd(),
	)
	return root
}

func newCreateQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-queue <name>",
		Short: "Create a queue (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := broqclient.New(brokerURL)
			if err := c.CreateQueue(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("OK")
			return nil
		},
	}
}

func newCountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count <queue>",
		Short: "Print the number of created (available) jobs in a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := broqclient.New(brokerURL)
			n, ok, err := c.Count(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("queue does not exist")
				return nil
			}
			fmt.Println(n)
			return nil
		},
	}
}

func newUnstaleCmd() *cobra.Command {
	var ttlSeconds float64
	cmd := &cobra.Command{
		Use:   "unstale <queue>",
		Short: "Reclaim in_progress jobs whose lease has exceeded --ttl (default: all leased jobs)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := broqclient.New(brokerURL)
			n, err := c.Unstale(cmd.Context(), args[0], time.Duration(ttlSeconds*float64(time.Second)))
			if err != nil {
				return err
			}
			fmt.Printf("recovered %d job(s)\n", n)
			return nil
		},
	}
	cmd.Flags().Float64Var(&ttlSeconds, "ttl", 0, "lease age in seconds beyond which a job is considered stale; 0 means every leased job")
	return cmd
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <queue> <job_id>",
		Short: `Remove a job from a queue; job_id "*" removes every job`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := broqclient.New(brokerURL)
			if err := c.Remove(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("OK")
			return nil
		},
	}
}
