// Command eventlogctl is a thin CLI over the eventlogger library, for
// inspecting and maintaining an event-log database from a shell
// (SPEC_FULL.md §2.5).
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/rtcom/eventlogger"
	"github.com/rtcom/eventlogger/internal/model"
	"github.com/rtcom/eventlogger/internal/query"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "eventlogctl",
		Short: "Inspect and maintain an rtcom-eventlogger-compatible database",
	}
	root.AddCommand(newAddCmd(), newDeleteCmd(), newFlagCmd(true), newFlagCmd(false), newCountCmd())
	return root
}

func openLogger(ctx context.Context) (*eventlogger.Logger, error) {
	return eventlogger.Open(ctx)
}

func newAddCmd() *cobra.Command {
	var service, eventType, localUID, remoteUID, freeText string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Insert a single event",
		RunE: func(cmd *cobra.Command, args []string) error {
			if service == "" || eventType == "" || localUID == "" {
				return fmt.Errorf("--service, --event-type, and --local-uid are required")
			}
			ctx := cmd.Context()
			l, err := openLogger(ctx)
			if err != nil {
				return err
			}
			defer l.Close()

			now := time.Now()
			id, err := l.Add(ctx, model.Event{
				Service:   service,
				EventType: eventType,
				LocalUID:  localUID,
				RemoteUID: remoteUID,
				FreeText:  freeText,

				StorageTime: now,
				StartTime:   now,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "service name")
	cmd.Flags().StringVar(&eventType, "event-type", "", "event type name")
	cmd.Flags().StringVar(&localUID, "local-uid", "", "local account id")
	cmd.Flags().StringVar(&remoteUID, "remote-uid", "", "remote party id")
	cmd.Flags().StringVar(&freeText, "text", "", "free-text body")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a single event by id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == 0 {
				return fmt.Errorf("--id is required")
			}
			ctx := cmd.Context()
			l, err := openLogger(ctx)
			if err != nil {
				return err
			}
			defer l.Close()
			return l.DeleteByID(ctx, id)
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "event id")
	return cmd
}

// newFlagCmd builds the "set-flag" command when set is true, or its
// "unset-flag" counterpart otherwise — the two distinct CLI commands
// spec.md §6 names, sharing one implementation since they differ only in
// which Logger method they call.
func newFlagCmd(set bool) *cobra.Command {
	use, short, apply := "set-flag", "Set a named flag on an event", (*eventlogger.Logger).SetFlag
	if !set {
		use, short, apply = "unset-flag", "Unset a named flag on an event", (*eventlogger.Logger).UnsetFlag
	}

	var id, serviceID int64
	var name string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == 0 || serviceID == 0 || name == "" {
				return fmt.Errorf("--id, --service-id, and --name are required")
			}
			ctx := cmd.Context()
			l, err := openLogger(ctx)
			if err != nil {
				return err
			}
			defer l.Close()
			return apply(l, ctx, id, serviceID, name)
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "event id")
	cmd.Flags().Int64Var(&serviceID, "service-id", 0, "service id the flag is scoped to")
	cmd.Flags().StringVar(&name, "name", "", "flag name")
	return cmd
}

func newCountCmd() *cobra.Command {
	var service string
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Count events, optionally filtered by service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l, err := openLogger(ctx)
			if err != nil {
				return err
			}
			defer l.Close()

			q := query.New()
			if service != "" {
				q.Where("service", query.Equal, service)
			}
			n, err := l.Count(ctx, q)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if isatty.IsTerminal(os.Stdout.Fd()) {
				fmt.Fprintf(out, "%s events\n", humanize.Comma(n))
			} else {
				fmt.Fprintln(out, n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "restrict the count to one service")
	return cmd
}
