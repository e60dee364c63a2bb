package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/chefcloud/posync/internal/connectivity"
	"github.com/chefcloud/posync/internal/models"
	"github.com/chefcloud/posync/internal/offline"
	syncpkg "github.com/chefcloud/posync/internal/sync"
	"github.com/chefcloud/posync/internal/sync/quota"
	"github.com/chefcloud/posync/internal/uuid"
)

// =====================================================
// status
// =====================================================

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the offline queue, caches and storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openLocal(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			st := s.Status(cmd.Context())
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func printStatus(out io.Writer, st offline.Status) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Durable\t%s\n", yesNo(st.Durable))
	fmt.Fprintf(w, "Queue\t%d pending, %d syncing, %d failed, %d conflict\n",
		st.Counts.Pending, st.Counts.Syncing, st.Counts.Failed, st.Counts.Conflict)
	if st.NextRetryAt != nil {
		fmt.Fprintf(w, "Next retry\t%s\n", humanize.Time(*st.NextRetryAt))
	}
	if st.Storage.IsSupported && st.Storage.Usage != nil && st.Storage.Quota != nil {
		fmt.Fprintf(w, "Storage\t%s of %s\n", quota.FormatBytes(*st.Storage.Usage), quota.FormatBytes(*st.Storage.Quota))
	} else {
		fmt.Fprintf(w, "Storage\tunavailable\n")
	}
	if st.LastDrain != nil {
		fmt.Fprintf(w, "Last drain\t%s (%d ok, %d failed, %d conflict)\n",
			humanize.Time(st.LastDrain.EndTime), st.LastDrain.Succeeded, st.LastDrain.Failed, st.LastDrain.Conflicts)
	}
	w.Flush()

	fmt.Fprintln(out, "\nSnapshots")
	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, snap := range st.Snapshots {
		freshness := "fresh"
		if snap.Stale {
			freshness = "stale"
		}
		if !snap.Present || snap.CapturedAt == nil {
			fmt.Fprintf(w, "  %s\tmissing\t%s\n", snap.Kind, freshness)
			continue
		}
		fmt.Fprintf(w, "  %s\tcaptured %s\t%s\n", snap.Kind, humanize.Time(*snap.CapturedAt), freshness)
	}
	w.Flush()

	if len(st.Entries) == 0 {
		fmt.Fprintln(out, "\nNo queued actions")
		return
	}
	fmt.Fprintln(out, "\nActions")
	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, e := range st.Entries {
		detail := e.ErrorMessage
		if e.ConflictDetails != nil && e.ConflictDetails.ServerStatus != "" {
			detail = fmt.Sprintf("server status %s", e.ConflictDetails.ServerStatus)
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%d attempts\tqueued %s\t%s\n",
			uuid.Short(e.ID), e.Label, e.Status, e.AttemptCount, humanize.Time(e.CreatedAt), detail)
	}
	w.Flush()
}

// =====================================================
// enqueue
// =====================================================

func newEnqueueCmd(opts *rootOptions) *cobra.Command {
	kinds := make([]string, 0, len(models.Kinds()))
	for _, k := range models.Kinds() {
		kinds = append(kinds, string(k))
	}

	return &cobra.Command{
		Use:   "enqueue <kind> <json>",
		Short: "Queue an order mutation",
		Long: "Queue an order mutation for the next drain.\n\nKinds: " + strings.Join(kinds, ", ") +
			"\n\nExample:\n  posync enqueue VOID_ORDER '{\"orderId\":\"o-1\",\"reason\":\"walkout\"}'",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openLocal(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			action, err := s.EnqueueRaw(cmd.Context(), models.ActionKind(strings.ToUpper(args[0])), []byte(args[1]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s (%s)\n", action.Label(), action.ID)
			return nil
		},
	}
}

// =====================================================
// drain / retry
// =====================================================

func printDrain(out io.Writer, r *syncpkg.DrainResult) {
	if r == nil {
		fmt.Fprintln(out, "No drain ran")
		return
	}
	fmt.Fprintf(out, "Drained %d actions in %s: %d ok, %d failed, %d conflict, %d fatal (%s)\n",
		r.Attempted, r.Duration.Round(time.Millisecond), r.Succeeded, r.Failed, r.Conflicts, r.Fatal, r.Stopped)
}

func newDrainCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay queued actions against the API once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openRemote(cmd.Context(), offline.WithConnectivity(connectivity.NewManual(true)))
			if err != nil {
				return err
			}
			defer s.Close()

			result, err := s.Drain(cmd.Context())
			if err != nil {
				return err
			}
			printDrain(cmd.OutOrStdout(), result)
			return nil
		},
	}
}

func newRetryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Re-attempt failed actions now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openRemote(cmd.Context(), offline.WithConnectivity(connectivity.NewManual(true)))
			if err != nil {
				return err
			}
			defer s.Close()

			n, result, err := s.RetryFailed(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d failed actions\n", n)
			printDrain(cmd.OutOrStdout(), result)
			return nil
		},
	}
}

// =====================================================
// clear
// =====================================================

func newClearCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear the queue, the cached snapshots or the sync history",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "queue",
		Short: "Remove every queued action; the sync history is kept",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openLocal(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.ClearQueue(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d queued actions\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "cache",
		Aliases: []string{"snapshots"},
		Short:   "Drop the cached menu and open orders",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openLocal(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.ClearSnapshots(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cleared cached snapshots")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "history",
		Short: "Empty the sync history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openLocal(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.ClearSyncHistory(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cleared sync history")
			return nil
		},
	})

	return cmd
}

// =====================================================
// snapshot
// =====================================================

func newSnapshotCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage cached snapshots",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "save <kind> <file>",
		Short: "Replace a cached snapshot with the JSON in file (- reads stdin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := models.ParseSnapshotKind(args[0])
			if err != nil {
				return err
			}

			var data []byte
			if args[1] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[1])
			}
			if err != nil {
				return fmt.Errorf("failed to read snapshot: %w", err)
			}

			s, err := opts.openLocal(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			snap, err := s.SaveSnapshot(cmd.Context(), kind, data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s snapshot (%s)\n", snap.Kind, humanize.Bytes(uint64(len(snap.Data))))
			return nil
		},
	})

	return cmd
}
