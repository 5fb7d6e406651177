package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/vault-mirror/internal/mirror"
)

// progressBuffer is the capacity of the progress channel between a run
// and the terminal printer.
const progressBuffer = 64

func newMirrorCmd(use, short string) *cobra.Command {
	dir := mirror.Direction(use)

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()

			r, _, closeBackend, err := a.runner(ctx)
			if err != nil {
				return err
			}
			defer closeBackend()

			progress := mirror.NewChannelProgress(progressBuffer)
			finished := make(chan struct{})

			var sum *mirror.Summary

			g := new(errgroup.Group)
			g.Go(func() error {
				defer close(finished)

				var err error
				sum, err = r.Run(ctx, dir, progress)

				return err
			})
			g.Go(func() error {
				printProgress(cmd.OutOrStdout(), progress.Events(), finished)
				return nil
			})

			if err := g.Wait(); err != nil {
				return err
			}

			if n := len(sum.Stats.Failures); n > 0 {
				return fmt.Errorf("%d of %d actions failed", n, sum.Planned)
			}

			return nil
		},
	}
}

// printProgress writes events until the terminal event arrives or the
// run has finished and the channel is drained.
func printProgress(w io.Writer, events <-chan mirror.Event, finished <-chan struct{}) {
	for {
		select {
		case ev := <-events:
			if printEvent(w, ev) {
				return
			}
		case <-finished:
			for {
				select {
				case ev := <-events:
					if printEvent(w, ev) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func printEvent(w io.Writer, ev mirror.Event) bool {
	switch {
	case ev.Done:
		fmt.Fprintln(w, ev.Message)
		return true
	case ev.Err != nil:
		fmt.Fprintf(w, "[%3d%%] %s: %v\n", ev.Percent, ev.Path, ev.Err)
	default:
		fmt.Fprintf(w, "[%3d%%] %s\n", ev.Percent, ev.Path)
	}

	return false
}

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "plan upload|download",
		Short:     "Show the actions a run would take without applying them",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(mirror.Upload), string(mirror.Download)},
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := mirror.ParseDirection(args[0])
			if err != nil {
				return err
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			r, _, closeBackend, err := a.runner(cmd.Context())
			if err != nil {
				return err
			}
			defer closeBackend()

			actions, err := r.Preview(cmd.Context(), dir)
			if err != nil {
				return err
			}

			printPlan(cmd.OutOrStdout(), actions)

			return nil
		},
	}
}

func printPlan(w io.Writer, actions []mirror.Action) {
	if len(actions) == 0 {
		fmt.Fprintln(w, "nothing to do")
		return
	}

	var bytes int64

	for _, a := range actions {
		fmt.Fprintln(w, a.String())

		if a.Kind == mirror.ActionTransfer {
			bytes += a.Item.Size
		}
	}

	fmt.Fprintf(w, "%d actions, %s to transfer\n", len(actions), humanize.Bytes(uint64(max(bytes, 0))))
}

func newWatchCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch upload|download",
		Short: "Run continuously, on local changes and on an interval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := mirror.ParseDirection(args[0])
			if err != nil {
				return err
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if !cmd.Flags().Changed("interval") {
				interval = a.cfg.WatchInterval
			}

			r, filter, closeBackend, err := a.runner(cmd.Context())
			if err != nil {
				return err
			}
			defer closeBackend()

			w, err := mirror.NewWatcher(mirror.WatcherConfig{
				Runner:    r,
				Direction: dir,
				Filter:    filter,
				Interval:  interval,
				Progress:  mirror.LogProgress{Logger: a.logger},
				Logger:    a.logger,
			})
			if err != nil {
				return err
			}

			err = w.Watch(cmd.Context())
			if errors.Is(err, context.Canceled) {
				a.logger.Info("watch stopped")
				return nil
			}

			return err
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "also run on this interval (overrides MIRROR_WATCH_INTERVAL)")

	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the profile and its last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			w := cmd.OutOrStdout()
			p := a.store.Profile()

			fmt.Fprintf(w, "profile:     %s\n", p.ID)
			fmt.Fprintf(w, "local dir:   %s\n", p.LocalDir)
			fmt.Fprintf(w, "backend:     %s\n", p.Backend)
			fmt.Fprintf(w, "remote root: %s\n", p.RemoteRoot)
			fmt.Fprintf(w, "records:     %d\n", a.store.RecordCount())

			lr, err := a.store.LastRun()
			if err != nil {
				return fmt.Errorf("reading last run: %w", err)
			}

			if lr == nil {
				fmt.Fprintln(w, "last run:    never")
				return nil
			}

			finished := time.UnixMilli(lr.FinishedAt)
			fmt.Fprintf(w, "last run:    %s %s, %s (%s)\n", lr.Direction, lr.Status, humanize.Time(finished), lr.RunID)
			fmt.Fprintf(w, "result:      %s\n", lr.Message)

			return nil
		},
	}
}

func newResetCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget every sync record of the profile",
		Long: `reset clears the sync records of the current profile. The next run
transfers every file again, since nothing is known to be in sync.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("reset clears all sync records; pass --yes to confirm")
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			n := a.store.RecordCount()
			if err := a.store.ClearRecords(); err != nil {
				return fmt.Errorf("clearing records: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d records\n", n)

			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print vault-mirror version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
			return err
		},
	}
}
