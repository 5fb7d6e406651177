package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var Version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vault-mirror",
		Short: "Mirror a local directory to or from remote storage",
		Long: `vault-mirror makes one side of a local/remote pair match the other.

upload treats the local directory as the source of truth, download treats
the remote. Configuration comes from MIRROR_* and backend environment
variables, optionally loaded from a .env file.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newMirrorCmd("upload", "Make the remote match the local directory"),
		newMirrorCmd("download", "Make the local directory match the remote"),
		newPlanCmd(),
		newWatchCmd(),
		newStatusCmd(),
		newResetCmd(),
		newVersionCmd(),
	)

	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
