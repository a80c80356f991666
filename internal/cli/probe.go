package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dj-oyu/antispoof-monitor/internal/backend"
)

var probeTimeout time.Duration

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Query the backend liveness endpoint once",
	Long: `Initializes the configured backend, asks it for liveness and prints the
answer as JSON. Exits non-zero when the backend is unreachable or reports
that the model is not loaded.`,
	Args: cobra.NoArgs,
	RunE: runProbe,
}

func runProbe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
	defer cancel()

	b := newBackend(cfg)
	defer b.Release(context.WithoutCancel(ctx))

	if err := b.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize %s: %w", b.Name(), err)
	}
	live, err := b.Liveness(ctx)
	if err != nil {
		return fmt.Errorf("%s unreachable: %s", b.Name(), backend.Message(err))
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(live); err != nil {
		return err
	}
	if !live.ModelLoaded {
		return fmt.Errorf("%s is up but the model is not loaded", b.Name())
	}
	return nil
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().DurationVarP(&probeTimeout, "timeout", "t", 30*time.Second, "overall deadline, including model load for the local backend")
}
