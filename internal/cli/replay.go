package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/dj-oyu/antispoof-monitor/internal/coordinator"
	"github.com/dj-oyu/antispoof-monitor/internal/logger"
	"github.com/dj-oyu/antispoof-monitor/internal/replay"
)

var (
	replayFPS    float64
	replaySettle time.Duration
	replayQuiet  bool
)

// replaySummary is printed once the recording has been played.
type replaySummary struct {
	Played  int               `json:"played"`
	Invalid int               `json:"invalid"`
	Elapsed string            `json:"elapsed"`
	Final   coordinator.State `json:"final"`
}

var replayCmd = &cobra.Command{
	Use:   "replay <dir|file.mjpeg>",
	Short: "Run a recorded clip through the sampling and smoothing pipeline",
	Long: `Plays a directory of JPEG files (name order) or a concatenated MJPEG file
into the coordinator at the given source rate, waits for the last sampled
frame to be classified and prints the final published state.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	src, err := replay.Open(args[0])
	if err != nil {
		return err
	}
	defer src.Close()

	ctx := cmd.Context()
	coord := coordinator.New(newBackend(cfg), coordinator.Options{
		Rate:          cfg.FPS,
		Window:        cfg.Window,
		ProbeInterval: cfg.ProbeInterval,
	})
	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Timeout)
		defer cancel()
		if err := coord.Release(rctx); err != nil {
			logger.Warn("Replay", "Release: %v", err)
		}
	}()

	var tick func()
	if !replayQuiet {
		bar := progressbar.NewOptions(src.Total(),
			progressbar.OptionSetDescription("Replaying"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
		)
		defer bar.Finish()
		tick = func() { _ = bar.Add(1) }
	}

	started := time.Now()
	res, err := replay.Play(ctx, src, replayFPS, coord.Offer, tick)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, replaySettle)
	defer cancel()
	if err := coord.Settle(sctx); err != nil {
		logger.Warn("Replay", "Pipeline did not settle within %s", replaySettle)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(replaySummary{
		Played:  res.Played,
		Invalid: res.Invalid,
		Elapsed: time.Since(started).Round(time.Millisecond).String(),
		Final:   coord.Snapshot(),
	}); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().Float64VarP(&replayFPS, "source-fps", "r", replay.DefaultFPS, "rate at which recorded frames are offered")
	replayCmd.Flags().DurationVar(&replaySettle, "settle", 35*time.Second, "how long to wait for the last in-flight call")
	replayCmd.Flags().BoolVarP(&replayQuiet, "quiet", "q", false, "hide the progress bar")
}
