package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dj-oyu/antispoof-monitor/internal/backend"
	"github.com/dj-oyu/antispoof-monitor/internal/imaging"
	"github.com/dj-oyu/antispoof-monitor/pkg/types"
)

// predictOutput is what predict prints for one image.
type predictOutput struct {
	Image       string            `json:"image"`
	Status      types.Status      `json:"status"`
	Detections  []types.Detection `json:"detections"`
	LatencyMs   *float64          `json:"latency_ms,omitempty"`
	RoundTripMs float64           `json:"round_trip_ms"`
	FrameWidth  int               `json:"frame_width"`
	FrameHeight int               `json:"frame_height"`
}

var predictCmd = &cobra.Command{
	Use:   "predict <image.jpg>",
	Short: "Classify the faces in a single JPEG",
	Args:  cobra.ExactArgs(1),
	RunE:  runPredict,
}

func runPredict(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	frame, err := imaging.FrameFromJPEG(data)
	if err != nil {
		return fmt.Errorf("%s is not a readable jpeg: %w", args[0], err)
	}
	frame.Seq = 1
	frame.Timestamp = time.Now()

	ctx := cmd.Context()
	b := newBackend(cfg)
	defer b.Release(context.WithoutCancel(ctx))

	if err := b.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize %s: %w", b.Name(), err)
	}

	started := time.Now()
	res, err := b.Infer(ctx, frame)
	if err != nil {
		return fmt.Errorf("%s error: %s", backend.KindOf(err), backend.Message(err))
	}
	if res.FrameWidth == 0 || res.FrameHeight == 0 {
		res.FrameWidth, res.FrameHeight = frame.Width, frame.Height
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(predictOutput{
		Image:       args[0],
		Status:      res.Status(),
		Detections:  res.Detections,
		LatencyMs:   res.LatencyMs,
		RoundTripMs: float64(time.Since(started).Microseconds()) / 1000,
		FrameWidth:  res.FrameWidth,
		FrameHeight: res.FrameHeight,
	})
}

func init() {
	rootCmd.AddCommand(predictCmd)
}
