// Package backend defines the inference boundary the coordinator drives and
// the failure taxonomy every backend variant reports through.
package backend

import (
	"context"

	"github.com/dj-oyu/antispoof-monitor/pkg/types"
)

// Backend classifies faces in a frame as real or fake.
//
// Implementations must be safe for one caller at a time; the coordinator never
// issues overlapping Infer calls. Release must be idempotent and safe to call
// before Initialize.
type Backend interface {
	Name() string
	Initialize(ctx context.Context) error
	Infer(ctx context.Context, frame types.Frame) (types.BatchResult, error)
	Liveness(ctx context.Context) (types.Liveness, error)
	Release(ctx context.Context) error
}
