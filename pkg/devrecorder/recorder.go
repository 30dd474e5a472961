// Package devrecorder publishes device pool state to external dashboards.
package devrecorder

import (
	"context"
	"os"
	"strings"

	"github.com/httprunner/DeviceLab/pkg/device"
	"github.com/httprunner/DeviceLab/pkg/feishu"
)

// NoopRecorder is the default implementation when recording is disabled.
type NoopRecorder struct{}

func (NoopRecorder) UpsertDevices(ctx context.Context, snapshots []device.Snapshot) error {
	return nil
}

func (NoopRecorder) RecordAllocation(ctx context.Context, rec device.AllocationRecord) error {
	return nil
}

// NewFromEnv builds a recorder using environment variables; falls back to
// Noop when no table is configured.
func NewFromEnv() (device.PoolRecorder, error) {
	poolURL := strings.TrimSpace(os.Getenv(feishu.EnvDevicePoolURL))
	allocURL := strings.TrimSpace(os.Getenv(feishu.EnvAllocationLogURL))
	rec, err := NewFeishuRecorder(poolURL, allocURL)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return NoopRecorder{}, nil
	}
	return rec, nil
}
