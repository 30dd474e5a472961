package devrecorder

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/DeviceLab/pkg/device"
	"github.com/httprunner/DeviceLab/pkg/feishu"
)

// FeishuRecorder persists pool snapshots and allocation events to Feishu
// bitable tables.
type FeishuRecorder struct {
	client      *feishu.Client
	poolURL     string
	allocURL    string
	poolFields  feishu.DeviceFields
	allocFields feishu.AllocationFields
	clock       func() time.Time
}

// NewFeishuRecorder returns nil when both URLs are empty, allowing graceful opt-out.
func NewFeishuRecorder(poolURL, allocURL string) (*FeishuRecorder, error) {
	poolURL = strings.TrimSpace(poolURL)
	allocURL = strings.TrimSpace(allocURL)
	if poolURL == "" && allocURL == "" {
		return nil, nil
	}
	cli, err := feishu.NewClientFromEnv()
	if err != nil {
		return nil, err
	}
	return &FeishuRecorder{
		client:      cli,
		poolURL:     poolURL,
		allocURL:    allocURL,
		poolFields:  feishu.DeviceFieldsFromEnv(),
		allocFields: feishu.AllocationFieldsFromEnv(),
	}, nil
}

func (r *FeishuRecorder) UpsertDevices(ctx context.Context, snapshots []device.Snapshot) error {
	if r == nil || r.client == nil || r.poolURL == "" || len(snapshots) == 0 {
		return nil
	}
	now := r.now()
	for _, snap := range snapshots {
		rec := feishu.DeviceRecordInput{
			Serial:    snap.Serial,
			State:     string(snap.State),
			Product:   snap.Product,
			Allocated: snap.Allocated,
			Retired:   snap.Retired,
		}
		if !snap.LastSeen.IsZero() {
			seen := snap.LastSeen
			rec.LastSeenAt = &seen
		} else {
			rec.LastSeenAt = &now
		}
		if err := r.client.UpsertDevice(ctx, r.poolURL, r.poolFields, rec); err != nil {
			log.Error().Err(err).Str("serial", snap.Serial).Str("state", string(snap.State)).
				Msg("feishu recorder: upsert device failed")
		}
	}
	return nil
}

func (r *FeishuRecorder) RecordAllocation(ctx context.Context, rec device.AllocationRecord) error {
	if r == nil || r.client == nil || r.allocURL == "" {
		return nil
	}
	payload := feishu.AllocationRecordInput{
		Serial:       rec.Serial,
		Event:        rec.Event,
		InvocationID: rec.InvocationID,
	}
	at := rec.At
	if at.IsZero() {
		at = r.now()
	}
	payload.At = &at
	if _, err := r.client.CreateAllocationRecord(ctx, r.allocURL, r.allocFields, payload); err != nil {
		return errors.Wrap(err, "feishu recorder: create allocation record failed")
	}
	return nil
}

func (r *FeishuRecorder) now() time.Time {
	if r.clock != nil {
		return r.clock()
	}
	return time.Now()
}
