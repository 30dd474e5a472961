package feishu

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Environment keys for the device pool and allocation log tables.
const (
	EnvDevicePoolURL    = "DEVICE_POOL_BITABLE_URL"
	EnvAllocationLogURL = "ALLOCATION_LOG_BITABLE_URL"

	EnvDeviceFieldSerial     = "DEVICE_FIELD_SERIAL"
	EnvDeviceFieldState      = "DEVICE_FIELD_STATE"
	EnvDeviceFieldProduct    = "DEVICE_FIELD_PRODUCT"
	EnvDeviceFieldAllocated  = "DEVICE_FIELD_ALLOCATED"
	EnvDeviceFieldRetired    = "DEVICE_FIELD_RETIRED"
	EnvDeviceFieldLastSeenAt = "DEVICE_FIELD_LAST_SEEN_AT"

	EnvAllocationFieldSerial     = "ALLOCATION_FIELD_SERIAL"
	EnvAllocationFieldEvent      = "ALLOCATION_FIELD_EVENT"
	EnvAllocationFieldInvocation = "ALLOCATION_FIELD_INVOCATION"
	EnvAllocationFieldAt         = "ALLOCATION_FIELD_AT"
)

// DeviceFields lists column names for the device pool table.
type DeviceFields struct {
	Serial     string
	State      string
	Product    string
	Allocated  string
	Retired    string
	LastSeenAt string
}

// DefaultDeviceFields matches the built-in pool table template.
var DefaultDeviceFields = DeviceFields{
	Serial:     "Serial",
	State:      "State",
	Product:    "Product",
	Allocated:  "Allocated",
	Retired:    "Retired",
	LastSeenAt: "LastSeenAt",
}

// AllocationFields lists column names for the allocation log table.
type AllocationFields struct {
	Serial       string
	Event        string
	InvocationID string
	At           string
}

// DefaultAllocationFields matches the built-in allocation log template.
var DefaultAllocationFields = AllocationFields{
	Serial:       "Serial",
	Event:        "Event",
	InvocationID: "InvocationID",
	At:           "At",
}

// DeviceFieldsFromEnv builds fields with environment overrides.
func DeviceFieldsFromEnv() DeviceFields {
	f := DefaultDeviceFields
	if v := strings.TrimSpace(os.Getenv(EnvDeviceFieldSerial)); v != "" {
		f.Serial = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDeviceFieldState)); v != "" {
		f.State = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDeviceFieldProduct)); v != "" {
		f.Product = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDeviceFieldAllocated)); v != "" {
		f.Allocated = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDeviceFieldRetired)); v != "" {
		f.Retired = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDeviceFieldLastSeenAt)); v != "" {
		f.LastSeenAt = v
	}
	return f
}

// AllocationFieldsFromEnv builds allocation fields with environment overrides.
func AllocationFieldsFromEnv() AllocationFields {
	f := DefaultAllocationFields
	if v := strings.TrimSpace(os.Getenv(EnvAllocationFieldSerial)); v != "" {
		f.Serial = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAllocationFieldEvent)); v != "" {
		f.Event = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAllocationFieldInvocation)); v != "" {
		f.InvocationID = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAllocationFieldAt)); v != "" {
		f.At = v
	}
	return f
}

// DeviceRecordInput is the payload used to create or update a pool row.
type DeviceRecordInput struct {
	Serial     string
	State      string
	Product    string
	Allocated  bool
	Retired    bool
	LastSeenAt *time.Time
}

// AllocationRecordInput describes one allocation log row.
type AllocationRecordInput struct {
	Serial       string
	Event        string
	InvocationID string
	At           *time.Time
}

// DeviceTable caches decoded pool rows for quick lookup by serial.
type DeviceTable struct {
	Ref    BitableRef
	Fields DeviceFields
	index  map[string]string // Serial -> RecordID
}

// RecordIDBySerial returns the record id for a given device serial.
func (t *DeviceTable) RecordIDBySerial(serial string) string {
	if t == nil || t.index == nil {
		return ""
	}
	return t.index[strings.TrimSpace(serial)]
}

// FetchDeviceTable downloads the device pool table.
func (c *Client) FetchDeviceTable(ctx context.Context, rawURL string, override *DeviceFields) (*DeviceTable, error) {
	if c == nil {
		return nil, errors.New("feishu: client is nil")
	}
	ref, err := ParseBitableURL(rawURL)
	if err != nil {
		return nil, err
	}
	fields := DefaultDeviceFields
	if override != nil {
		fields = fields.merge(*override)
	}
	records, err := c.listBitableRecords(ctx, ref, defaultBitablePageSize)
	if err != nil {
		return nil, err
	}
	table := &DeviceTable{
		Ref:    ref,
		Fields: fields,
		index:  make(map[string]string, len(records)),
	}
	for _, rec := range records {
		serial := toString(rec.Fields[fields.Serial])
		if serial == "" {
			continue
		}
		table.index[serial] = rec.RecordID
	}
	return table, nil
}

// UpsertDevice creates or updates a pool row keyed by Serial.
func (c *Client) UpsertDevice(ctx context.Context, rawURL string, fields DeviceFields, rec DeviceRecordInput) error {
	if c == nil {
		return errors.New("feishu: client is nil")
	}
	if strings.TrimSpace(rawURL) == "" {
		return errors.New("feishu: device pool table url is empty")
	}
	table, err := c.FetchDeviceTable(ctx, rawURL, &fields)
	if err != nil {
		return err
	}
	payload, err := buildDevicePayload(rec, table.Fields)
	if err != nil {
		return err
	}
	recordID := table.RecordIDBySerial(strings.TrimSpace(rec.Serial))
	if recordID == "" {
		_, err = c.createBitableRecord(ctx, table.Ref, payload)
		return err
	}
	return c.updateBitableRecord(ctx, table.Ref, recordID, payload)
}

// CreateAllocationRecord appends one allocation log row.
func (c *Client) CreateAllocationRecord(ctx context.Context, rawURL string, fields AllocationFields, rec AllocationRecordInput) (string, error) {
	if c == nil {
		return "", errors.New("feishu: client is nil")
	}
	ref, err := ParseBitableURL(rawURL)
	if err != nil {
		return "", err
	}
	payload, err := buildAllocationPayload(rec, fields)
	if err != nil {
		return "", err
	}
	return c.createBitableRecord(ctx, ref, payload)
}

func (fields DeviceFields) merge(override DeviceFields) DeviceFields {
	result := fields
	if strings.TrimSpace(override.Serial) != "" {
		result.Serial = override.Serial
	}
	if strings.TrimSpace(override.State) != "" {
		result.State = override.State
	}
	if strings.TrimSpace(override.Product) != "" {
		result.Product = override.Product
	}
	if strings.TrimSpace(override.Allocated) != "" {
		result.Allocated = override.Allocated
	}
	if strings.TrimSpace(override.Retired) != "" {
		result.Retired = override.Retired
	}
	if strings.TrimSpace(override.LastSeenAt) != "" {
		result.LastSeenAt = override.LastSeenAt
	}
	return result
}

func buildDevicePayload(rec DeviceRecordInput, fields DeviceFields) (map[string]any, error) {
	row := make(map[string]any)
	addOptionalField(row, fields.Serial, rec.Serial)
	addOptionalField(row, fields.State, rec.State)
	addOptionalField(row, fields.Product, rec.Product)
	if strings.TrimSpace(fields.Allocated) != "" {
		row[fields.Allocated] = strconv.FormatBool(rec.Allocated)
	}
	if strings.TrimSpace(fields.Retired) != "" {
		row[fields.Retired] = strconv.FormatBool(rec.Retired)
	}
	if rec.LastSeenAt != nil && strings.TrimSpace(fields.LastSeenAt) != "" {
		row[fields.LastSeenAt] = rec.LastSeenAt.UTC().UnixMilli()
	}
	if len(row) == 0 {
		return nil, errors.New("feishu: device pool payload is empty")
	}
	return row, nil
}

func buildAllocationPayload(rec AllocationRecordInput, fields AllocationFields) (map[string]any, error) {
	row := make(map[string]any)
	addOptionalField(row, fields.Serial, rec.Serial)
	addOptionalField(row, fields.Event, rec.Event)
	addOptionalField(row, fields.InvocationID, rec.InvocationID)
	if rec.At != nil && strings.TrimSpace(fields.At) != "" {
		row[fields.At] = rec.At.UTC().UnixMilli()
	}
	if len(row) == 0 {
		return nil, errors.New("feishu: allocation log payload is empty")
	}
	return row, nil
}
