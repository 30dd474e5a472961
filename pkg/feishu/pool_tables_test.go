package feishu

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
)

const poolURL = "https://example.feishu.cn/base/AppToken123?table=tblDevices"

// stubTransport fakes the raw bitable endpoints behind doJSONRequestFunc.
type stubTransport struct {
	records []map[string]any

	creates []map[string]any
	updates map[string]map[string]any
}

func (s *stubTransport) handler() func(ctx context.Context, method, path string, payload any) (*http.Response, []byte, error) {
	return func(ctx context.Context, method, path string, payload any) (*http.Response, []byte, error) {
		switch {
		case strings.Contains(path, "/records/search"):
			items := make([]map[string]any, 0, len(s.records))
			for i, fields := range s.records {
				items = append(items, map[string]any{
					"record_id": recordID(i),
					"fields":    fields,
				})
			}
			raw, _ := json.Marshal(map[string]any{
				"code": 0,
				"data": map[string]any{"items": items, "has_more": false},
			})
			return nil, raw, nil
		case method == http.MethodPost && strings.HasSuffix(path, "/records"):
			s.creates = append(s.creates, extractFields(payload))
			raw, _ := json.Marshal(map[string]any{
				"code": 0,
				"data": map[string]any{"record": map[string]any{"record_id": "recNew"}},
			})
			return nil, raw, nil
		case method == http.MethodPut:
			id := path[strings.LastIndex(path, "/")+1:]
			if s.updates == nil {
				s.updates = make(map[string]map[string]any)
			}
			s.updates[id] = extractFields(payload)
			raw, _ := json.Marshal(map[string]any{"code": 0})
			return nil, raw, nil
		}
		raw, _ := json.Marshal(map[string]any{"code": 1, "msg": "unexpected path " + path})
		return nil, raw, nil
	}
}

func recordID(i int) string {
	return "rec" + string(rune('A'+i))
}

func extractFields(payload any) map[string]any {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil
	}
	fields, _ := m["fields"].(map[string]any)
	return fields
}

func stubClient(tr *stubTransport) *Client {
	return &Client{doJSONRequestFunc: tr.handler()}
}

func TestFetchDeviceTableIndexesBySerial(t *testing.T) {
	tr := &stubTransport{records: []map[string]any{
		{"Serial": "dev-1"},
		{"Serial": "dev-2"},
		{"Product": "no-serial-row"},
	}}
	table, err := stubClient(tr).FetchDeviceTable(context.Background(), poolURL, nil)
	if err != nil {
		t.Fatalf("FetchDeviceTable: %v", err)
	}
	if got := table.RecordIDBySerial("dev-2"); got != recordID(1) {
		t.Fatalf("record id = %q", got)
	}
	if got := table.RecordIDBySerial("unknown"); got != "" {
		t.Fatalf("unknown serial resolved to %q", got)
	}
}

func TestUpsertDeviceCreatesNewRow(t *testing.T) {
	tr := &stubTransport{}
	err := stubClient(tr).UpsertDevice(context.Background(), poolURL, DefaultDeviceFields, DeviceRecordInput{
		Serial: "dev-1",
		State:  "online",
	})
	if err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	if len(tr.creates) != 1 || len(tr.updates) != 0 {
		t.Fatalf("creates = %d, updates = %d", len(tr.creates), len(tr.updates))
	}
	if tr.creates[0]["Serial"] != "dev-1" || tr.creates[0]["State"] != "online" {
		t.Fatalf("created fields = %v", tr.creates[0])
	}
}

func TestUpsertDeviceUpdatesExistingRow(t *testing.T) {
	tr := &stubTransport{records: []map[string]any{
		{"Serial": "dev-1", "State": "offline"},
	}}
	err := stubClient(tr).UpsertDevice(context.Background(), poolURL, DefaultDeviceFields, DeviceRecordInput{
		Serial: "dev-1",
		State:  "online",
	})
	if err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	if len(tr.creates) != 0 {
		t.Fatalf("existing row recreated")
	}
	fields, ok := tr.updates[recordID(0)]
	if !ok {
		t.Fatalf("updates = %v", tr.updates)
	}
	if fields["State"] != "online" {
		t.Fatalf("updated fields = %v", fields)
	}
}

func TestCreateAllocationRecord(t *testing.T) {
	tr := &stubTransport{}
	id, err := stubClient(tr).CreateAllocationRecord(context.Background(), poolURL, DefaultAllocationFields, AllocationRecordInput{
		Serial: "dev-1",
		Event:  "allocated",
	})
	if err != nil {
		t.Fatalf("CreateAllocationRecord: %v", err)
	}
	if id != "recNew" {
		t.Fatalf("record id = %q", id)
	}
	if len(tr.creates) != 1 || tr.creates[0]["Event"] != "allocated" {
		t.Fatalf("creates = %v", tr.creates)
	}
}
