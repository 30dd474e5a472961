package feishu

import (
	"testing"
	"time"
)

func TestParseBitableURL(t *testing.T) {
	ref, err := ParseBitableURL("https://example.feishu.cn/base/AppToken123?table=tblDevices&view=vewAll")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if ref.AppToken != "AppToken123" {
		t.Fatalf("app token = %q", ref.AppToken)
	}
	if ref.TableID != "tblDevices" {
		t.Fatalf("table id = %q", ref.TableID)
	}
	if ref.ViewID != "vewAll" {
		t.Fatalf("view id = %q", ref.ViewID)
	}
}

func TestParseBitableURLQueryAliases(t *testing.T) {
	for _, raw := range []string{
		"https://example.feishu.cn/base/tok?tableId=tbl1",
		"https://example.feishu.cn/base/tok?table_id=tbl1",
		"https://example.larksuite.com/base/tok?table=tbl1",
	} {
		ref, err := ParseBitableURL(raw)
		if err != nil {
			t.Fatalf("parse %q failed: %v", raw, err)
		}
		if ref.TableID != "tbl1" {
			t.Fatalf("parse %q table id = %q", raw, ref.TableID)
		}
	}
}

func TestParseBitableURLRejectsBadInput(t *testing.T) {
	for _, raw := range []string{
		"",
		"ftp://example.feishu.cn/base/tok?table=tbl1",
		"https://evil.example.com/base/tok?table=tbl1",
		"https://example.feishu.cn/base/tok",
	} {
		if _, err := ParseBitableURL(raw); err == nil {
			t.Fatalf("parse %q unexpectedly succeeded", raw)
		}
	}
}

func TestToString(t *testing.T) {
	cases := []struct {
		val  any
		want string
	}{
		{nil, ""},
		{" dev-1 ", "dev-1"},
		{float64(42), "42"},
		{float64(1.5), "1.5"},
		{true, "true"},
		{[]any{map[string]any{"text": "dev-"}, map[string]any{"text": "1"}}, "dev-1"},
		{map[string]any{"text": " dev-1 "}, "dev-1"},
	}
	for _, tc := range cases {
		if got := toString(tc.val); got != tc.want {
			t.Fatalf("toString(%v) = %q, want %q", tc.val, got, tc.want)
		}
	}
}

func TestBuildDevicePayload(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	row, err := buildDevicePayload(DeviceRecordInput{
		Serial:     "dev-1",
		State:      "online",
		Allocated:  true,
		LastSeenAt: &now,
	}, DefaultDeviceFields)
	if err != nil {
		t.Fatalf("buildDevicePayload: %v", err)
	}
	if row["Serial"] != "dev-1" || row["State"] != "online" {
		t.Fatalf("payload = %v", row)
	}
	if row["Allocated"] != "true" || row["Retired"] != "false" {
		t.Fatalf("bool fields = %v", row)
	}
	if row["LastSeenAt"] != int64(1700000000000) {
		t.Fatalf("timestamp = %v", row["LastSeenAt"])
	}
}

func TestBuildAllocationPayloadRequiresFields(t *testing.T) {
	if _, err := buildAllocationPayload(AllocationRecordInput{}, DefaultAllocationFields); err == nil {
		t.Fatalf("empty payload accepted")
	}
	row, err := buildAllocationPayload(AllocationRecordInput{Serial: "dev-1", Event: "allocated"}, DefaultAllocationFields)
	if err != nil {
		t.Fatalf("buildAllocationPayload: %v", err)
	}
	if row["Serial"] != "dev-1" || row["Event"] != "allocated" {
		t.Fatalf("payload = %v", row)
	}
}
