package device

import (
	"os"
	"strings"
)

const (
	// EnvDeviceAllowlist optionally restricts the pool to a subset of device
	// serials. The value can be a comma/semicolon/whitespace-separated list,
	// for example:
	//   DEVICELAB_DEVICE_ALLOWLIST="device-A,device-B"
	//   DEVICELAB_DEVICE_ALLOWLIST="device-A device-B"
	EnvDeviceAllowlist = "DEVICELAB_DEVICE_ALLOWLIST"
	// EnvDeviceDenylist excludes the listed serials from the pool even when
	// the allowlist would admit them. Same separator rules as the allowlist.
	EnvDeviceDenylist = "DEVICELAB_DEVICE_DENYLIST"
)

func parseSerialList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', '\n', '\r', '\t', ' ', '|':
			return true
		default:
			return false
		}
	})
	return normalizeSerialList(parts)
}

func normalizeSerialList(serials []string) []string {
	if len(serials) == 0 {
		return nil
	}
	out := make([]string, 0, len(serials))
	seen := make(map[string]struct{}, len(serials))
	for _, serial := range serials {
		trimmed := strings.TrimSpace(serial)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func allowlistFromEnv() []string {
	return parseSerialList(os.Getenv(EnvDeviceAllowlist))
}

func denylistFromEnv() []string {
	return parseSerialList(os.Getenv(EnvDeviceDenylist))
}
