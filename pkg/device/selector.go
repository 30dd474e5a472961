package device

import "strings"

// Selector filters which devices an allocation request accepts. A nil
// Selector matches any real device. All listed constraints must hold.
type Selector struct {
	// SerialAllow restricts matching to the listed serials when non-empty.
	SerialAllow []string
	// SerialDeny rejects the listed serials.
	SerialDeny []string
	// Products restricts matching to the listed product types when non-empty.
	Products []string
	// Properties lists key=value constraints that must all match.
	Properties map[string]string
	// RequireEmulator matches only emulators; unset requests exclude them.
	RequireEmulator bool
	// RequireNullDevice matches only placeholder devices for host-only runs;
	// unset requests exclude them.
	RequireNullDevice bool
}

// Matches reports whether the device described by info satisfies the
// selector.
func (s *Selector) Matches(info Info) bool {
	if s == nil {
		return !info.NullDevice
	}
	if s.RequireNullDevice != info.NullDevice {
		return false
	}
	if s.RequireEmulator != info.Emulator {
		return false
	}
	serial := strings.TrimSpace(info.Serial)
	for _, deny := range s.SerialDeny {
		if strings.TrimSpace(deny) == serial {
			return false
		}
	}
	if len(s.SerialAllow) > 0 && !containsTrimmed(s.SerialAllow, serial) {
		return false
	}
	if len(s.Products) > 0 && !containsTrimmed(s.Products, strings.TrimSpace(info.Product)) {
		return false
	}
	for key, want := range s.Properties {
		if info.Properties[key] != want {
			return false
		}
	}
	return true
}

func containsTrimmed(list []string, target string) bool {
	for _, item := range list {
		if strings.TrimSpace(item) == target {
			return true
		}
	}
	return false
}
