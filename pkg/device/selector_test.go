package device

import "testing"

func TestSelectorNilMatchesRealDevicesOnly(t *testing.T) {
	var s *Selector
	if !s.Matches(Info{Serial: "abc"}) {
		t.Fatalf("nil selector rejected a real device")
	}
	if s.Matches(Info{Serial: "null-0", NullDevice: true}) {
		t.Fatalf("nil selector matched a null device")
	}
}

func TestSelectorSerialLists(t *testing.T) {
	s := &Selector{SerialAllow: []string{"a", "b"}, SerialDeny: []string{"b"}}
	if !s.Matches(Info{Serial: "a"}) {
		t.Fatalf("allowed serial rejected")
	}
	if s.Matches(Info{Serial: "b"}) {
		t.Fatalf("deny list did not override allow list")
	}
	if s.Matches(Info{Serial: "c"}) {
		t.Fatalf("unlisted serial matched a non-empty allow list")
	}
}

func TestSelectorProducts(t *testing.T) {
	s := &Selector{Products: []string{"walleye", "taimen"}}
	if !s.Matches(Info{Serial: "a", Product: "walleye"}) {
		t.Fatalf("listed product rejected")
	}
	if s.Matches(Info{Serial: "a", Product: "sailfish"}) {
		t.Fatalf("unlisted product matched")
	}
}

func TestSelectorProperties(t *testing.T) {
	s := &Selector{Properties: map[string]string{"ro.build.type": "userdebug"}}
	if !s.Matches(Info{Serial: "a", Properties: map[string]string{"ro.build.type": "userdebug"}}) {
		t.Fatalf("matching property rejected")
	}
	if s.Matches(Info{Serial: "a", Properties: map[string]string{"ro.build.type": "user"}}) {
		t.Fatalf("mismatching property matched")
	}
	if s.Matches(Info{Serial: "a"}) {
		t.Fatalf("missing property matched")
	}
}

func TestSelectorDeviceClasses(t *testing.T) {
	plain := &Selector{}
	if plain.Matches(Info{Serial: "emulator-5554", Emulator: true}) {
		t.Fatalf("default selector matched an emulator")
	}
	emu := &Selector{RequireEmulator: true}
	if !emu.Matches(Info{Serial: "emulator-5554", Emulator: true}) {
		t.Fatalf("emulator selector rejected an emulator")
	}
	if emu.Matches(Info{Serial: "abc"}) {
		t.Fatalf("emulator selector matched a physical device")
	}
	null := &Selector{RequireNullDevice: true}
	if !null.Matches(Info{Serial: "null-0", NullDevice: true}) {
		t.Fatalf("null-device selector rejected a null device")
	}
}
