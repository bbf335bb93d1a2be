package core

import "testing"

func TestAssignment_DeviceFor(t *testing.T) {
	a := NewAssignment()
	a.Devices["strip"] = []Slot{
		{Producer: "grid", Role: RolePrimary},
		{Producer: "ripple", Role: RoleOverlay},
	}
	a.Unrouted = []ProducerID{"wash"}

	device, ok := a.DeviceFor("ripple")
	if !ok || device != "strip" {
		t.Fatalf("DeviceFor(ripple) = %s, %v", device, ok)
	}
	if a.Routed("wash") {
		t.Error("unrouted producer should not report as routed")
	}
}

func TestAssignment_CloneIndependent(t *testing.T) {
	a := NewAssignment()
	a.Devices["strip"] = []Slot{{Producer: "grid", Role: RolePrimary}}
	a.Unrouted = []ProducerID{"wash"}

	clone := a.Clone()
	clone.Devices["strip"][0].Producer = "other"
	clone.Unrouted[0] = "other"

	if a.Devices["strip"][0].Producer != "grid" {
		t.Error("clone should not share slot storage")
	}
	if a.Unrouted[0] != "wash" {
		t.Error("clone should not share the unrouted slice")
	}
}

func TestAssignment_Equal(t *testing.T) {
	a := NewAssignment()
	a.Devices["strip"] = []Slot{{Producer: "grid", Role: RolePrimary}}
	a.Unrouted = []ProducerID{"x", "y"}

	b := a.Clone()
	b.Unrouted = []ProducerID{"y", "x"} // order must not matter
	if !a.Equal(b) {
		t.Error("equal assignments reported unequal")
	}

	b.Devices["strip"][0].Role = RoleOverlay
	if a.Equal(b) {
		t.Error("role change should break equality")
	}
}
