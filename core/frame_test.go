package core

import (
	"testing"
	"time"
)

func TestFrame_Clone(t *testing.T) {
	f := Frame{
		Producer:   "p1",
		Mode:       ModeStepGrid,
		Seq:        7,
		CapturedAt: time.Now(),
		Pixels:     []Pixel{{R: 1}, {G: 2}},
	}

	clone := f.Clone()
	clone.Pixels[0].R = 99
	if f.Pixels[0].R != 1 {
		t.Error("clone should not share the pixel slice")
	}
	if clone.Seq != f.Seq || clone.Producer != f.Producer {
		t.Errorf("clone lost fields: %+v", clone)
	}
}

func TestFrame_Age(t *testing.T) {
	now := time.Now()
	f := Frame{CapturedAt: now.Add(-50 * time.Millisecond)}
	if age := f.Age(now); age != 50*time.Millisecond {
		t.Errorf("age = %v", age)
	}

	future := Frame{CapturedAt: now.Add(time.Second)}
	if age := future.Age(now); age != 0 {
		t.Errorf("future capture should age as zero, got %v", age)
	}
}

func TestDeviceDescriptor_EffectiveCapacity(t *testing.T) {
	d := DeviceDescriptor{ID: "strip", Geometry: Linear(64)}
	if got := d.EffectiveCapacity(); got != 64 {
		t.Errorf("uncapped capacity = %d", got)
	}
	d.Capacity = 32
	if got := d.EffectiveCapacity(); got != 32 {
		t.Errorf("capped capacity = %d", got)
	}
	d.Capacity = 128
	if got := d.EffectiveCapacity(); got != 64 {
		t.Errorf("capacity above geometry = %d", got)
	}
}
