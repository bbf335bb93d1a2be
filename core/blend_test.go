package core

import (
	"errors"
	"math/rand"
	"testing"
)

func TestBlendOp_KnownValues(t *testing.T) {
	a := Pixel{R: 128, G: 0, B: 255}
	b := Pixel{R: 128, G: 255, B: 255}

	mul := BlendMultiply.Apply(a, b)
	if mul.R != 64 || mul.G != 0 || mul.B != 255 {
		t.Fatalf("multiply produced %+v", mul)
	}

	scr := BlendScreen.Apply(a, b)
	if scr.R != 192 || scr.G != 255 || scr.B != 255 {
		t.Fatalf("screen produced %+v", scr)
	}

	add := BlendAdditive.Apply(a, b)
	if add.R != 255 || add.G != 255 || add.B != 255 {
		t.Fatalf("additive should saturate, produced %+v", add)
	}

	mx := BlendMax.Apply(Pixel{R: 10, G: 200, B: 30}, Pixel{R: 20, G: 100, B: 30})
	if mx.R != 20 || mx.G != 200 || mx.B != 30 {
		t.Fatalf("max produced %+v", mx)
	}
}

func TestBlendOp_Commutative(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ops := []BlendOp{BlendMultiply, BlendScreen, BlendAdditive, BlendMax}
	for i := 0; i < 1000; i++ {
		a := Pixel{R: uint8(rng.Intn(256)), G: uint8(rng.Intn(256)), B: uint8(rng.Intn(256))}
		b := Pixel{R: uint8(rng.Intn(256)), G: uint8(rng.Intn(256)), B: uint8(rng.Intn(256))}
		for _, op := range ops {
			if op.Apply(a, b) != op.Apply(b, a) {
				t.Fatalf("%s not commutative for %+v and %+v", op, a, b)
			}
		}
	}
}

func TestBlendInto_FoldsAndClamps(t *testing.T) {
	dst := []Pixel{{R: 200, G: 200, B: 200}, {R: 10, G: 10, B: 10}}
	src := []Pixel{{R: 100, G: 100, B: 100}, {R: 10, G: 10, B: 10}}

	if err := BlendInto(BlendAdditive, dst, src); err != nil {
		t.Fatalf("BlendInto failed: %v", err)
	}
	if dst[0] != (Pixel{R: 255, G: 255, B: 255}) {
		t.Errorf("first pixel should saturate, got %+v", dst[0])
	}
	if dst[1] != (Pixel{R: 20, G: 20, B: 20}) {
		t.Errorf("second pixel should sum, got %+v", dst[1])
	}
}

func TestBlendInto_LengthMismatch(t *testing.T) {
	err := BlendInto(BlendScreen, make([]Pixel, 3), make([]Pixel, 4))
	if !errors.Is(err, ErrPixelLengthMismatch) {
		t.Fatalf("expected ErrPixelLengthMismatch, got %v", err)
	}
}

func TestParseBlendOp(t *testing.T) {
	for _, name := range []string{"multiply", "screen", "additive", "max"} {
		op, err := ParseBlendOp(name)
		if err != nil {
			t.Fatalf("ParseBlendOp(%q) failed: %v", name, err)
		}
		if op.String() != name {
			t.Errorf("round trip mismatch: %q -> %s", name, op)
		}
	}
	if _, err := ParseBlendOp("divide"); err == nil {
		t.Error("unknown operator should be rejected")
	}
}
