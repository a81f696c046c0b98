package slab

import (
	"testing"
)

// heapAlloc is a minimal test allocator.
type heapAlloc struct {
	allocs int
	frees  int
}

func (a *heapAlloc) AllocFloat32(n int) ([]float32, error) {
	a.allocs++
	return make([]float32, n), nil
}

func (a *heapAlloc) Free(p []float32) { a.frees++ }

func (a *heapAlloc) Close() error { return nil }

func TestAlignLen(t *testing.T) {
	tests := []struct {
		name     string
		valueLen int
		want     int
	}{
		{name: "pad 3 to 4", valueLen: 3, want: 4},
		{name: "aligned stays", valueLen: 4, want: 4},
		{name: "pad 5 to 8", valueLen: 5, want: 8},
		{name: "pad 1 to 4", valueLen: 1, want: 4},
		{name: "large aligned", valueLen: 128, want: 128},
		{name: "large padded", valueLen: 127, want: 128},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AlignLen(tt.valueLen); got != tt.want {
				t.Errorf("AlignLen(%d) = %d, want %d", tt.valueLen, got, tt.want)
			}
			// Padded byte length must be a multiple of the alignment.
			if AlignLen(tt.valueLen)*ScalarSize%Alignment != 0 {
				t.Errorf("AlignLen(%d) not alignment multiple", tt.valueLen)
			}
		})
	}
}

func TestSlabNewAndDestroy(t *testing.T) {
	a := &heapAlloc{}

	s, err := New(a, 16)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if s.Len() != 16 {
		t.Fatalf("Len = %d, want 16", s.Len())
	}
	if s.Step() != UnsetStep {
		t.Fatalf("fresh slab step = %d, want %d", s.Step(), UnsetStep)
	}
	if s.Freq() != 0 {
		t.Fatalf("fresh slab freq = %d, want 0", s.Freq())
	}

	s.Destroy()
	s.Destroy() // idempotent
	if a.frees != 1 {
		t.Fatalf("frees = %d, want 1", a.frees)
	}
}

func TestSlabSlots(t *testing.T) {
	a := &heapAlloc{}
	s, err := New(a, 8) // two slots of 4
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Destroy()

	if got := s.Slot(0, 0); got != nil {
		t.Fatal("uninitialized slot 0 should read nil")
	}
	if got := s.Slot(1, 4); got != nil {
		t.Fatal("uninitialized slot 1 should read nil")
	}

	v, err := s.InitSlot(1, 4)
	if err != nil {
		t.Fatalf("InitSlot failed: %v", err)
	}
	v[0] = 1.5

	if got := s.Slot(0, 0); got != nil {
		t.Fatal("slot 0 still uninitialized, should read nil")
	}
	got := s.Slot(1, 4)
	if got == nil {
		t.Fatal("slot 1 initialized, should not be nil")
	}
	if got[0] != 1.5 {
		t.Fatalf("slot 1 value = %f, want 1.5", got[0])
	}

	if s.SlotMask() != 1<<1 {
		t.Fatalf("slot mask = %b, want %b", s.SlotMask(), 1<<1)
	}
}

func TestSlabSlotOutOfRange(t *testing.T) {
	a := &heapAlloc{}
	s, _ := New(a, 4)
	defer s.Destroy()

	if _, err := s.InitSlot(MaxSlots, 0); err != ErrSlotOutOfRange {
		t.Fatalf("InitSlot(%d) err = %v, want ErrSlotOutOfRange", MaxSlots, err)
	}
	if _, err := s.InitSlot(-1, 0); err != ErrSlotOutOfRange {
		t.Fatalf("InitSlot(-1) err = %v, want ErrSlotOutOfRange", err)
	}
	if got := s.Slot(MaxSlots, 0); got != nil {
		t.Fatal("out of range slot should read nil")
	}
}

func TestSlabMetadata(t *testing.T) {
	a := &heapAlloc{}
	s, _ := New(a, 4)
	defer s.Destroy()

	s.SetStep(42)
	if s.Step() != 42 {
		t.Fatalf("step = %d, want 42", s.Step())
	}

	s.AddFreq(3)
	s.AddFreq(2)
	if s.Freq() != 5 {
		t.Fatalf("freq = %d, want 5", s.Freq())
	}

	s.SetSlotMask(0b101)
	if s.SlotMask() != 0b101 {
		t.Fatalf("mask = %b, want 101", s.SlotMask())
	}
}
