package timelock

import "testing"

func testSchedule() Schedule {
	return Schedule{GenesisTime: 1_700_000_000, SlotLength: 600, TimestampTolerance: 60}
}

func TestSchedule_SlotTime(t *testing.T) {
	s := testSchedule()
	if got := s.SlotTime(0); got != s.GenesisTime {
		t.Errorf("slot 0 time = %d, want %d", got, s.GenesisTime)
	}
	if got := s.SlotTime(3); got != s.GenesisTime+1800 {
		t.Errorf("slot 3 time = %d, want %d", got, s.GenesisTime+1800)
	}
}

func TestSchedule_SlotForTime(t *testing.T) {
	s := testSchedule()
	if got := s.SlotForTime(s.GenesisTime - 10); got != 0 {
		t.Errorf("before genesis should clamp to slot 0, got %d", got)
	}
	if got := s.SlotForTime(s.GenesisTime + 1250); got != 2 {
		t.Errorf("slot for time = %d, want 2", got)
	}
}

func TestSchedule_CanProduce(t *testing.T) {
	s := testSchedule()
	st := s.SlotTime(5)

	if err := s.CanProduce(5, st-1); err != ErrNotYetDue {
		t.Errorf("before slot open: err = %v, want ErrNotYetDue", err)
	}
	if err := s.CanProduce(5, st); err != nil {
		t.Errorf("at slot open: unexpected err %v", err)
	}
	if err := s.CanProduce(5, st+30); err != nil {
		t.Errorf("within tolerance: unexpected err %v", err)
	}
}

func TestSchedule_ValidateTimestamp(t *testing.T) {
	s := testSchedule()
	st := s.SlotTime(10)

	if err := s.ValidateTimestamp(10, st); err != nil {
		t.Errorf("exact slot time should validate: %v", err)
	}
	if err := s.ValidateTimestamp(10, st-60); err != nil {
		t.Errorf("at -tolerance boundary should validate: %v", err)
	}
	if err := s.ValidateTimestamp(10, st+60); err != nil {
		t.Errorf("at +tolerance boundary should validate: %v", err)
	}
	if err := s.ValidateTimestamp(10, st-61); err != ErrTimestampOutOfWindow {
		t.Errorf("past -tolerance should reject, got %v", err)
	}
	if err := s.ValidateTimestamp(10, st+61); err != ErrTimestampOutOfWindow {
		t.Errorf("past +tolerance should reject, got %v", err)
	}
}
