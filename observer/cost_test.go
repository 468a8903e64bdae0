package observer

import "testing"

func TestCostCalculator_KnownModel(t *testing.T) {
	calc := NewCostCalculator(nil)
	got := calc.Calculate("claude-sonnet-4-5", 1_000_000, 1_000_000)
	want := 3.00 + 15.00
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCostCalculator_UnknownModelIsZero(t *testing.T) {
	calc := NewCostCalculator(nil)
	if got := calc.Calculate("mystery-model", 1000, 1000); got != 0 {
		t.Errorf("unknown model should cost 0, got %v", got)
	}
}

func TestCostCalculator_Overrides(t *testing.T) {
	calc := NewCostCalculator(map[string]ModelPricing{
		"claude-sonnet-4-5": {1.00, 2.00},
		"in-house-model":    {0.10, 0.20},
	})
	if got := calc.Calculate("claude-sonnet-4-5", 1_000_000, 0); got != 1.00 {
		t.Errorf("override should win, got %v", got)
	}
	if got := calc.Calculate("in-house-model", 0, 1_000_000); got != 0.20 {
		t.Errorf("extension should apply, got %v", got)
	}
}
