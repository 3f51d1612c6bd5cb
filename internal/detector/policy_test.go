package detector

import "testing"

func TestEffectiveCount(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		n      int
		want   int
	}{
		{"proportional", Policy{Fraction: 0.05}, 100, 5},
		{"proportional rounds", Policy{Fraction: 0.1}, 15, 2},
		{"fixed", Policy{FixedCount: 3, Fraction: 0.9}, 10, 3},
		{"fixed capped by n", Policy{FixedCount: 30}, 10, 10},
		{"full fraction", Policy{Fraction: 1}, 7, 7},
		{"small fraction rounds to zero", Policy{Fraction: 0.01}, 10, 0},
		{"empty batch", Policy{FixedCount: 3}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.policy.EffectiveCount(tt.n)
			if got != tt.want {
				t.Errorf("EffectiveCount(%d) = %d, want %d", tt.n, got, tt.want)
			}
			if got < 0 || got > max(tt.n, 0) {
				t.Errorf("EffectiveCount(%d) = %d out of [0, n]", tt.n, got)
			}
		})
	}
}

func TestNewPolicy(t *testing.T) {
	tests := []struct {
		name     string
		fixed    int
		fraction float64
		wantErr  bool
	}{
		{"fraction only", 0, 0.05, false},
		{"fixed ignores fraction", 5, 0, false},
		{"negative fixed", -1, 0.05, true},
		{"zero fraction", 0, 0, true},
		{"fraction above one", 0, 1.01, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPolicy(tt.fixed, tt.fraction)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewPolicy() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPolicyDescribe(t *testing.T) {
	if got := (Policy{FixedCount: 4}).Describe(); got != "top 4" {
		t.Errorf("Describe() = %q", got)
	}
	if got := (Policy{Fraction: 0.07}).Describe(); got != "7%" {
		t.Errorf("Describe() = %q", got)
	}
}
