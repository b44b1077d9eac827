package money

import "testing"

func TestRoundHalfUpBps(t *testing.T) {
	tests := []struct {
		name   string
		amount int64
		bps    int64
		want   int64
	}{
		{"five percent of $1000", 100000, 500, 5000},
		{"2.9 percent of $1000", 100000, 290, 2900},
		{"rounds down below half", 101, 500, 5},
		{"rounds half up at exactly half", 110, 500, 6},
		{"zero amount", 0, 500, 0},
		{"zero rate", 100000, 0, 0},
		{"negative mirrors sign", -110, 500, -6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RoundHalfUpBps(tt.amount, tt.bps); got != tt.want {
				t.Errorf("RoundHalfUpBps(%d, %d) = %d, want %d", tt.amount, tt.bps, got, tt.want)
			}
		})
	}
}

func TestValidCurrency(t *testing.T) {
	for _, code := range []string{"USD", "EUR", "GBP", "JPY"} {
		if !ValidCurrency(code) {
			t.Errorf("expected %q to be valid", code)
		}
	}
	for _, code := range []string{"", "usd", "US", "USDC", "U$D", "12D"} {
		if ValidCurrency(code) {
			t.Errorf("expected %q to be invalid", code)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		cents int64
		want  string
	}{
		{5000, "USD 50.00"},
		{-2000, "USD -20.00"},
		{5, "USD 0.05"},
		{0, "USD 0.00"},
		{123456, "USD 1234.56"},
	}
	for _, tt := range tests {
		if got := Format(tt.cents, "USD"); got != tt.want {
			t.Errorf("Format(%d) = %q, want %q", tt.cents, got, tt.want)
		}
	}
}
