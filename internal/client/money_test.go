package client

import "testing"

func TestFormatAmount(t *testing.T) {
	cases := []struct {
		minor    int64
		currency string
		want     string
	}{
		{1050, "USD", "10.5"},
		{100000, "EUR", "1000"},
		{1050, "JPY", "1050"},
		{1, "USD", "0.01"},
		{1, "BHD", "0.001"},
		{0, "USD", "0"},
		{-2599, "GBP", "-25.99"},
	}
	for _, tc := range cases {
		got := FormatAmount(tc.minor, tc.currency)
		if got != tc.want {
			t.Errorf("FormatAmount(%d, %s) = %q, want %q", tc.minor, tc.currency, got, tc.want)
		}
	}
}
