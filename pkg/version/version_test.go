package version

import "testing"

func TestAtLeast(t *testing.T) {
	cases := []struct {
		current, minimum string
		want             bool
	}{
		{"0.12.0", "0.12.0", true},
		{"0.12.1", "0.12.0", true},
		{"1.0.0", "0.12.0", true},
		{"0.11.9", "0.12.0", false},
		{"v0.12.0", "0.12.0", true},
		{"0.12.0", "v0.13.0", false},
		// Malformed versions fail closed.
		{"garbage", "0.1.0", false},
		{"0.12.0", "garbage", false},
		{"", "0.1.0", false},
	}
	for _, tc := range cases {
		if got := AtLeast(tc.current, tc.minimum); got != tc.want {
			t.Errorf("AtLeast(%q, %q) = %v, want %v", tc.current, tc.minimum, got, tc.want)
		}
	}
}
