package payload

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		in   string
		want Frame
	}{
		{"", FrameEmpty},
		{"00ff", FrameNoise},
		{"0x00ff", FrameNoise},
		{"02abcdef", FrameAccepted},
		{"0X02AB", FrameAccepted},
		{"01abcdef", FrameForeign},
		{"ff", FrameForeign},
	}
	for _, tt := range tests {
		if got := Classify(tt.in); got != tt.want {
			t.Errorf("Classify(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
