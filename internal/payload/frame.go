package payload

import "strings"

// Frame classifies a raw hex payload by its leading burn byte.
type Frame int

const (
	FrameAccepted Frame = iota
	FrameEmpty
	FrameNoise   // leading 00: channel noise.
	FrameForeign // anything other than 02.
)

func (f Frame) String() string {
	switch f {
	case FrameAccepted:
		return "accepted"
	case FrameEmpty:
		return "empty"
	case FrameNoise:
		return "noise"
	default:
		return "foreign"
	}
}

// Classify applies the frame-acceptance filter to a hex payload.
func Classify(rawHex string) Frame {
	h := strings.ToLower(strings.TrimSpace(rawHex))
	h = strings.TrimPrefix(h, "0x")
	switch {
	case h == "":
		return FrameEmpty
	case strings.HasPrefix(h, "00"):
		return FrameNoise
	case !strings.HasPrefix(h, "02"):
		return FrameForeign
	default:
		return FrameAccepted
	}
}
