package audio

import "time"

// SampleRate is the fixed session sample rate in Hz shared by capture, the
// wire format, and playback.
const SampleRate = 24000

// FramesToDuration converts a sample-frame count at rate into a duration.
// A non-positive rate yields zero.
func FramesToDuration(frames int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(frames * int64(time.Second) / int64(rate))
}

// DurationToFrames converts d into a whole number of sample frames at rate,
// rounding down.
func DurationToFrames(d time.Duration, rate int) int64 {
	if rate <= 0 {
		return 0
	}
	return int64(d) * int64(rate) / int64(time.Second)
}
