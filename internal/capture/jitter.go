package capture

import "time"

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredInterval spreads base by ±ratio using sample in [0,1].
func jitteredInterval(base time.Duration, ratio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	ratio = clampJitterRatio(ratio)
	if ratio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*ratio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
