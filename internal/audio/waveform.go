package audio

import "math"

// ComputeEnvelope buckets the PCM stream into count windows and returns the
// RMS level of each, normalized by the loudest window so values land in
// [0,1]. Silence yields all zeros. Windows past the end of a short stream
// stay at zero so the result always has exactly count entries.
func ComputeEnvelope(pcm []int16, count int) []float64 {
	env := make([]float64, count)
	if len(pcm) == 0 || count == 0 {
		return env
	}

	for i := 0; i < count; i++ {
		start := i * len(pcm) / count
		end := (i + 1) * len(pcm) / count
		if end <= start {
			continue
		}

		var sum float64
		for _, s := range pcm[start:end] {
			v := float64(s)
			sum += v * v
		}
		env[i] = math.Sqrt(sum / float64(end-start))
	}

	peak := 0.0
	for _, v := range env {
		if v > peak {
			peak = v
		}
	}
	if peak == 0 {
		return env
	}

	for i := range env {
		env[i] /= peak
	}
	return env
}
