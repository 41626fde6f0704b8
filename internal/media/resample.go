package media

import (
	"encoding/binary"
	"math"
)

// Resample converts 16-bit little-endian PCM between sample rates using
// index-mapped linear interpolation. The output length is
// round(inputSamples * toRate / fromRate) samples. Equal rates return
// the input unchanged.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate || len(pcm) < 2 {
		return pcm
	}

	inSamples := len(pcm) / 2
	outSamples := int(math.Round(float64(inSamples) * float64(toRate) / float64(fromRate)))
	if outSamples <= 0 {
		return nil
	}

	out := make([]byte, outSamples*2)
	ratio := float64(fromRate) / float64(toRate)

	for i := 0; i < outSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx >= inSamples {
			srcIdx = inSamples - 1
			frac = 0
		}

		// Read two consecutive samples for interpolation; the last
		// sample interpolates against itself.
		s1 := int16(binary.LittleEndian.Uint16(pcm[srcIdx*2:]))
		s2 := s1
		if srcIdx+1 < inSamples {
			s2 = int16(binary.LittleEndian.Uint16(pcm[(srcIdx+1)*2:]))
		}

		interpolated := float64(s1)*(1-frac) + float64(s2)*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(interpolated)))
	}

	return out
}
