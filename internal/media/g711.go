package media

import "github.com/zaf/g711"

// Codec steps are independent of rate conversion and chainable with
// Resample: decode law audio to linear PCM first, then resample.

// ULawToPCM converts G.711 µ-law samples to 16-bit linear PCM.
func ULawToPCM(data []byte) []byte {
	return g711.DecodeUlaw(data)
}

// PCMToULaw converts 16-bit linear PCM samples to G.711 µ-law.
func PCMToULaw(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}

// ALawToPCM converts G.711 A-law samples to 16-bit linear PCM.
func ALawToPCM(data []byte) []byte {
	return g711.DecodeAlaw(data)
}

// PCMToALaw converts 16-bit linear PCM samples to G.711 A-law.
func PCMToALaw(pcm []byte) []byte {
	return g711.EncodeAlaw(pcm)
}

// ToPCM16 normalizes a chunk in the given format to 16-bit linear PCM
// at the format's own sample rate.
func ToPCM16(data []byte, f Format) []byte {
	switch f.Encoding {
	case EncodingULaw:
		return ULawToPCM(data)
	case EncodingALaw:
		return ALawToPCM(data)
	default:
		return data
	}
}
