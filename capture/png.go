package capture

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"math"

	"github.com/use-agent/snapcrawl/models"
)

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// TagDPI returns the PNG with a pHYs chunk declaring the given DPI, so
// downstream viewers render a 2x capture at its true physical size. An
// existing pHYs chunk is replaced. The image data is untouched.
func TagDPI(png []byte, dpi int) ([]byte, error) {
	if len(png) < len(pngSignature)+25 || !bytes.Equal(png[:len(pngSignature)], pngSignature) {
		return png, models.NewPipelineError(models.ErrCodeCaptureFailed,
			"capture is not a PNG", nil)
	}

	// pHYs payload: pixels per meter X, Y, unit specifier (1 = meter).
	ppm := uint32(math.Round(float64(dpi) / 0.0254))
	payload := make([]byte, 9)
	binary.BigEndian.PutUint32(payload[0:4], ppm)
	binary.BigEndian.PutUint32(payload[4:8], ppm)
	payload[8] = 1
	phys := encodeChunk("pHYs", payload)

	var out bytes.Buffer
	out.Write(pngSignature)

	inserted := false
	offset := len(pngSignature)
	for offset+12 <= len(png) {
		length := int(binary.BigEndian.Uint32(png[offset : offset+4]))
		end := offset + 12 + length
		if end > len(png) {
			return png, models.NewPipelineError(models.ErrCodeCaptureFailed,
				"truncated PNG chunk", nil)
		}
		chunkType := string(png[offset+4 : offset+8])

		switch chunkType {
		case "pHYs":
			// Drop the old declaration; ours follows IHDR.
		default:
			out.Write(png[offset:end])
		}
		if chunkType == "IHDR" && !inserted {
			out.Write(phys)
			inserted = true
		}
		offset = end
	}

	if !inserted {
		return png, models.NewPipelineError(models.ErrCodeCaptureFailed,
			"PNG has no IHDR chunk", nil)
	}
	return out.Bytes(), nil
}

// ReadDPI extracts the declared DPI from a PNG's pHYs chunk, or 0 if the
// image carries none.
func ReadDPI(png []byte) int {
	if len(png) < len(pngSignature)+12 || !bytes.Equal(png[:len(pngSignature)], pngSignature) {
		return 0
	}
	offset := len(pngSignature)
	for offset+12 <= len(png) {
		length := int(binary.BigEndian.Uint32(png[offset : offset+4]))
		end := offset + 12 + length
		if end > len(png) {
			return 0
		}
		if string(png[offset+4:offset+8]) == "pHYs" && length == 9 {
			if png[offset+16] != 1 {
				return 0
			}
			ppm := binary.BigEndian.Uint32(png[offset+8 : offset+12])
			return int(math.Round(float64(ppm) * 0.0254))
		}
		offset = end
	}
	return 0
}

func encodeChunk(chunkType string, payload []byte) []byte {
	buf := make([]byte, 0, 12+len(payload))
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	buf = append(buf, length[:]...)
	buf = append(buf, chunkType...)
	buf = append(buf, payload...)
	crc := crc32.ChecksumIEEE(buf[4:])
	var crcBytes [4]byte
	binary.BigEndian.PutUint32(crcBytes[:], crc)
	return append(buf, crcBytes[:]...)
}
