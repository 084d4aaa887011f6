package decoder

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// yencEncode produces the yEnc lines for a single-part article, mirroring
// the +42/+64 escape rules Yenc.Write decodes.
func yencEncode(name string, data []byte) []string {
	lines := []string{fmt.Sprintf("=ybegin line=128 size=%d name=%s", len(data), name)}
	var buf bytes.Buffer
	for _, b := range data {
		v := b + 42
		switch v {
		case 0x00, 0x0A, 0x0D, '=':
			buf.WriteByte('=')
			buf.WriteByte(v + 64)
		default:
			buf.WriteByte(v)
		}
	}
	lines = append(lines, buf.String())
	crc := crc32.ChecksumIEEE(data)
	lines = append(lines, fmt.Sprintf("=yend size=%d pcrc32=%08x", len(data), crc))
	return lines
}

func TestYencRoundTrip(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog 0123456789")
	lines := yencEncode("test.bin", data)

	y := NewYenc()
	var out bytes.Buffer
	for _, l := range lines {
		require.NoError(t, y.Write([]byte(l), &out))
	}
	assert.Equal(t, Finished, y.Check())
	assert.Equal(t, data, out.Bytes())
	assert.Equal(t, "test.bin", y.ArticleFilename())
}

func TestYencCrcMismatchReported(t *testing.T) {
	data := []byte("payload")
	lines := yencEncode("f.bin", data)
	// Corrupt the declared CRC in the trailer line.
	lines[len(lines)-1] = "=yend size=7 pcrc32=deadbeef"

	y := NewYenc()
	var out bytes.Buffer
	for _, l := range lines {
		require.NoError(t, y.Write([]byte(l), &out))
	}
	assert.Equal(t, CrcError, y.Check())
}

func TestYencPartOffsetIsZeroBased(t *testing.T) {
	y := NewYenc()
	var out bytes.Buffer
	require.NoError(t, y.Write([]byte("=ybegin part=1 line=128 size=100 name=f.bin"), &out))
	require.NoError(t, y.Write([]byte("=ypart begin=1 end=50"), &out))
	assert.Equal(t, int64(0), y.PartOffset())

	y2 := NewYenc()
	require.NoError(t, y2.Write([]byte("=ybegin part=2 line=128 size=100 name=f.bin"), &out))
	require.NoError(t, y2.Write([]byte("=ypart begin=51 end=100"), &out))
	assert.Equal(t, int64(50), y2.PartOffset())
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatYenc, DetectFormat([]byte("=ybegin line=128 size=1 name=a")))
	assert.Equal(t, FormatUU, DetectFormat([]byte("begin 644 a.bin")))
	assert.Equal(t, FormatUnknown, DetectFormat([]byte("some random line")))
}
