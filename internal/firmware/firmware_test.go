package firmware

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrgo/fx3sdr/internal/errs"
)

// buildImage assembles a minimal valid image with one section containing
// a single payload word w at address addr, padded out to at least
// minImageSize bytes the way a real firmware blob would be.
func buildImage(addr, w uint32, pad int) []byte {
	buf := make([]byte, 0, minImageSize+64)
	buf = append(buf, magic0, magic1, magic2, magic3)

	word := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}

	word(1) // loadSz
	word(addr)
	word(w)
	word(0) // terminator loadSz == 0
	word(0x1234) // entryAddr
	word(w)       // checksum == sum of payload words == w

	for len(buf) < pad {
		buf = append(buf, 0)
	}
	return buf
}

func TestParse_SinglePayloadWordChecksum(t *testing.T) {
	img, err := Parse(buildImage(0x0, 0xdeadbeef, minImageSize))
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), img.checksum)
	assert.Len(t, img.sections, 1)
	assert.Equal(t, uint32(0x1234), img.entryAddr)
}

func TestParse_TooSmall(t *testing.T) {
	raw := buildImage(0, 1, minImageSize)
	raw = raw[:minImageSize-1]
	_, err := Parse(raw)
	require.Error(t, err)
	var de *errs.DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, errs.BadFirmware, de.Kind)
}

func TestParse_BadHeader(t *testing.T) {
	raw := buildImage(0, 1, minImageSize)
	raw[2] = 0x00
	_, err := Parse(raw)
	require.Error(t, err)
	var de *errs.DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, errs.BadFirmware, de.Kind)
}

func TestParse_BadChecksum(t *testing.T) {
	raw := buildImage(0, 0xdeadbeef, minImageSize)
	// corrupt the checksum word: the sixth word after the 4-byte magic
	// (bytes 24..27); the bytes after it are padding.
	binary.LittleEndian.PutUint32(raw[24:28], 0xdeadbeef+1)
	_, err := Parse(raw)
	require.Error(t, err)
	var de *errs.DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, errs.BadChecksum, de.Kind)
}

type fakeControl struct {
	calls [][]byte
	addrs []uint32
}

func (f *fakeControl) FirmwareControl(addrLo, addrHi uint16, data []byte) (int, error) {
	f.calls = append(f.calls, append([]byte(nil), data...))
	f.addrs = append(f.addrs, uint32(addrHi)<<16|uint32(addrLo))
	return len(data), nil
}

func TestTransfer_ChunksAndEntryJump(t *testing.T) {
	img, err := Parse(buildImage(0x1000, 0x1, minImageSize))
	require.NoError(t, err)

	fc := &fakeControl{}
	require.NoError(t, Transfer(fc, img))

	// one chunk for the 4-byte payload section, plus the zero-length
	// entry jump.
	require.Len(t, fc.calls, 2)
	assert.Len(t, fc.calls[0], 4)
	assert.Equal(t, uint32(0x1000), fc.addrs[0])
	assert.Len(t, fc.calls[1], 0)
	assert.Equal(t, uint32(0x1234), fc.addrs[1])
}
