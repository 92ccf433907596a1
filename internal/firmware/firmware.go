// Package firmware implements C2: parsing, validating and transferring the
// FX3 firmware image that brings a boot-loader-mode device into streamer
// mode. It is grounded on original_source/src/firmware.c (validate_image,
// transfer_image) and on the transport's FirmwareControl primitive for the
// vendor request 0xA0 the original issues via libusb_control_transfer.
package firmware

import (
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"github.com/sdrgo/fx3sdr/internal/errs"
)

// Magic header bytes, spec §3/§6. The original validates each field with a
// distinct diagnostic, which this module keeps as named constants so the
// BadFirmware reason strings stay meaningful.
const (
	magic0 = 'C'
	magic1 = 'Y'
	magic2 = 0x1c // "I2C config is set to 0x1C"
	magic3 = 0xb0 // "image type is binary"
)

const (
	minImageSize  = 10240
	maxChunkBytes = 2 * 1024
	entryPause    = 1 * time.Second
)

// Control is the subset of internal/transport.Transport that firmware
// bootstrap needs: a single vendor control-out primitive.
type Control interface {
	FirmwareControl(addrLo, addrHi uint16, data []byte) (int, error)
}

// section is one (loadSz, secStart, payload) group of the image.
type section struct {
	addr    uint32
	payload []byte
}

// Image is a parsed and validated firmware image ready for transfer.
type Image struct {
	sections  []section
	entryAddr uint32
	checksum  uint32
}

// Parse validates raw against spec §4.2/§6 and returns a transferable
// Image. It never mutates raw.
func Parse(raw []byte) (*Image, error) {
	if len(raw) < minImageSize {
		return nil, errs.New("firmware.parse", errs.BadFirmware, fmt.Errorf("image file is too small: %d bytes", len(raw)))
	}
	if raw[0] != magic0 || raw[1] != magic1 {
		return nil, errs.New("firmware.parse", errs.BadFirmware, fmt.Errorf("header does not start with 'CY'"))
	}
	if raw[2] != magic2 {
		return nil, errs.New("firmware.parse", errs.BadFirmware, fmt.Errorf("i2c config byte is not 0x1c"))
	}
	if raw[3] != magic3 {
		return nil, errs.New("firmware.parse", errs.BadFirmware, fmt.Errorf("image type byte is not 0xb0"))
	}

	words := (len(raw) - 4) / 4
	if words < 2 {
		return nil, errs.New("firmware.parse", errs.BadFirmware, fmt.Errorf("image too short to hold a trailer"))
	}

	// at reads 32-bit word wordIdx, counting from right after the 4-byte magic.
	at := func(wordIdx int) uint32 {
		off := 4 + wordIdx*4
		return binary.LittleEndian.Uint32(raw[off : off+4])
	}

	img := &Image{}
	var checksum uint32
	w := 0
	for {
		if w >= words {
			return nil, errs.New("firmware.parse", errs.BadFirmware, fmt.Errorf("truncated section table"))
		}
		loadSz := at(w)
		w++
		if loadSz == 0 {
			break
		}
		if w >= words {
			return nil, errs.New("firmware.parse", errs.BadFirmware, fmt.Errorf("truncated section header"))
		}
		secStart := at(w)
		w++

		// mirrors the original's "current + loadSz >= end - 2" bound: the
		// section's payload words must leave room for entryAddr+checksum.
		if w+int(loadSz) >= words-2 {
			return nil, errs.New("firmware.parse", errs.BadFirmware, fmt.Errorf("section loadSz too big: %d", loadSz))
		}

		payload := make([]byte, loadSz*4)
		for i := uint32(0); i < loadSz; i++ {
			v := at(w)
			binary.LittleEndian.PutUint32(payload[i*4:i*4+4], v)
			checksum += v
			w++
		}
		img.sections = append(img.sections, section{addr: secStart, payload: payload})
	}

	if w+1 >= words {
		return nil, errs.New("firmware.parse", errs.BadFirmware, fmt.Errorf("missing entry/checksum trailer"))
	}
	img.entryAddr = at(w)
	w++
	expected := at(w)
	w++
	img.checksum = checksum

	if w != words {
		log.Printf("firmware: image file longer than expected (trailing %d words ignored)", words-w)
	}
	if checksum != expected {
		return nil, errs.New("firmware.parse", errs.BadChecksum, fmt.Errorf("checksum mismatch: computed=0x%08x expected=0x%08x", checksum, expected))
	}

	return img, nil
}

// Transfer streams every section over ctrl's vendor request 0xA0 in chunks
// of at most 2 KiB, then pauses ~1s and issues the zero-length entry jump,
// per spec §4.2. A failure transferring the entry jump is logged but not
// returned, since the device may have already reset by the time the host
// notices.
func Transfer(ctrl Control, img *Image) error {
	for _, sec := range img.sections {
		addr := sec.addr
		data := sec.payload
		for len(data) > 0 {
			n := len(data)
			if n > maxChunkBytes {
				n = maxChunkBytes
			}
			written, err := ctrl.FirmwareControl(uint16(addr&0xffff), uint16(addr>>16), data[:n])
			if err != nil {
				return errs.New("firmware.transfer", errs.IO, err)
			}
			if written != n {
				return errs.New("firmware.transfer", errs.IO, fmt.Errorf("short transfer: wrote %d of %d bytes", written, n))
			}
			data = data[n:]
		}
	}

	time.Sleep(entryPause)

	if _, err := ctrl.FirmwareControl(uint16(img.entryAddr&0xffff), uint16(img.entryAddr>>16), nil); err != nil {
		log.Printf("firmware: entry-jump transfer failed (device may have already reset): %v", err)
	}
	return nil
}

// Load parses raw and transfers it over ctrl in one call, the common case
// for C6's bootstrap sequence.
func Load(ctrl Control, raw []byte) error {
	img, err := Parse(raw)
	if err != nil {
		return err
	}
	return Transfer(ctrl, img)
}
