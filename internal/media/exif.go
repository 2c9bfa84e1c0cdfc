package media

import (
	"encoding/binary"
	"fmt"
)

// readJPEGOrientation scans a JPEG's APP1 segment for the EXIF orientation
// tag (0x0112) and returns its value (1-8), or an error if no EXIF segment
// or orientation tag is present. This is the one EXIF field the strip path
// needs; it is not a general-purpose EXIF parser.
func readJPEGOrientation(data []byte) (int, error) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return 0, fmt.Errorf("media: not a JPEG")
	}
	pos := 2
	for pos+4 <= len(data) {
		if data[pos] != 0xFF {
			return 0, fmt.Errorf("media: malformed JPEG marker")
		}
		marker := data[pos+1]
		if marker == 0xD8 || marker == 0xD9 || (marker >= 0xD0 && marker <= 0xD7) {
			pos += 2
			continue
		}
		if marker == 0xDA { // start of scan: no more markers follow
			break
		}
		segLen := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		segStart := pos + 4
		segEnd := pos + 2 + segLen
		if segEnd > len(data) {
			return 0, fmt.Errorf("media: truncated JPEG segment")
		}
		if marker == 0xE1 { // APP1
			if orientation, ok := parseExifOrientation(data[segStart:segEnd]); ok {
				return orientation, nil
			}
		}
		pos = segEnd
	}
	return 0, fmt.Errorf("media: no EXIF orientation tag found")
}

// parseExifOrientation parses an APP1 payload starting with "Exif\x00\x00"
// followed by a TIFF header and IFD0, looking for tag 0x0112.
func parseExifOrientation(app1 []byte) (int, bool) {
	if len(app1) < 8 || string(app1[0:6]) != "Exif\x00\x00" {
		return 0, false
	}
	tiff := app1[6:]
	if len(tiff) < 8 {
		return 0, false
	}

	var order binary.ByteOrder
	switch string(tiff[0:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return 0, false
	}
	if order.Uint16(tiff[2:4]) != 42 {
		return 0, false
	}
	ifdOffset := order.Uint32(tiff[4:8])
	if int(ifdOffset)+2 > len(tiff) {
		return 0, false
	}

	numEntries := int(order.Uint16(tiff[ifdOffset : ifdOffset+2]))
	entriesStart := int(ifdOffset) + 2
	const entrySize = 12
	for i := 0; i < numEntries; i++ {
		off := entriesStart + i*entrySize
		if off+entrySize > len(tiff) {
			break
		}
		tag := order.Uint16(tiff[off : off+2])
		if tag != 0x0112 {
			continue
		}
		valType := order.Uint16(tiff[off+2 : off+4])
		if valType != 3 { // SHORT
			return 0, false
		}
		value := order.Uint16(tiff[off+8 : off+10])
		if value < 1 || value > 8 {
			return 0, false
		}
		return int(value), true
	}
	return 0, false
}
