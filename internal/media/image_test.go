package media

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func smallPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDimensionsReadsHeaderOnly(t *testing.T) {
	data := smallPNG(t, 32, 16)
	format, w, h, err := Dimensions(data)
	if err != nil {
		t.Fatal(err)
	}
	if format != "png" {
		t.Errorf("format = %q, want png", format)
	}
	if w != 32 || h != 16 {
		t.Errorf("dimensions = %dx%d, want 32x16", w, h)
	}
}

func TestCheckBoundsRejectsOversizedDimension(t *testing.T) {
	if err := CheckBounds(9000, 100, 8192, 0); err == nil {
		t.Error("expected an error for a dimension past the configured limit")
	}
	if err := CheckBounds(100, 100, 8192, 0); err != nil {
		t.Errorf("dimensions within bounds should not error: %v", err)
	}
}

func TestCheckBoundsRejectsOversizedPixelCount(t *testing.T) {
	if err := CheckBounds(5000, 5000, 0, 1_000_000); err == nil {
		t.Error("expected an error when width*height exceeds the pixel budget")
	}
	if err := CheckBounds(500, 500, 0, 1_000_000); err != nil {
		t.Errorf("pixel count within budget should not error: %v", err)
	}
}

func TestStripEXIFPassesThroughUnsupportedFormats(t *testing.T) {
	data := []byte("not actually an image, just passthrough bytes")
	out, err := StripEXIF(data, "image/gif")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, data) {
		t.Error("GIF should be returned unchanged, not re-encoded")
	}
}

func TestStripEXIFRoundTripsPNG(t *testing.T) {
	data := smallPNG(t, 20, 10)
	out, err := StripEXIF(data, "image/png")
	if err != nil {
		t.Fatal(err)
	}
	_, w, h, err := Dimensions(out)
	if err != nil {
		t.Fatal(err)
	}
	if w != 20 || h != 10 {
		t.Errorf("stripped image dimensions = %dx%d, want 20x10", w, h)
	}
}

func TestBlurhashIsDeterministic(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 16), G: uint8(y * 16), B: 200, A: 255})
		}
	}
	h1, err := ComputeBlurhash(img)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := ComputeBlurhash(img)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("blurhash of the same image twice should be identical")
	}
	if h1 == "" {
		t.Error("expected a non-empty blurhash")
	}
}

// buildMinimalExifApp1 builds a JPEG APP1 payload (without the marker/length
// prefix) carrying a single IFD0 entry: orientation = value.
func buildMinimalExifApp1(order binary.ByteOrder, value uint16) []byte {
	tiff := make([]byte, 8+2+12+4) // header + entry count + one entry + next-IFD offset
	if order == binary.LittleEndian {
		copy(tiff[0:2], "II")
	} else {
		copy(tiff[0:2], "MM")
	}
	order.PutUint16(tiff[2:4], 42)
	order.PutUint32(tiff[4:8], 8) // IFD0 starts right after the header

	order.PutUint16(tiff[8:10], 1) // one entry
	entry := tiff[10:22]
	order.PutUint16(entry[0:2], 0x0112) // Orientation tag
	order.PutUint16(entry[2:4], 3)      // SHORT
	order.PutUint32(entry[4:8], 1)      // count
	order.PutUint16(entry[8:10], value)

	app1 := append([]byte("Exif\x00\x00"), tiff...)
	return app1
}

func wrapAsJPEGWithAPP1(app1 []byte) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xD8}) // SOI
	buf.Write([]byte{0xFF, 0xE1}) // APP1 marker
	length := make([]byte, 2)
	binary.BigEndian.PutUint16(length, uint16(len(app1)+2))
	buf.Write(length)
	buf.Write(app1)
	buf.Write([]byte{0xFF, 0xD9}) // EOI, no scan data needed for this reader
	return buf.Bytes()
}

func TestReadJPEGOrientationParsesLittleEndian(t *testing.T) {
	app1 := buildMinimalExifApp1(binary.LittleEndian, 6)
	data := wrapAsJPEGWithAPP1(app1)
	orientation, err := readJPEGOrientation(data)
	if err != nil {
		t.Fatal(err)
	}
	if orientation != 6 {
		t.Errorf("orientation = %d, want 6", orientation)
	}
}

func TestReadJPEGOrientationParsesBigEndian(t *testing.T) {
	app1 := buildMinimalExifApp1(binary.BigEndian, 3)
	data := wrapAsJPEGWithAPP1(app1)
	orientation, err := readJPEGOrientation(data)
	if err != nil {
		t.Fatal(err)
	}
	if orientation != 3 {
		t.Errorf("orientation = %d, want 3", orientation)
	}
}

func TestReadJPEGOrientationErrorsWithoutExif(t *testing.T) {
	data := []byte{0xFF, 0xD8, 0xFF, 0xD9}
	if _, err := readJPEGOrientation(data); err == nil {
		t.Error("expected an error for a JPEG with no APP1/EXIF segment")
	}
}

func TestApplyOrientationPreservesDimensionsUnderRotation(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 30, 10))
	rotated := applyOrientation(img, 6)
	b := rotated.Bounds()
	if b.Dx() != 10 || b.Dy() != 30 {
		t.Errorf("90-degree rotation should swap dimensions: got %dx%d, want 10x30", b.Dx(), b.Dy())
	}

	identity := applyOrientation(img, 1)
	ib := identity.Bounds()
	if ib.Dx() != 30 || ib.Dy() != 10 {
		t.Error("orientation 1 should be a no-op")
	}
}
