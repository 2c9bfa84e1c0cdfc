package media

import (
	"bytes"
	"image"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"github.com/buckket/go-blurhash"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/nostr-mls/mdk/internal/mlserr"
)

// Dimensions reads just enough of an image to learn its format, width, and
// height without decoding the pixel buffer. This is the preflight step: it
// must run before any full decode so a maliciously small file claiming
// enormous dimensions (a decompression bomb) never reaches a real decoder.
func Dimensions(data []byte) (format string, width, height int, err error) {
	cfg, fmtName, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", 0, 0, mlserr.InvalidParameters("reading image header: %v", err)
	}
	return fmtName, cfg.Width, cfg.Height, nil
}

// CheckBounds rejects an image whose declared dimensions exceed the
// configured limits, before a full decode is attempted.
func CheckBounds(width, height, maxDimension int, maxPixels int64) error {
	if maxDimension > 0 && (width > maxDimension || height > maxDimension) {
		return mlserr.InvalidParameters("image dimensions %dx%d exceed the %d-pixel-per-side limit", width, height, maxDimension)
	}
	pixels := int64(width) * int64(height)
	if maxPixels > 0 && pixels > maxPixels {
		return mlserr.InvalidParameters("image has %d pixels, exceeding the %d-pixel limit", pixels, maxPixels)
	}
	return nil
}

// exifSanitizable formats are re-encoded by StripEXIF; every other format
// (animated GIF/WebP, vector formats, TIFF) is passed through unchanged
// since draw-then-reencode would either lose animation or isn't meaningful.
func exifSanitizable(mimeType string) bool {
	switch mimeType {
	case "image/jpeg", "image/png":
		return true
	default:
		return false
	}
}

// StripEXIF removes metadata from a JPEG or PNG by decoding, applying the
// EXIF orientation transform so the displayed image doesn't rotate once the
// orientation tag is gone, and re-encoding from a clean buffer that never
// carries the original metadata segments. Formats other than JPEG/PNG are
// returned unchanged.
func StripEXIF(data []byte, mimeType string) ([]byte, error) {
	if !exifSanitizable(mimeType) {
		return data, nil
	}

	orientation, _ := readJPEGOrientation(data) // 0/1 == identity; ignore absent-tag error

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, mlserr.InvalidParameters("decoding image for EXIF strip: %v", err)
	}
	img = applyOrientation(img, orientation)

	var buf bytes.Buffer
	switch mimeType {
	case "image/jpeg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 92}); err != nil {
			return nil, mlserr.Crypto("re-encoding stripped jpeg", err)
		}
	case "image/png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, mlserr.Crypto("re-encoding stripped png", err)
		}
	}
	return buf.Bytes(), nil
}

// applyOrientation rotates/flips img according to the EXIF orientation
// value (1-8; anything else is treated as identity). Re-encoding from the
// corrected orientation means the stripped file displays the same as the
// original despite losing the orientation tag itself.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 0, 1:
		return img
	case 2:
		return flipH(img)
	case 3:
		return rotate180(img)
	case 4:
		return flipV(img)
	case 5:
		return flipH(rotate90(img))
	case 6:
		return rotate90(img)
	case 7:
		return flipH(rotate270(img))
	case 8:
		return rotate270(img)
	default:
		return img
	}
}

func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)
	return out
}

func rotate90(img image.Image) image.Image {
	src := toRGBA(img)
	b := src.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(b.Max.Y-1-y, x, src.At(x, y))
		}
	}
	return out
}

func rotate180(img image.Image) image.Image {
	src := toRGBA(img)
	b := src.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(b.Max.X-1-x, b.Max.Y-1-y, src.At(x, y))
		}
	}
	return out
}

func rotate270(img image.Image) image.Image {
	src := toRGBA(img)
	b := src.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(y, b.Max.X-1-x, src.At(x, y))
		}
	}
	return out
}

func flipH(img image.Image) image.Image {
	src := toRGBA(img)
	b := src.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(b.Max.X-1-x, y, src.At(x, y))
		}
	}
	return out
}

func flipV(img image.Image) image.Image {
	src := toRGBA(img)
	b := src.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(x, b.Max.Y-1-y, src.At(x, y))
		}
	}
	return out
}

// ComputeBlurhash encodes img as a compact blurhash string for the imeta
// tag's optional placeholder field, using a 4x3 component grid — enough
// detail for a loading placeholder without bloating the tag.
func ComputeBlurhash(img image.Image) (string, error) {
	hash, err := blurhash.Encode(4, 3, img)
	if err != nil {
		return "", mlserr.Crypto("computing blurhash", err)
	}
	return hash, nil
}
