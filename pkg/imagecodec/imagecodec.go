// Package imagecodec is the thin, stateless wrapper over the image codec
// library the spec calls for in §4.3: decode/resize/encode/probe, nothing
// more. It owns no caches — callers (pkg/processor) own the Artifact Store
// hand-off.
//
// EXIF-aware orientation handling is modeled directly on perkeep's
// pkg/images/images.go Decode: read a bounded prefix for EXIF, fall back to
// a plain image.Decode when there is no usable orientation tag. The resize
// step uses golang.org/x/image/draw the way perkeep's pkg/server/image.go
// scales thumbnails into a target box.
package imagecodec

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"

	xdraw "golang.org/x/image/draw"

	_ "github.com/nf/cr2" // raw-format probe fallback, registered via image.RegisterFormat

	"github.com/rwcarlsen/goexif/exif"

	"github.com/letuhao/imagevault/pkg/model"
)

// exifPrefixBytes bounds how much of the source is read just to look for an
// EXIF orientation tag, mirroring perkeep's images.go 2<<20 cap.
const exifPrefixBytes = 2 << 20

// Box is a target pixel bounding box for a resize operation.
type Box struct {
	Width, Height int
}

// ProbeResult is what Probe reports about a source image without a full
// decode when the format allows it.
type ProbeResult struct {
	Width, Height int
	Format        string
}

// Probe returns the dimensions and format of the image in r, decoding a
// bounded prefix when possible (spec §4.8 step 1: "Probe dimensions and
// format ... from a bounded prefix of bytes when possible").
func Probe(r io.Reader) (ProbeResult, error) {
	var buf bytes.Buffer
	lr := io.LimitReader(r, exifPrefixBytes)
	cfg, format, err := image.DecodeConfig(io.TeeReader(lr, &buf))
	if err != nil {
		return ProbeResult{}, model.Wrap(model.KindArchiveCorrupt, err, "imagecodec: probe")
	}
	return ProbeResult{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}

// orientation holds the rotate/flip implied by an EXIF Orientation tag,
// matching perkeep's images.go switch exactly.
type orientation struct {
	angle int  // counter-clockwise degrees: 0, 90, -90, 180
	flipH bool
}

func orientationFromExif(r io.Reader) (orientation, bool) {
	x, err := exif.Decode(r)
	if err != nil {
		return orientation{}, false
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return orientation{}, false
	}
	v, err := tag.Int(0)
	if err != nil {
		return orientation{}, false
	}
	switch v {
	case 1:
		return orientation{}, true
	case 2:
		return orientation{flipH: true}, true
	case 3:
		return orientation{angle: 180}, true
	case 4:
		return orientation{angle: 180, flipH: true}, true
	case 5:
		return orientation{angle: -90, flipH: true}, true
	case 6:
		return orientation{angle: -90}, true
	case 7:
		return orientation{angle: 90, flipH: true}, true
	case 8:
		return orientation{angle: 90}, true
	default:
		return orientation{}, true
	}
}

func rotate(im image.Image, angle int) image.Image {
	b := im.Bounds()
	switch angle {
	case 90:
		out := image.NewNRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
		for y := 0; y < out.Bounds().Dy(); y++ {
			for x := 0; x < out.Bounds().Dx(); x++ {
				out.Set(x, y, im.At(b.Min.X+out.Bounds().Dy()-1-y, b.Min.Y+x))
			}
		}
		return out
	case -90:
		out := image.NewNRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
		for y := 0; y < out.Bounds().Dy(); y++ {
			for x := 0; x < out.Bounds().Dx(); x++ {
				out.Set(x, y, im.At(b.Min.X+y, b.Min.Y+out.Bounds().Dx()-1-x))
			}
		}
		return out
	case 180, -180:
		out := image.NewNRGBA(b)
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				out.Set(b.Min.X+x, b.Min.Y+y, im.At(b.Max.X-1-x, b.Max.Y-1-y))
			}
		}
		return out
	default:
		return im
	}
}

func flipHorizontal(im image.Image) image.Image {
	b := im.Bounds()
	out := image.NewNRGBA(b)
	draw.Draw(out, b, im, b.Min, draw.Src)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Min.X+b.Dx()/2; x++ {
			mirror := b.Max.X - 1 - (x - b.Min.X)
			l := out.NRGBAAt(x, y)
			r := out.NRGBAAt(mirror, y)
			out.SetNRGBA(x, y, r)
			out.SetNRGBA(mirror, y, l)
		}
	}
	return out
}

// Decode decodes r into an image.Image, applying any EXIF-implied rotation
// and horizontal flip automatically (spec §4.3 decode).
func Decode(r io.Reader) (image.Image, string, error) {
	var buf bytes.Buffer
	tee := io.TeeReader(io.LimitReader(r, exifPrefixBytes), &buf)
	orient, hasExif := orientationFromExif(tee)

	rest := io.MultiReader(&buf, r)
	im, format, err := image.Decode(rest)
	if err != nil {
		return nil, "", model.Wrap(model.KindArchiveCorrupt, err, "imagecodec: decode")
	}
	if hasExif {
		im = rotate(im, orient.angle)
		if orient.flipH {
			im = flipHorizontal(im)
		}
	}
	return im, format, nil
}

// Resize scales im to fit inside box while preserving aspect ratio, never
// enlarging beyond the source's dimensions (spec §4.3/§4.8:
// "fit=inside, withoutEnlargement=true").
func Resize(im image.Image, box Box) image.Image {
	sb := im.Bounds()
	sw, sh := sb.Dx(), sb.Dy()
	if box.Width <= 0 || box.Height <= 0 || sw <= 0 || sh <= 0 {
		return im
	}
	scale := minFloat(float64(box.Width)/float64(sw), float64(box.Height)/float64(sh))
	if scale >= 1 {
		// withoutEnlargement: never upscale.
		return im
	}
	dw := maxInt(1, int(float64(sw)*scale))
	dh := maxInt(1, int(float64(sh)*scale))
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), im, sb, xdraw.Over, nil)
	return dst
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Encode encodes im in the given format at quality (1-100, JPEG-only
// knob; ignored by lossless formats), per spec §4.3.
func Encode(im image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case "jpeg", "jpg":
		q := quality
		if q < 1 {
			q = 1
		}
		if q > 100 {
			q = 100
		}
		// Non-alpha-aware encoders need an opaque image; convert if needed.
		if _, ok := im.(*image.YCbCr); !ok {
			if hasAlpha(im) {
				im = flattenToWhite(im)
			}
		}
		if err := jpeg.Encode(&buf, im, &jpeg.Options{Quality: q}); err != nil {
			return nil, model.Wrap(model.KindArchiveCorrupt, err, "imagecodec: encode jpeg")
		}
	case "png":
		if err := png.Encode(&buf, im); err != nil {
			return nil, model.Wrap(model.KindArchiveCorrupt, err, "imagecodec: encode png")
		}
	case "gif":
		if err := gif.Encode(&buf, im, nil); err != nil {
			return nil, model.Wrap(model.KindArchiveCorrupt, err, "imagecodec: encode gif")
		}
	default:
		return nil, model.New(model.KindUnsupportedFormat, fmt.Sprintf("imagecodec: unsupported encode format %q", format))
	}
	return buf.Bytes(), nil
}

func hasAlpha(im image.Image) bool {
	switch im.(type) {
	case *image.NRGBA, *image.RGBA, *image.NRGBA64, *image.RGBA64:
		return true
	default:
		return false
	}
}

func flattenToWhite(im image.Image) image.Image {
	b := im.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(out, b, im, b.Min, draw.Over)
	return out
}
