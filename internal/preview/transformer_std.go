package preview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"
)

type stdlibTransformer struct{}

func (stdlibTransformer) Preview(ctx context.Context, input []byte, opts Options) (Image, error) {
	if err := ctx.Err(); err != nil {
		return Image{}, err
	}

	src, _, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		return Image{}, fmt.Errorf("decode frame: %w", err)
	}

	bounds := src.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return Image{}, errors.New("frame has invalid dimensions")
	}

	w, h := targetSize(bounds.Dx(), bounds.Dy(), opts.Width)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)

	if text := strings.TrimSpace(opts.Watermark); text != "" {
		stampWatermark(dst, text)
	}

	format := NormalizeFormat(opts.Format)
	data, err := encode(dst, format, quality(opts.Quality))
	if err != nil {
		return Image{}, err
	}
	return Image{Data: data, Format: format, Width: w, Height: h}, nil
}

// stampWatermark draws text centered on a translucent band.
func stampWatermark(dst *image.RGBA, text string) {
	face := basicfont.Face7x13
	drawer := &font.Drawer{Dst: dst, Face: face}

	metrics := face.Metrics()
	textW := drawer.MeasureString(text).Ceil()
	textH := metrics.Height.Ceil()
	b := dst.Bounds()

	bandTop := b.Min.Y + (b.Dy()-textH)/2 - 4
	band := image.Rect(b.Min.X, max(b.Min.Y, bandTop), b.Max.X, min(b.Max.Y, bandTop+textH+8))
	draw.Draw(dst, band, image.NewUniform(color.RGBA{A: 96}), image.Point{}, draw.Over)

	x := b.Min.X + max(0, (b.Dx()-textW)/2)
	baseline := band.Min.Y + 4 + metrics.Ascent.Ceil()
	drawer.Src = image.NewUniform(color.RGBA{R: 255, G: 255, B: 255, A: 200})
	drawer.Dot = fixed.P(x, baseline)
	drawer.DrawString(text)
}

func encode(img image.Image, format string, q int) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case FormatJPEG:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case FormatPNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	default:
		return nil, fmt.Errorf("%s export requires the govips build", format)
	}
	return buf.Bytes(), nil
}
