//go:build govips && cgo

package preview

import (
	"context"
	"fmt"
	"strings"

	"github.com/davidbyttow/govips/v2/vips"
)

type govipsTransformer struct{}

func (govipsTransformer) Preview(ctx context.Context, input []byte, opts Options) (Image, error) {
	if err := ctx.Err(); err != nil {
		return Image{}, err
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return Image{}, fmt.Errorf("decode frame: %w", err)
	}
	defer img.Close()

	if img.Width() <= 0 || img.Height() <= 0 {
		return Image{}, fmt.Errorf("frame has invalid dimensions")
	}

	if w, _ := targetSize(img.Width(), img.Height(), opts.Width); w != img.Width() {
		if err := img.Resize(float64(w)/float64(img.Width()), vips.KernelLanczos3); err != nil {
			return Image{}, fmt.Errorf("resize frame: %w", err)
		}
	}

	if text := strings.TrimSpace(opts.Watermark); text != "" {
		label := &vips.LabelParams{
			Text:      text,
			Font:      "sans bold 20",
			Opacity:   0.8,
			Color:     vips.Color{R: 255, G: 255, B: 255},
			Alignment: vips.AlignCenter,
		}
		label.Width.SetInt(max(1, img.Width()-24))
		label.Height.SetInt(max(1, img.Height()/6))
		label.OffsetX.SetInt(12)
		label.OffsetY.SetInt(max(0, img.Height()/2-img.Height()/12))
		if err := img.Label(label); err != nil {
			return Image{}, fmt.Errorf("watermark frame: %w", err)
		}
	}

	format := NormalizeFormat(opts.Format)
	data, err := export(img, format, quality(opts.Quality))
	if err != nil {
		return Image{}, err
	}
	return Image{Data: data, Format: format, Width: img.Width(), Height: img.Height()}, nil
}

func export(img *vips.ImageRef, format string, q int) ([]byte, error) {
	switch format {
	case FormatPNG:
		data, _, err := img.ExportPng(vips.NewPngExportParams())
		if err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return data, nil
	case FormatWebP:
		params := vips.NewWebpExportParams()
		params.Quality = q
		data, _, err := img.ExportWebp(params)
		if err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
		return data, nil
	default:
		params := vips.NewJpegExportParams()
		params.Quality = q
		data, _, err := img.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	}
}
