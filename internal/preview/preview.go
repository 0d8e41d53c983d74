package preview

import (
	"context"
	"strings"
)

const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatWebP = "webp"

	defaultQuality = 82
)

// Options describes how a still frame becomes a preview thumbnail.
type Options struct {
	Width     int
	Format    string
	Quality   int
	Watermark string
}

type Image struct {
	Data   []byte
	Format string
	Width  int
	Height int
}

type Transformer interface {
	Preview(ctx context.Context, input []byte, opts Options) (Image, error)
}

// New returns the transformer selected by build tags.
func New() (Transformer, error) {
	return newTransformer()
}

func NormalizeFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "jpg", "jpeg":
		return FormatJPEG
	case "png":
		return FormatPNG
	case "webp":
		return FormatWebP
	default:
		return FormatJPEG
	}
}

func ContentType(format string) string {
	switch NormalizeFormat(format) {
	case FormatPNG:
		return "image/png"
	case FormatWebP:
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// targetSize scales srcW x srcH down to width, keeping the aspect ratio.
// Images already narrower than width are left alone.
func targetSize(srcW, srcH, width int) (int, int) {
	if width <= 0 || srcW <= width {
		return srcW, srcH
	}
	height := (srcH*width + srcW/2) / srcW
	return width, max(1, height)
}

func quality(q int) int {
	if q <= 0 || q > 100 {
		return defaultQuality
	}
	return q
}
