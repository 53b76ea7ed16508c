// Package imagecodec turns uploaded image payloads into the normalised JPEG
// bytes handed to extraction backends.
package imagecodec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/example/face-verify/internal/faceerr"
)

// MaxPixels rejects images whose header declares more pixels than this.
const MaxPixels = 50_000_000

const jpegQuality = 92

// Info describes a prepared image. Width and Height are the prepared size,
// SourceWidth and SourceHeight the size of the uploaded image.
type Info struct {
	Format       string
	Width        int
	Height       int
	SourceWidth  int
	SourceHeight int
	Scaled       bool
}

// DecodeBase64 decodes a base64 image string, accepting an optional
// "data:image/...;base64," prefix and padded or unpadded input.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ','); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+1:]
	}
	if s == "" {
		return nil, faceerr.New(faceerr.KindInvalidImage, "image payload is empty")
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if raw, err := enc.DecodeString(s); err == nil {
			return raw, nil
		}
	}
	return nil, faceerr.New(faceerr.KindInvalidImage, "image is not valid base64")
}

// Prepare decodes raw, converts it to RGB and re-encodes it as JPEG, scaling
// it down so neither side exceeds maxDim. maxDim <= 0 disables scaling.
func Prepare(raw []byte, maxDim int) ([]byte, Info, error) {
	if len(raw) == 0 {
		return nil, Info{}, faceerr.New(faceerr.KindInvalidImage, "image payload is empty")
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, Info{}, faceerr.Wrap(faceerr.KindInvalidImage, "unsupported or corrupt image", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > MaxPixels {
		return nil, Info{}, faceerr.New(faceerr.KindInvalidImage,
			fmt.Sprintf("image dimensions %dx%d are out of range", cfg.Width, cfg.Height))
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, Info{}, faceerr.Wrap(faceerr.KindInvalidImage, "failed to decode image", err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	info := Info{Format: format, Width: width, Height: height, SourceWidth: width, SourceHeight: height}

	newWidth, newHeight := width, height
	if maxDim > 0 && (width > maxDim || height > maxDim) {
		if width > height {
			newWidth = maxDim
			newHeight = max(1, int(float64(height)*float64(maxDim)/float64(width)))
		} else {
			newHeight = maxDim
			newWidth = max(1, int(float64(width)*float64(maxDim)/float64(height)))
		}
		info.Scaled = true
	}

	rgb := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	if info.Scaled {
		draw.CatmullRom.Scale(rgb, rgb.Bounds(), img, bounds, draw.Src, nil)
	} else {
		draw.Draw(rgb, rgb.Bounds(), img, bounds.Min, draw.Src)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgb, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, Info{}, fmt.Errorf("failed to encode image: %w", err)
	}
	info.Width, info.Height = newWidth, newHeight
	return buf.Bytes(), info, nil
}
