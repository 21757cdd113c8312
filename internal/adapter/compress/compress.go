// Package compress re-encodes source images as JPEG artifacts on disk.
package compress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	// Decoders registered with image.Decode.
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/cwygoda/squeeze/internal/domain"
)

// DefaultQuality is the JPEG quality used when none is configured.
const DefaultQuality = 50

// DefaultMaxPixels bounds the decoded size of a source image.
const DefaultMaxPixels = 50_000_000

// ErrTooLarge reports a source image with too many pixels to decode.
var ErrTooLarge = errors.New("image dimensions too large")

// Compressor implements domain.ImageCompressor by writing JPEG files
// under a root directory.
type Compressor struct {
	dir       string
	baseURL   string
	quality   int
	maxPixels int64
}

// New creates a Compressor that stores artifacts under dir. When baseURL
// is set, returned references are baseURL joined with the relative
// artifact path; otherwise they are absolute file paths. Images whose
// header declares more than maxPixels pixels are rejected before decoding.
func New(dir, baseURL string, quality int, maxPixels int64) (*Compressor, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, err
	}
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Compressor{
		dir:       abs,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		quality:   quality,
		maxPixels: maxPixels,
	}, nil
}

// Dir returns the absolute artifact root.
func (c *Compressor) Dir() string {
	return c.dir
}

// Compress decodes data, re-encodes it as JPEG and stores it under the
// path derived from key.
func (c *Compressor) Compress(ctx context.Context, key domain.ArtifactKey, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", &domain.CompressionError{Err: fmt.Errorf("decode: %w", err)}
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > c.maxPixels {
		return "", &domain.CompressionError{
			Err: fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooLarge, cfg.Width, cfg.Height, c.maxPixels),
		}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", &domain.CompressionError{Err: fmt.Errorf("decode: %w", err)}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.quality}); err != nil {
		return "", &domain.CompressionError{Err: fmt.Errorf("encode: %w", err)}
	}

	rel := key.Path(".jpg")
	dst := filepath.Join(c.dir, filepath.FromSlash(rel))
	if err := writeFile(dst, buf.Bytes()); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}

	if c.baseURL != "" {
		return c.baseURL + "/" + rel, nil
	}
	return dst, nil
}

// writeFile replaces dst atomically so readers never see a partial file.
func writeFile(dst string, data []byte) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
