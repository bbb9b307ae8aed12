package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ErrUndecodable is returned by Compress for bytes that are not a supported image.
var ErrUndecodable = errors.New("undecodable image")

// Options bound stored images.
type Options struct {
	MaxDimension int
	JPEGQuality  int
}

func DefaultOptions() Options {
	return Options{MaxDimension: 800, JPEGQuality: 85}
}

// Compressed is the result of Compress.
type Compressed struct {
	Data     []byte
	MIMEType string
	// Reencoded is false when the input was already small and lossless and
	// is returned as-is.
	Reencoded bool
	Width     int
	Height    int
}

// Compress scales the image so its largest side fits opts.MaxDimension and
// re-encodes it. PNG and GIF stay lossless; JPEG and WebP become JPEG at
// opts.JPEGQuality.
func Compress(data []byte, opts Options) (Compressed, error) {
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = DefaultOptions().MaxDimension
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = DefaultOptions().JPEGQuality
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Compressed{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}

	b := src.Bounds()
	w, h := fitWithin(b.Dx(), b.Dy(), opts.MaxDimension)
	resized := w != b.Dx() || h != b.Dy()

	lossy := format == "jpeg" || format == "webp"
	if !resized && !lossy {
		return Compressed{Data: data, MIMEType: "image/" + format, Width: w, Height: h}, nil
	}

	img := src
	if resized {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
		img = dst
	}

	var buf bytes.Buffer
	out := Compressed{Reencoded: true, Width: w, Height: h}
	switch format {
	case "png":
		err = png.Encode(&buf, img)
		out.MIMEType = "image/png"
	case "gif":
		err = gif.Encode(&buf, img, nil)
		out.MIMEType = "image/gif"
	default:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: opts.JPEGQuality})
		out.MIMEType = "image/jpeg"
	}
	if err != nil {
		return Compressed{}, fmt.Errorf("encoding %s: %w", out.MIMEType, err)
	}
	out.Data = buf.Bytes()
	return out, nil
}

// fitWithin scales (w, h) so the larger side is at most limit, keeping the
// aspect ratio. Neither side drops below one pixel.
func fitWithin(w, h, limit int) (int, int) {
	if w <= limit && h <= limit {
		return w, h
	}
	if w >= h {
		return limit, max(h*limit/w, 1)
	}
	return max(w*limit/h, 1), limit
}
