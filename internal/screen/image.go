package screen

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/jpeg"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // browser captures may arrive as webp
	_ "image/png"               // and as png

	"github.com/echolens-ai/echolens/pkg/fault"
	"github.com/echolens-ai/echolens/pkg/types"
)

// maxDimension bounds the longest edge of a conditioned capture. Vision
// backends downsample anyway; shipping more wastes upload time.
const maxDimension = 1024

// jpegQuality for re-encoded captures.
const jpegQuality = 85

// ParseImage decodes a client-supplied screen capture and conditions it for
// vision submission. The input is raw base64 or a data URI. Oversized
// images are downscaled to [maxDimension] on the longest edge and
// re-encoded as JPEG; undersized JPEGs pass through untouched to avoid a
// second lossy encode. Malformed input fails with
// [fault.InvalidInput].
func ParseImage(input string) (*types.ScreenImage, error) {
	payload := input
	if strings.HasPrefix(payload, "data:") {
		i := strings.IndexByte(payload, ',')
		if i < 0 {
			return nil, fault.New(fault.InvalidInput, "screen: data URI without payload")
		}
		payload = payload[i+1:]
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, fault.New(fault.InvalidInput, "screen: empty image payload")
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		if raw, err = base64.RawStdEncoding.DecodeString(payload); err != nil {
			return nil, fault.New(fault.InvalidInput, "screen: image payload is not base64: %v", err)
		}
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fault.New(fault.InvalidInput, "screen: undecodable image: %v", err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return nil, fault.New(fault.InvalidInput, "screen: empty image")
	}

	if w <= maxDimension && h <= maxDimension && format == "jpeg" {
		return &types.ScreenImage{MIMEType: "image/jpeg", Data: raw}, nil
	}

	dw, dh := w, h
	if w > maxDimension || h > maxDimension {
		if w > h {
			dw = maxDimension
			dh = max(h*maxDimension/w, 1)
		} else {
			dh = maxDimension
			dw = max(w*maxDimension/h, 1)
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fault.New(fault.Internal, "screen: re-encode: %v", err)
	}
	return &types.ScreenImage{MIMEType: "image/jpeg", Data: buf.Bytes()}, nil
}
