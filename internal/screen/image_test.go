package screen

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/echolens-ai/echolens/pkg/fault"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: 200, G: uint8(y), B: uint8(x), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func decodeSize(t *testing.T, data []byte) (int, int) {
	t.Helper()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode conditioned image: %v", err)
	}
	return cfg.Width, cfg.Height
}

func TestParseImage(t *testing.T) {
	t.Run("decodes a data URI and re-encodes as jpeg", func(t *testing.T) {
		raw := encodePNG(t, 100, 80)
		uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(raw)

		got, err := ParseImage(uri)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.MIMEType != "image/jpeg" {
			t.Errorf("mime = %q, want image/jpeg", got.MIMEType)
		}
		if w, h := decodeSize(t, got.Data); w != 100 || h != 80 {
			t.Errorf("size = %dx%d, want 100x80", w, h)
		}
	})

	t.Run("passes small jpegs through untouched", func(t *testing.T) {
		raw := encodeJPEG(t, 200, 100)

		got, err := ParseImage(base64.StdEncoding.EncodeToString(raw))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !bytes.Equal(got.Data, raw) {
			t.Error("expected byte-identical passthrough for an in-bounds jpeg")
		}
	})

	t.Run("downscales oversized captures", func(t *testing.T) {
		raw := encodeJPEG(t, 2048, 1024)

		got, err := ParseImage(base64.StdEncoding.EncodeToString(raw))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if w, h := decodeSize(t, got.Data); w != 1024 || h != 512 {
			t.Errorf("size = %dx%d, want 1024x512", w, h)
		}
	})

	t.Run("downscales portrait captures on the long edge", func(t *testing.T) {
		raw := encodePNG(t, 500, 2000)

		got, err := ParseImage("data:image/png;base64," + base64.StdEncoding.EncodeToString(raw))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if w, h := decodeSize(t, got.Data); w != 256 || h != 1024 {
			t.Errorf("size = %dx%d, want 256x1024", w, h)
		}
	})

	t.Run("rejects invalid base64", func(t *testing.T) {
		_, err := ParseImage("!!!not base64!!!")
		if !fault.IsKind(err, fault.InvalidInput) {
			t.Errorf("expected invalid_input, got %v", err)
		}
	})

	t.Run("rejects non-image payloads", func(t *testing.T) {
		_, err := ParseImage(base64.StdEncoding.EncodeToString([]byte("just some text")))
		if !fault.IsKind(err, fault.InvalidInput) {
			t.Errorf("expected invalid_input, got %v", err)
		}
	})

	t.Run("rejects an empty data URI", func(t *testing.T) {
		_, err := ParseImage("data:image/png;base64,")
		if !fault.IsKind(err, fault.InvalidInput) {
			t.Errorf("expected invalid_input, got %v", err)
		}
	})
}
