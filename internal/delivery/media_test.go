package delivery

import (
	"bytes"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"testing"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 64 {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDownscaleImageShrinksLargeImage(t *testing.T) {
	data := encodePNG(t, 3000, 500)

	out, err := DownscaleImage(data)
	if err != nil {
		t.Fatal(err)
	}
	img, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	b := img.Bounds()
	if b.Dx() != maxImageEdge {
		t.Errorf("width = %d, want %d", b.Dx(), maxImageEdge)
	}
	if b.Dy() > maxImageEdge {
		t.Errorf("height = %d, exceeds limit", b.Dy())
	}
}

func TestDownscaleImageKeepsSmallImage(t *testing.T) {
	data := encodePNG(t, 400, 300)

	out, err := DownscaleImage(data)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, data) {
		t.Error("image under the edge limit should come back unchanged")
	}
}

func TestDownscaleImageRejectsGarbage(t *testing.T) {
	if _, err := DownscaleImage([]byte("not an image")); err == nil {
		t.Error("expected decode error")
	}
}
