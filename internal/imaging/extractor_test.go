package imaging

import (
	"errors"
	"image"
	"image/color"
	"testing"
)

func productFixture(bg, fg color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 200, 200))
	for y := 0; y < 200; y++ {
		for x := 0; x < 200; x++ {
			img.SetNRGBA(x, y, bg)
		}
	}
	for y := 60; y < 140; y++ {
		for x := 60; x < 140; x++ {
			img.SetNRGBA(x, y, fg)
		}
	}
	return img
}

func TestExtractForeground(t *testing.T) {
	white := color.NRGBA{R: 250, G: 250, B: 250, A: 255}
	red := color.NRGBA{R: 200, G: 30, B: 30, A: 255}

	t.Run("居中主体切出紧致包围盒", func(t *testing.T) {
		extractor := NewExtractor(DefaultExtractorConfig())
		cutout, err := extractor.ExtractForeground(productFixture(white, red))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		w := cutout.Bounds().Dx()
		h := cutout.Bounds().Dy()
		// 80px 主体，允许形态学与羽化带来的数像素浮动
		if w < 74 || w > 92 || h < 74 || h > 92 {
			t.Fatalf("unexpected cutout size %dx%d", w, h)
		}

		center := cutout.NRGBAAt(w/2, h/2)
		if center.A != 255 {
			t.Fatalf("expected opaque center, alpha=%d", center.A)
		}
		if center.R < 180 || center.G > 60 {
			t.Fatalf("expected red center, got %+v", center)
		}
	})

	t.Run("纯背景判定无前景", func(t *testing.T) {
		extractor := NewExtractor(DefaultExtractorConfig())
		_, err := extractor.ExtractForeground(productFixture(white, white))
		if !errors.Is(err, ErrNoForeground) {
			t.Fatalf("expected ErrNoForeground, got %v", err)
		}
	})

	t.Run("零羽化输出硬边", func(t *testing.T) {
		cfg := DefaultExtractorConfig()
		cfg.FeatherRadius = 0
		extractor := NewExtractor(cfg)
		cutout, err := extractor.ExtractForeground(productFixture(white, red))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		center := cutout.NRGBAAt(cutout.Bounds().Dx()/2, cutout.Bounds().Dy()/2)
		if center.A != 255 {
			t.Fatalf("expected fully opaque center, alpha=%d", center.A)
		}
	})
}

func TestDecodeImageRejectsGarbage(t *testing.T) {
	if _, err := DecodeImage([]byte("definitely not an image")); !errors.Is(err, ErrUnsupportedImage) {
		t.Fatalf("expected ErrUnsupportedImage, got %v", err)
	}
}
