package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"strings"

	"github.com/disintegration/imaging"
)

// Placement 以画布尺寸的比例描述切图锚点与缩放。
type Placement struct {
	// AnchorX/AnchorY 是切图中心在画布上的位置比例。
	AnchorX float64
	AnchorY float64
	// Scale 是切图宽度与画布宽度的比值。
	Scale float64
}

// DefaultPlacement 把商品放在画面中下部。
var DefaultPlacement = Placement{AnchorX: 0.5, AnchorY: 0.72, Scale: 0.55}

// Overlay 是模板定义的文案安全区色带，自底部向上铺设。
type Overlay struct {
	Color       color.NRGBA
	HeightRatio float64
	Opacity     float64
}

// CompositorConfig 控制画布尺寸与输出编码。
type CompositorConfig struct {
	CanvasShortSide int
	Format          string
	JPEGQuality     int
}

func DefaultCompositorConfig() CompositorConfig {
	return CompositorConfig{
		CanvasShortSide: DefaultCanvasShortSide,
		Format:          "png",
		JPEGQuality:     90,
	}
}

// Compositor 负责把生成背景、模板色带和商品切图合成为最终海报。
type Compositor struct {
	cfg CompositorConfig
}

func NewCompositor(cfg CompositorConfig) *Compositor {
	if cfg.CanvasShortSide <= 0 {
		cfg.CanvasShortSide = DefaultCanvasShortSide
	}
	if cfg.Format == "" {
		cfg.Format = "png"
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 90
	}
	return &Compositor{cfg: cfg}
}

// ComposePoster 把背景图铺满目标画幅并叠加模板色带。
func (c *Compositor) ComposePoster(background image.Image, ratio AspectRatio, overlay *Overlay) (*image.NRGBA, error) {
	if background == nil {
		return nil, fmt.Errorf("background is nil")
	}

	width, height := ratio.CanvasSize(c.cfg.CanvasShortSide)
	canvas := imaging.Fill(background, width, height, imaging.Center, imaging.Lanczos)
	applyOverlay(canvas, overlay)

	if err := ValidateDimensions(canvas.Bounds().Dx(), canvas.Bounds().Dy(), ratio, c.cfg.CanvasShortSide); err != nil {
		return nil, err
	}
	return canvas, nil
}

// ComposeFusion 在海报画布上叠加商品切图。
func (c *Compositor) ComposeFusion(background image.Image, cutout *image.NRGBA, ratio AspectRatio, placement Placement, overlay *Overlay) (*image.NRGBA, error) {
	canvas, err := c.ComposePoster(background, ratio, overlay)
	if err != nil {
		return nil, err
	}
	if cutout == nil || cutout.Bounds().Empty() {
		return nil, fmt.Errorf("cutout is empty")
	}

	if placement.Scale <= 0 || placement.Scale > 1 {
		placement = DefaultPlacement
	}

	canvasW := canvas.Bounds().Dx()
	canvasH := canvas.Bounds().Dy()

	targetW := int(math.Round(float64(canvasW) * placement.Scale))
	if targetW < 1 {
		targetW = 1
	}
	scaled := imaging.Resize(cutout, targetW, 0, imaging.Lanczos)
	if scaled.Bounds().Dy() > canvasH {
		scaled = imaging.Resize(cutout, 0, canvasH, imaging.Lanczos)
	}

	offsetX := int(math.Round(float64(canvasW)*placement.AnchorX)) - scaled.Bounds().Dx()/2
	offsetY := int(math.Round(float64(canvasH)*placement.AnchorY)) - scaled.Bounds().Dy()/2

	overComposite(canvas, scaled, offsetX, offsetY)
	return canvas, nil
}

// Encode 序列化画布。PNG 无损且对同一输入字节级稳定。
func (c *Compositor) Encode(img image.Image) ([]byte, string, error) {
	var buf bytes.Buffer
	switch strings.ToLower(c.cfg.Format) {
	case "png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", fmt.Errorf("encode png: %w", err)
		}
		return buf.Bytes(), "image/png", nil
	case "jpg", "jpeg":
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(c.cfg.JPEGQuality)); err != nil {
			return nil, "", fmt.Errorf("encode jpeg: %w", err)
		}
		return buf.Bytes(), "image/jpeg", nil
	default:
		return nil, "", fmt.Errorf("unsupported output format: %s", c.cfg.Format)
	}
}

// FileExtension 返回当前输出格式的扩展名。
func (c *Compositor) FileExtension() string {
	if strings.EqualFold(c.cfg.Format, "jpeg") || strings.EqualFold(c.cfg.Format, "jpg") {
		return "jpg"
	}
	return "png"
}

func applyOverlay(canvas *image.NRGBA, overlay *Overlay) {
	if overlay == nil || overlay.HeightRatio <= 0 || overlay.Opacity <= 0 {
		return
	}

	width := canvas.Bounds().Dx()
	height := canvas.Bounds().Dy()
	bandH := int(math.Round(float64(height) * overlay.HeightRatio))
	if bandH < 1 {
		return
	}
	if bandH > height {
		bandH = height
	}

	opacity := overlay.Opacity
	if opacity > 1 {
		opacity = 1
	}
	alpha := float64(overlay.Color.A) / 255 * opacity

	for y := height - bandH; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := canvas.PixOffset(x, y)
			canvas.Pix[idx] = blendChannel(overlay.Color.R, canvas.Pix[idx], alpha)
			canvas.Pix[idx+1] = blendChannel(overlay.Color.G, canvas.Pix[idx+1], alpha)
			canvas.Pix[idx+2] = blendChannel(overlay.Color.B, canvas.Pix[idx+2], alpha)
		}
	}
}

// overComposite 以标准 over 公式把 src 混合进 dst。
// out = src*a + dst*(1-a)，dst 视为不透明画布。
func overComposite(dst *image.NRGBA, src *image.NRGBA, offsetX, offsetY int) {
	dstW := dst.Bounds().Dx()
	dstH := dst.Bounds().Dy()
	srcW := src.Bounds().Dx()
	srcH := src.Bounds().Dy()

	for sy := 0; sy < srcH; sy++ {
		dy := offsetY + sy
		if dy < 0 || dy >= dstH {
			continue
		}
		for sx := 0; sx < srcW; sx++ {
			dx := offsetX + sx
			if dx < 0 || dx >= dstW {
				continue
			}

			srcIdx := src.PixOffset(sx, sy)
			alpha := float64(src.Pix[srcIdx+3]) / 255
			if alpha == 0 {
				continue
			}

			dstIdx := dst.PixOffset(dx, dy)
			dst.Pix[dstIdx] = blendChannel(src.Pix[srcIdx], dst.Pix[dstIdx], alpha)
			dst.Pix[dstIdx+1] = blendChannel(src.Pix[srcIdx+1], dst.Pix[dstIdx+1], alpha)
			dst.Pix[dstIdx+2] = blendChannel(src.Pix[srcIdx+2], dst.Pix[dstIdx+2], alpha)
			dst.Pix[dstIdx+3] = 255
		}
	}
}

func blendChannel(src, dst uint8, alpha float64) uint8 {
	return uint8(math.Round(float64(src)*alpha + float64(dst)*(1-alpha)))
}
