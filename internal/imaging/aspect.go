package imaging

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultGenerationBase 是发给生成模型的尺寸提示短边基数。
const DefaultGenerationBase = 1024

// DefaultCanvasShortSide 是输出画布的默认短边。
const DefaultCanvasShortSide = 1080

// AspectRatio 是受支持的画幅，宽高以最简比值表示。
type AspectRatio struct {
	Name   string
	RatioW int
	RatioH int
}

var supportedRatios = map[string]AspectRatio{
	"1:1":  {Name: "1:1", RatioW: 1, RatioH: 1},
	"9:16": {Name: "9:16", RatioW: 9, RatioH: 16},
	"16:9": {Name: "16:9", RatioW: 16, RatioH: 9},
}

// DefaultAspectRatio 在请求未指定画幅时使用。
var DefaultAspectRatio = supportedRatios["1:1"]

// ParseAspectRatio resolves a ratio name. Anything outside the fixed table is
// rejected, custom ratios are not generated.
func ParseAspectRatio(name string) (AspectRatio, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return DefaultAspectRatio, nil
	}
	ratio, ok := supportedRatios[trimmed]
	if !ok {
		return AspectRatio{}, fmt.Errorf("unsupported aspect ratio: %s", name)
	}
	return ratio, nil
}

// SupportedRatioNames returns the ratio table keys in stable order.
func SupportedRatioNames() []string {
	names := make([]string, 0, len(supportedRatios))
	for name := range supportedRatios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GenerationSize 返回发给模型的尺寸提示，长边为 base。
func (r AspectRatio) GenerationSize(base int) (int, int) {
	if base <= 0 {
		base = DefaultGenerationBase
	}
	if r.RatioW <= 0 || r.RatioH <= 0 {
		return base, base
	}
	if r.RatioW >= r.RatioH {
		return base, base * r.RatioH / r.RatioW
	}
	return base * r.RatioW / r.RatioH, base
}

// CanvasSize 返回输出画布尺寸，短边为 shortSide。
func (r AspectRatio) CanvasSize(shortSide int) (int, int) {
	if shortSide <= 0 {
		shortSide = DefaultCanvasShortSide
	}
	return r.scale(shortSide)
}

func (r AspectRatio) scale(shortSide int) (int, int) {
	if r.RatioW <= 0 || r.RatioH <= 0 {
		return shortSide, shortSide
	}
	if r.RatioW <= r.RatioH {
		height := shortSide * r.RatioH / r.RatioW
		return shortSide, height
	}
	width := shortSide * r.RatioW / r.RatioH
	return width, shortSide
}

// Slug 返回适合用在文件名中的画幅标记，如 1x1。
func (r AspectRatio) Slug() string {
	return fmt.Sprintf("%dx%d", r.RatioW, r.RatioH)
}

// ValidateDimensions 校验画布是否精确符合画幅要求。
func ValidateDimensions(width, height int, ratio AspectRatio, shortSide int) error {
	wantW, wantH := ratio.CanvasSize(shortSide)
	if width != wantW || height != wantH {
		return fmt.Errorf("canvas %dx%d does not match %s (want %dx%d)", width, height, ratio.Name, wantW, wantH)
	}
	return nil
}
