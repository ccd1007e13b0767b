package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// ErrNoForeground 表示图片中没有可辨识的商品主体。
var ErrNoForeground = errors.New("no foreground detected")

// ErrUnsupportedImage 表示图片无法解码。
var ErrUnsupportedImage = errors.New("unsupported image format")

// ExtractorConfig 控制前景提取的阈值与羽化参数。
type ExtractorConfig struct {
	// DistanceThreshold 是像素与背景均值的欧氏距离阈值，超过视为前景。
	DistanceThreshold float64
	// FeatherRadius 是掩码边缘的羽化半径，0 为硬边。
	FeatherRadius int
	// MinForegroundRatio 是前景像素占比下限，低于此值判定提取失败。
	MinForegroundRatio float64
	// BorderSampleRatio 是采样背景色的边框宽度与短边的比值。
	BorderSampleRatio float64
}

func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		DistanceThreshold:  48,
		FeatherRadius:      2,
		MinForegroundRatio: 0.01,
		BorderSampleRatio:  0.04,
	}
}

// Extractor 从近似纯色背景的商品图中切出带 alpha 的前景。
type Extractor struct {
	cfg ExtractorConfig
}

func NewExtractor(cfg ExtractorConfig) *Extractor {
	if cfg.DistanceThreshold <= 0 {
		cfg.DistanceThreshold = 48
	}
	if cfg.FeatherRadius < 0 {
		cfg.FeatherRadius = 0
	}
	if cfg.MinForegroundRatio <= 0 {
		cfg.MinForegroundRatio = 0.01
	}
	if cfg.BorderSampleRatio <= 0 {
		cfg.BorderSampleRatio = 0.04
	}
	return &Extractor{cfg: cfg}
}

// DecodeImage 解码上传的商品图。
func DecodeImage(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	return img, nil
}

// ExtractForeground 返回裁到最小包围盒的 NRGBA 前景切图。
//
// 流程：边框采样估计背景色，按颜色距离生成二值掩码，开闭运算去噪，
// 检查前景占比，羽化边缘后输出带 alpha 的切图。
func (e *Extractor) ExtractForeground(src image.Image) (*image.NRGBA, error) {
	if src == nil {
		return nil, ErrUnsupportedImage
	}

	nrgba := imaging.Clone(src)
	width := nrgba.Bounds().Dx()
	height := nrgba.Bounds().Dy()
	if width < 4 || height < 4 {
		return nil, fmt.Errorf("%w: image too small", ErrUnsupportedImage)
	}

	bgR, bgG, bgB := e.sampleBorderColor(nrgba, width, height)

	mask := make([]float64, width*height)
	foreground := 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := nrgba.PixOffset(x, y)
			dr := float64(nrgba.Pix[idx]) - bgR
			dg := float64(nrgba.Pix[idx+1]) - bgG
			db := float64(nrgba.Pix[idx+2]) - bgB
			if math.Sqrt(dr*dr+dg*dg+db*db) > e.cfg.DistanceThreshold {
				mask[y*width+x] = 1
				foreground++
			}
		}
	}

	mask = erode(mask, width, height)
	mask = dilate(mask, width, height)
	mask = dilate(mask, width, height)
	mask = erode(mask, width, height)

	foreground = 0
	minX, minY := width, height
	maxX, maxY := -1, -1
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if mask[y*width+x] > 0 {
				foreground++
				if x < minX {
					minX = x
				}
				if x > maxX {
					maxX = x
				}
				if y < minY {
					minY = y
				}
				if y > maxY {
					maxY = y
				}
			}
		}
	}

	if float64(foreground)/float64(width*height) < e.cfg.MinForegroundRatio {
		return nil, ErrNoForeground
	}

	if e.cfg.FeatherRadius > 0 {
		mask = boxBlur(mask, width, height, e.cfg.FeatherRadius)
		mask = boxBlur(mask, width, height, e.cfg.FeatherRadius)
	}

	// 包围盒按羽化半径外扩，避免渐变边被裁掉
	minX = clamp(minX-e.cfg.FeatherRadius, 0, width-1)
	minY = clamp(minY-e.cfg.FeatherRadius, 0, height-1)
	maxX = clamp(maxX+e.cfg.FeatherRadius, 0, width-1)
	maxY = clamp(maxY+e.cfg.FeatherRadius, 0, height-1)

	cutW := maxX - minX + 1
	cutH := maxY - minY + 1
	cutout := image.NewNRGBA(image.Rect(0, 0, cutW, cutH))
	for y := 0; y < cutH; y++ {
		for x := 0; x < cutW; x++ {
			srcIdx := nrgba.PixOffset(minX+x, minY+y)
			dstIdx := cutout.PixOffset(x, y)
			alpha := mask[(minY+y)*width+(minX+x)]
			cutout.Pix[dstIdx] = nrgba.Pix[srcIdx]
			cutout.Pix[dstIdx+1] = nrgba.Pix[srcIdx+1]
			cutout.Pix[dstIdx+2] = nrgba.Pix[srcIdx+2]
			cutout.Pix[dstIdx+3] = uint8(math.Round(alpha * 255))
		}
	}

	return cutout, nil
}

func (e *Extractor) sampleBorderColor(img *image.NRGBA, width, height int) (float64, float64, float64) {
	short := width
	if height < short {
		short = height
	}
	band := int(math.Round(float64(short) * e.cfg.BorderSampleRatio))
	if band < 1 {
		band = 1
	}

	var sumR, sumG, sumB float64
	count := 0
	sample := func(x, y int) {
		idx := img.PixOffset(x, y)
		sumR += float64(img.Pix[idx])
		sumG += float64(img.Pix[idx+1])
		sumB += float64(img.Pix[idx+2])
		count++
	}

	for y := 0; y < height; y++ {
		inVerticalBand := y < band || y >= height-band
		for x := 0; x < width; x++ {
			if inVerticalBand || x < band || x >= width-band {
				sample(x, y)
			}
		}
	}

	if count == 0 {
		return 0, 0, 0
	}
	return sumR / float64(count), sumG / float64(count), sumB / float64(count)
}

func erode(mask []float64, width, height int) []float64 {
	out := make([]float64, len(mask))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			keep := 1.0
			for dy := -1; dy <= 1 && keep > 0; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= width || ny >= height || mask[ny*width+nx] == 0 {
						keep = 0
						break
					}
				}
			}
			out[y*width+x] = keep
		}
	}
	return out
}

func dilate(mask []float64, width, height int) []float64 {
	out := make([]float64, len(mask))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			hit := 0.0
			for dy := -1; dy <= 1 && hit == 0; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx >= 0 && ny >= 0 && nx < width && ny < height && mask[ny*width+nx] > 0 {
						hit = 1
						break
					}
				}
			}
			out[y*width+x] = hit
		}
	}
	return out
}

// boxBlur 是水平与垂直两趟的可分离盒式模糊。
func boxBlur(mask []float64, width, height, radius int) []float64 {
	if radius <= 0 {
		return mask
	}
	window := float64(2*radius + 1)

	horizontal := make([]float64, len(mask))
	for y := 0; y < height; y++ {
		row := y * width
		sum := 0.0
		for x := -radius; x <= radius; x++ {
			sum += maskAt(mask, row, x, width)
		}
		for x := 0; x < width; x++ {
			horizontal[row+x] = sum / window
			sum -= maskAt(mask, row, x-radius, width)
			sum += maskAt(mask, row, x+radius+1, width)
		}
	}

	out := make([]float64, len(mask))
	for x := 0; x < width; x++ {
		sum := 0.0
		for y := -radius; y <= radius; y++ {
			sum += maskAtCol(horizontal, x, y, width, height)
		}
		for y := 0; y < height; y++ {
			out[y*width+x] = sum / window
			sum -= maskAtCol(horizontal, x, y-radius, width, height)
			sum += maskAtCol(horizontal, x, y+radius+1, width, height)
		}
	}
	return out
}

func maskAt(mask []float64, row, x, width int) float64 {
	if x < 0 || x >= width {
		return 0
	}
	return mask[row+x]
}

func maskAtCol(mask []float64, x, y, width, height int) float64 {
	if y < 0 || y >= height {
		return 0
	}
	return mask[y*width+x]
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
