package template

import (
	"errors"
	"fmt"
	"image/color"
	"sort"
	"strings"

	"popgraph/internal/imaging"
)

// ErrUnknownTemplate 表示请求了不存在的模板 id，不做静默回退。
var ErrUnknownTemplate = errors.New("unknown template")

// DefaultTemplateID 在请求未指定模板时使用。
const DefaultTemplateID = "studio-shot"

// Template 是一套版式定义：提示词骨架、商品摆放与文案色带。
type Template struct {
	ID          string
	Version     int
	Name        string
	PromptStyle string
	Placement   imaging.Placement
	Overlay     *imaging.Overlay
}

// Resolved 是模板与用户输入合成后的生成指令。
type Resolved struct {
	TemplateID string
	Version    int
	Prompt     string
	Placement  imaging.Placement
	Overlay    *imaging.Overlay
}

// 模板在代码中静态注册并带版本号。调整版式时递增版本，
// 历史记录中保存的 template_id 语义保持稳定。
var registry = map[string]Template{
	"studio-shot": {
		ID:          "studio-shot",
		Version:     2,
		Name:        "棚拍简约",
		PromptStyle: "professional studio product photography backdrop, soft diffused lighting, clean surface, subtle shadow, high detail",
		Placement:   imaging.Placement{AnchorX: 0.5, AnchorY: 0.72, Scale: 0.55},
	},
	"promo-card": {
		ID:          "promo-card",
		Version:     1,
		Name:        "促销卡片",
		PromptStyle: "vibrant e-commerce promotion background, bold color blocking, dynamic composition, marketing banner style",
		Placement:   imaging.Placement{AnchorX: 0.5, AnchorY: 0.62, Scale: 0.6},
		Overlay: &imaging.Overlay{
			Color:       color.NRGBA{R: 16, G: 16, B: 24, A: 255},
			HeightRatio: 0.18,
			Opacity:     0.65,
		},
	},
	"festival-red": {
		ID:          "festival-red",
		Version:     1,
		Name:        "节庆红",
		PromptStyle: "festive red and gold celebration background, lanterns and ribbons, warm glow, luxurious atmosphere",
		Placement:   imaging.Placement{AnchorX: 0.5, AnchorY: 0.68, Scale: 0.5},
		Overlay: &imaging.Overlay{
			Color:       color.NRGBA{R: 140, G: 20, B: 24, A: 255},
			HeightRatio: 0.15,
			Opacity:     0.7,
		},
	},
	"minimal-light": {
		ID:          "minimal-light",
		Version:     1,
		Name:        "轻简白",
		PromptStyle: "minimalist light background, pastel tones, negative space, airy and clean aesthetic",
		Placement:   imaging.Placement{AnchorX: 0.5, AnchorY: 0.75, Scale: 0.45},
	},
}

// Resolve 把模板与场景描述、营销文案合成为最终提示词。
// 空 id 使用默认模板，未知 id 直接报错。
func Resolve(id, sceneDescription, marketingText string) (Resolved, error) {
	trimmedID := strings.TrimSpace(id)
	if trimmedID == "" {
		trimmedID = DefaultTemplateID
	}

	tpl, ok := registry[trimmedID]
	if !ok {
		return Resolved{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, id)
	}

	parts := make([]string, 0, 3)
	if scene := strings.TrimSpace(sceneDescription); scene != "" {
		parts = append(parts, scene)
	}
	parts = append(parts, tpl.PromptStyle)
	if text := strings.TrimSpace(marketingText); text != "" {
		parts = append(parts, "leave clear space for the text: "+text)
	}

	return Resolved{
		TemplateID: tpl.ID,
		Version:    tpl.Version,
		Prompt:     strings.Join(parts, ", "),
		Placement:  tpl.Placement,
		Overlay:    tpl.Overlay,
	}, nil
}

// IDs returns the registered template ids in stable order.
func IDs() []string {
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
