package genai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"popgraph/internal/config"
	"popgraph/internal/entity"
)

// Params 描述一次背景图生成请求。
type Params struct {
	Prompt string
	Width  int
	Height int
	Seed   int64
}

// Image is the downloaded output of a successful generation.
type Image struct {
	Data        []byte
	ContentType string
}

// Generator 是图像生成模型的抽象。实现负责提交、轮询与下载。
type Generator interface {
	Generate(ctx context.Context, params Params) (*Image, error)
}

// Error carries a persisted failure classification alongside the cause.
type Error struct {
	Kind    entity.ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError constructs a classified generation error.
func NewError(kind entity.ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// KindOf extracts the classification from err, defaulting to transport_error
// for unclassified generation failures.
func KindOf(err error) entity.ErrorKind {
	var genErr *Error
	if errors.As(err, &genErr) {
		return genErr.Kind
	}
	return entity.ErrKindTransport
}

// NewGenerator 根据配置选择模型后端。
func NewGenerator(cfg config.Config) (Generator, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.ModelProvider))
	switch provider {
	case "", "zimage":
		return NewZImageGenerator(cfg)
	case "volcengine":
		return NewVolcengineGenerator(cfg)
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.ModelProvider)
	}
}
