package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// InlineStorage 不做任何持久化，直接把字节编码为 data URL 返回给调用方。
// 适合零配置部署，代价是响应体积随图片大小增长。
type InlineStorage struct{}

func NewInlineStorage() *InlineStorage {
	return &InlineStorage{}
}

func (s *InlineStorage) Mode() string {
	return TypeInline
}

func (s *InlineStorage) Save(ctx context.Context, data []byte, opts SaveOptions) (StoredAsset, error) {
	if len(data) == 0 {
		return StoredAsset{}, errors.New("empty payload")
	}
	select {
	case <-ctx.Done():
		return StoredAsset{}, ctx.Err()
	default:
	}

	contentType := resolveContentType(opts)
	ref := fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(data))

	return StoredAsset{
		Ref:         ref,
		Mode:        TypeInline,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
	}, nil
}

// Load decodes the data URL ref back into raw bytes.
func (s *InlineStorage) Load(ctx context.Context, ref string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if !strings.HasPrefix(ref, "data:") {
		return nil, fmt.Errorf("invalid inline ref")
	}
	idx := strings.Index(ref, ";base64,")
	if idx < 0 {
		return nil, fmt.Errorf("invalid inline ref")
	}
	data, err := base64.StdEncoding.DecodeString(ref[idx+len(";base64,"):])
	if err != nil {
		return nil, fmt.Errorf("decode inline ref: %w", err)
	}
	return data, nil
}

// Delete 无持久化，无需操作。
func (s *InlineStorage) Delete(ctx context.Context, ref string) error {
	if !strings.HasPrefix(ref, "data:") {
		return fmt.Errorf("invalid inline ref")
	}
	return nil
}

var _ Storage = (*InlineStorage)(nil)
