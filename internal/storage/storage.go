package storage

import (
	"context"
	"fmt"
	"strings"

	"popgraph/internal/config"

	"github.com/sirupsen/logrus"
)

const (
	// TypeLocal 表示本地文件系统存储。
	TypeLocal = "local"
	// TypeS3 表示 Amazon S3 或兼容的存储后端。
	TypeS3 = "s3"
	// TypeOSS 表示阿里云 OSS 存储。
	TypeOSS = "oss"
	// TypeCOS 表示腾讯云 COS 存储。
	TypeCOS = "cos"
	// TypeR2 表示 Cloudflare R2 存储。
	TypeR2 = "r2"
	// TypeInline 表示不落盘，以 base64 数据 URL 内联返回。
	TypeInline = "inline"
)

// SaveOptions 控制存储后端如何持久化文件。
//
// Category 用于在对象键上组织文件，Extension 提示首选的文件扩展名（不含前导点）。
// BaseName 非空时作为文件名主体，配合 SkipIfExists 可实现幂等写入。
type SaveOptions struct {
	Category     string
	Extension    string
	BaseName     string
	ContentType  string
	SkipIfExists bool
}

// StoredAsset 描述一次成功保存后的资产引用。
//
// Ref 的含义取决于 Mode：对象键、相对路径或完整的 data URL。
type StoredAsset struct {
	Ref         string `json:"ref"`
	Mode        string `json:"mode"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

// Storage 是持久化二进制数据并按引用读回的抽象。调用方不感知具体后端。
// Delete 对不存在的引用不报错。
type Storage interface {
	Save(ctx context.Context, data []byte, opts SaveOptions) (StoredAsset, error)
	Load(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
	Mode() string
}

// LocalBaseDirProvider 由暴露可通过 HTTP 直接提供服务的本地目录的存储驱动实现。
type LocalBaseDirProvider interface {
	LocalBaseDir() string
}

// NewStorage 根据配置实例化存储后端。
//
// STORAGE_TYPE 显式指定时直接使用；为空时按 s3、r2、oss、cos、local 的顺序
// 探测已配置的凭证，全部缺失则回退为 inline。
func NewStorage(cfg config.Config) (Storage, error) {
	typeName := strings.ToLower(strings.TrimSpace(cfg.StorageType))
	switch typeName {
	case "":
		return detectStorage(cfg)
	case TypeLocal:
		return NewLocalStorage(cfg.StorageLocalDir)
	case TypeS3:
		return NewS3Storage(cfg)
	case TypeOSS:
		return NewOSSStorage(cfg)
	case TypeCOS:
		return NewCOSStorage(cfg)
	case TypeR2:
		return NewR2Storage(cfg)
	case TypeInline:
		return NewInlineStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.StorageType)
	}
}

func detectStorage(cfg config.Config) (Storage, error) {
	switch {
	case strings.TrimSpace(cfg.StorageS3Bucket) != "":
		logrus.Info("storage: auto-detected s3 backend")
		return NewS3Storage(cfg)
	case strings.TrimSpace(cfg.StorageR2Bucket) != "":
		logrus.Info("storage: auto-detected r2 backend")
		return NewR2Storage(cfg)
	case strings.TrimSpace(cfg.StorageOSSBucket) != "":
		logrus.Info("storage: auto-detected oss backend")
		return NewOSSStorage(cfg)
	case strings.TrimSpace(cfg.StorageCOSBucketURL) != "":
		logrus.Info("storage: auto-detected cos backend")
		return NewCOSStorage(cfg)
	case strings.TrimSpace(cfg.StorageLocalDir) != "":
		logrus.Info("storage: auto-detected local backend")
		return NewLocalStorage(cfg.StorageLocalDir)
	default:
		logrus.Info("storage: no backend configured, falling back to inline")
		return NewInlineStorage(), nil
	}
}
