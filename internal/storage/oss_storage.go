package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"popgraph/internal/config"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
)

type ossStorage struct {
	bucket *oss.Bucket
	prefix string
}

func NewOSSStorage(cfg config.Config) (Storage, error) {
	endpoint := strings.TrimSpace(cfg.StorageOSSEndpoint)
	if endpoint == "" {
		return nil, errors.New("storage: missing OSS endpoint")
	}
	bucketName := strings.TrimSpace(cfg.StorageOSSBucket)
	if bucketName == "" {
		return nil, errors.New("storage: missing OSS bucket")
	}
	accessKey := strings.TrimSpace(cfg.StorageOSSAccessKeyID)
	secretKey := strings.TrimSpace(cfg.StorageOSSAccessKeySecret)
	if accessKey == "" || secretKey == "" {
		return nil, errors.New("storage: missing OSS credentials")
	}

	client, err := oss.New(endpoint, accessKey, secretKey)
	if err != nil {
		return nil, fmt.Errorf("storage: create OSS client: %w", err)
	}
	bucket, err := client.Bucket(bucketName)
	if err != nil {
		return nil, fmt.Errorf("storage: open OSS bucket: %w", err)
	}

	return &ossStorage{
		bucket: bucket,
		prefix: trimPrefix(cfg.StorageOSSPrefix),
	}, nil
}

func (s *ossStorage) Mode() string {
	return TypeOSS
}

func (s *ossStorage) Save(ctx context.Context, data []byte, opts SaveOptions) (StoredAsset, error) {
	if len(data) == 0 {
		return StoredAsset{}, errors.New("empty payload")
	}
	select {
	case <-ctx.Done():
		return StoredAsset{}, ctx.Err()
	default:
	}

	key := buildObjectPath(opts.Category, opts.BaseName, opts.Extension)
	if s.prefix != "" {
		key = joinPrefix(s.prefix, key)
	}

	asset := StoredAsset{
		Ref:         key,
		Mode:        TypeOSS,
		ContentType: resolveContentType(opts),
		SizeBytes:   int64(len(data)),
	}

	if opts.SkipIfExists {
		exists, err := s.bucket.IsObjectExist(key)
		if err != nil {
			return StoredAsset{}, fmt.Errorf("check object: %w", err)
		}
		if exists {
			return asset, nil
		}
	}

	options := []oss.Option{oss.WithContext(ctx)}
	if asset.ContentType != "" {
		options = append(options, oss.ContentType(asset.ContentType))
	}

	if err := s.bucket.PutObject(key, bytes.NewReader(data), options...); err != nil {
		return StoredAsset{}, fmt.Errorf("put object: %w", err)
	}

	return asset, nil
}

func (s *ossStorage) Load(ctx context.Context, ref string) ([]byte, error) {
	body, err := s.bucket.GetObject(strings.TrimLeft(ref, "/"), oss.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read object body: %w", err)
	}
	return data, nil
}

func (s *ossStorage) Delete(ctx context.Context, ref string) error {
	if err := s.bucket.DeleteObject(strings.TrimLeft(ref, "/"), oss.WithContext(ctx)); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

var _ Storage = (*ossStorage)(nil)
