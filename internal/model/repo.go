package model

import (
	"context"
	"time"

	"popgraph/internal/entity"
)

// Repository 定义数据库操作接口
type Repository interface {
	// 用户管理
	CreateUser(ctx context.Context, user *entity.DbUser) error
	UpdateUser(ctx context.Context, id uint, updates map[string]interface{}) error
	GetUserByEmail(ctx context.Context, email string) (*entity.DbUser, error)
	GetUserByID(ctx context.Context, id uint) (*entity.DbUser, error)
	ListUsers(ctx context.Context, params *entity.UserQuery) ([]entity.DbUser, *entity.Meta, error)
	DeleteUser(ctx context.Context, id uint) error
	CountUsers(ctx context.Context) (int64, error)

	// 生成记录。AppendGenerationRecord 对 request_id 幂等，
	// 已存在时不写入并返回 false。
	AppendGenerationRecord(ctx context.Context, record *entity.DbGenerationRecord) (bool, error)
	GetGenerationRecordByRequestID(ctx context.Context, requestID string) (*entity.DbGenerationRecord, error)
	ListGenerationRecords(ctx context.Context, params *entity.GenerationQuery) ([]entity.DbGenerationRecord, *entity.Meta, error)
	DeleteGenerationRecord(ctx context.Context, userID uint, requestID string) error
	CountGenerationsSince(ctx context.Context, userID uint, since time.Time) (int64, error)
}
