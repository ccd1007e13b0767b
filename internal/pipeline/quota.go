package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"popgraph/internal/entity"
	"popgraph/internal/model"
)

// ErrQuotaExceeded 表示当前用户的生成配额已用尽。
var ErrQuotaExceeded = errors.New("generation quota exceeded")

// QuotaAuthorizer 在请求受理前做通过/拒绝判定。
type QuotaAuthorizer interface {
	Authorize(ctx context.Context, user *entity.DbUser) error
}

// TierQuota 按用户档位放行：免费档受每日次数限制，pro 与管理员不限。
type TierQuota struct {
	repo          model.Repository
	freeDailyRuns int
}

func NewTierQuota(repo model.Repository, freeDailyRuns int) *TierQuota {
	if freeDailyRuns <= 0 {
		freeDailyRuns = 20
	}
	return &TierQuota{repo: repo, freeDailyRuns: freeDailyRuns}
}

func (q *TierQuota) Authorize(ctx context.Context, user *entity.DbUser) error {
	if user == nil {
		return errors.New("user is nil")
	}
	if user.Role == entity.UserRoleAdmin || user.Tier == entity.TierPro {
		return nil
	}
	if q.repo == nil {
		return nil
	}

	since := time.Now().UTC().Truncate(24 * time.Hour)
	count, err := q.repo.CountGenerationsSince(ctx, user.ID, since)
	if err != nil {
		return fmt.Errorf("count generations: %w", err)
	}
	if count >= int64(q.freeDailyRuns) {
		return fmt.Errorf("%w: %d runs today", ErrQuotaExceeded, count)
	}
	return nil
}

var _ QuotaAuthorizer = (*TierQuota)(nil)
