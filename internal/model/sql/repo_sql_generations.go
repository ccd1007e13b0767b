package sql

import (
	"context"
	"fmt"
	"strings"
	"time"

	"popgraph/internal/entity"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AppendGenerationRecord inserts a terminal-state record. The insert is
// idempotent on request_id: a record that already exists is left untouched
// and the method reports false.
func (r *GormRepository) AppendGenerationRecord(ctx context.Context, record *entity.DbGenerationRecord) (bool, error) {
	if r == nil || r.db == nil {
		return false, fmt.Errorf("repository not initialised")
	}
	if record == nil {
		return false, fmt.Errorf("record is nil")
	}
	if strings.TrimSpace(record.RequestID) == "" {
		return false, fmt.Errorf("record request id is empty")
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "request_id"}},
			DoNothing: true,
		}).
		Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// GetGenerationRecordByRequestID loads a single record by its request id.
func (r *GormRepository) GetGenerationRecordByRequestID(ctx context.Context, requestID string) (*entity.DbGenerationRecord, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	trimmed := strings.TrimSpace(requestID)
	if trimmed == "" {
		return nil, fmt.Errorf("request id is empty")
	}

	var record entity.DbGenerationRecord
	if err := r.db.WithContext(ctx).Where("request_id = ?", trimmed).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// ListGenerationRecords retrieves paginated records, newest first.
func (r *GormRepository) ListGenerationRecords(ctx context.Context, params *entity.GenerationQuery) ([]entity.DbGenerationRecord, *entity.Meta, error) {
	if r == nil || r.db == nil {
		return nil, nil, fmt.Errorf("repository not initialised")
	}

	query := r.db.WithContext(ctx).Model(&entity.DbGenerationRecord{})
	if params != nil {
		if params.UserID > 0 {
			query = query.Where("user_id = ?", params.UserID)
		}
		if trimmed := strings.TrimSpace(params.Mode); trimmed != "" {
			query = query.Where("mode = ?", trimmed)
		}
		if trimmed := strings.TrimSpace(params.Status); trimmed != "" {
			query = query.Where("status = ?", trimmed)
		}
	}

	var totalCount int64
	if err := query.Count(&totalCount).Error; err != nil {
		return nil, nil, err
	}

	page := 1
	pageSize := 20
	if params != nil {
		if params.Page > 0 {
			page = int(params.Page)
		}
		if params.PageSize > 0 {
			pageSize = int(params.PageSize)
		}
	}

	offset := (page - 1) * pageSize
	if offset < 0 {
		offset = 0
	}

	var records []entity.DbGenerationRecord
	if err := query.Order("finished_at DESC, id DESC").Offset(offset).Limit(pageSize).Find(&records).Error; err != nil {
		return nil, nil, err
	}

	meta := r.calculatePagination(totalCount, page, pageSize)
	return records, meta, nil
}

// DeleteGenerationRecord removes a record owned by the given user.
func (r *GormRepository) DeleteGenerationRecord(ctx context.Context, userID uint, requestID string) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	trimmed := strings.TrimSpace(requestID)
	if trimmed == "" {
		return fmt.Errorf("request id is empty")
	}

	query := r.db.WithContext(ctx).Where("request_id = ?", trimmed)
	if userID > 0 {
		query = query.Where("user_id = ?", userID)
	}
	result := query.Delete(&entity.DbGenerationRecord{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CountGenerationsSince counts a user's records finished at or after the
// given instant. Used for quota decisions.
func (r *GormRepository) CountGenerationsSince(ctx context.Context, userID uint, since time.Time) (int64, error) {
	if r == nil || r.db == nil {
		return 0, fmt.Errorf("repository not initialised")
	}
	if userID == 0 {
		return 0, fmt.Errorf("invalid user id")
	}

	var count int64
	err := r.db.WithContext(ctx).
		Model(&entity.DbGenerationRecord{}).
		Where("user_id = ? AND finished_at >= ?", userID, since).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
