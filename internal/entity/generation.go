package entity

import "time"

// 生成模式
const (
	ModePoster      = "poster"
	ModeSceneFusion = "scene_fusion"
)

// 终态状态（仅终态会写入历史记录）
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrorKind 标识一次生成失败的归类，随历史记录持久化。
type ErrorKind string

const (
	ErrKindValidation       ErrorKind = "validation_error"
	ErrKindQuotaExceeded    ErrorKind = "quota_exceeded"
	ErrKindModelRejected    ErrorKind = "model_rejected"
	ErrKindModelTimeout     ErrorKind = "model_timeout"
	ErrKindTransport        ErrorKind = "transport_error"
	ErrKindNoForeground     ErrorKind = "no_foreground_detected"
	ErrKindUnsupportedImage ErrorKind = "unsupported_image_format"
	ErrKindStorage          ErrorKind = "storage_failure"
	ErrKindUnknownTemplate  ErrorKind = "unknown_template"
	ErrKindInternal         ErrorKind = "internal_fault"
)

// AssetRecord describes one stored output image of a completed run.
type AssetRecord struct {
	Ref         string `json:"ref"`
	Mode        string `json:"mode"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	AspectRatio string `json:"aspect_ratio"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

// DbGenerationRecord 是一次生成请求的历史记录，终态后恰好写入一次。
type DbGenerationRecord struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	RequestID string `gorm:"column:request_id;type:varchar(64);uniqueIndex;not null" json:"request_id"`

	UserID uint   `gorm:"column:user_id;index" json:"user_id"`
	User   *DbUser `gorm:"foreignKey:UserID" json:"-"`

	Mode             string `gorm:"column:mode;type:varchar(32);index" json:"mode"`
	SceneDescription string `gorm:"column:scene_description;type:text" json:"scene_description"`
	MarketingText    string `gorm:"column:marketing_text;type:text" json:"marketing_text"`
	TemplateID       string `gorm:"column:template_id;type:varchar(64)" json:"template_id"`

	AspectRatios StringArray `gorm:"column:aspect_ratios;type:json" json:"aspect_ratios"`
	Seed         int64       `gorm:"column:seed" json:"seed"`

	Status       string    `gorm:"column:status;type:varchar(20);index" json:"status"`
	ErrorKind    ErrorKind `gorm:"column:error_kind;type:varchar(40)" json:"error_kind,omitempty"`
	ErrorMessage string    `gorm:"column:error_message;type:text" json:"error_message,omitempty"`

	Assets AssetList `gorm:"column:assets;type:json" json:"assets"`

	SubmittedAt time.Time `gorm:"column:submitted_at" json:"submitted_at"`
	FinishedAt  time.Time `gorm:"column:finished_at" json:"finished_at"`
}

// TableName 指定表名
func (DbGenerationRecord) TableName() string {
	return "generation_records"
}

// GenerationQuery supports listing generation records with pagination.
type GenerationQuery struct {
	BaseParams
	UserID uint   `json:"-"`
	Mode   string `json:"mode" form:"mode" query:"mode"`
	Status string `json:"status" form:"status" query:"status"`
}

// PosterRequest is the submission payload for pure poster generation.
type PosterRequest struct {
	ClientID         string   `json:"client_id,omitempty"`
	SceneDescription string   `json:"scene_description" binding:"required"`
	MarketingText    string   `json:"marketing_text,omitempty"`
	TemplateID       string   `json:"template_id,omitempty"`
	AspectRatios     []string `json:"aspect_ratios,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
	VariantCount     int      `json:"variant_count,omitempty"`
}

// SceneFusionRequest is the submission payload for product scene fusion.
// ProductImage carries the uploaded photo as base64 or a data URL.
type SceneFusionRequest struct {
	ClientID         string   `json:"client_id,omitempty"`
	ProductImage     string   `json:"product_image" binding:"required"`
	SceneDescription string   `json:"scene_description" binding:"required"`
	MarketingText    string   `json:"marketing_text,omitempty"`
	TemplateID       string   `json:"template_id,omitempty"`
	AspectRatios     []string `json:"aspect_ratios,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
}

// SubmitResponse acknowledges an accepted generation request.
type SubmitResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// GenerationResult is the externally visible outcome of a run.
type GenerationResult struct {
	RequestID    string        `json:"request_id"`
	Status       string        `json:"status"`
	Assets       []AssetRecord `json:"assets,omitempty"`
	ErrorKind    ErrorKind     `json:"error_kind,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// AssetItem 是带公共访问 URL 的资产视图。
type AssetItem struct {
	AssetRecord
	URL string `json:"url"`
}

// GenerationStatusResponse 是查询单次生成的对外视图。
type GenerationStatusResponse struct {
	RequestID    string      `json:"request_id"`
	Status       string      `json:"status"`
	Assets       []AssetItem `json:"assets,omitempty"`
	ErrorKind    ErrorKind   `json:"error_kind,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// GenerationRecordItem 是历史记录列表项。
type GenerationRecordItem struct {
	ID               uint        `json:"id"`
	RequestID        string      `json:"request_id"`
	UserID           uint        `json:"user_id"`
	Mode             string      `json:"mode"`
	SceneDescription string      `json:"scene_description"`
	MarketingText    string      `json:"marketing_text,omitempty"`
	TemplateID       string      `json:"template_id"`
	AspectRatios     []string    `json:"aspect_ratios"`
	Seed             int64       `json:"seed"`
	Status           string      `json:"status"`
	ErrorKind        ErrorKind   `json:"error_kind,omitempty"`
	ErrorMessage     string      `json:"error_message,omitempty"`
	Assets           []AssetItem `json:"assets"`
	SubmittedAt      time.Time   `json:"submitted_at"`
	FinishedAt       time.Time   `json:"finished_at"`
}

// GenerationListResponse wraps a page of history records.
type GenerationListResponse struct {
	Records []GenerationRecordItem `json:"records"`
	Meta    *Meta                  `json:"meta"`
}
