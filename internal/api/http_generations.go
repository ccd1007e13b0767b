package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"popgraph/internal/entity"
	"popgraph/internal/imaging"
	"popgraph/internal/pipeline"
	"popgraph/internal/storage"
	"popgraph/internal/template"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SubmitPoster 受理纯海报生成请求，返回 202 与 request_id。
func (h *HTTPHandler) SubmitPoster(c *gin.Context) {
	requestUser := CurrentUser(c)
	if requestUser == nil {
		Unauthorized(c, "authentication required")
		return
	}
	if h.orchestrator == nil {
		ServiceUnavailable(c, "generation pipeline not available")
		return
	}

	var req entity.PosterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidPayload(c)
		return
	}

	resp, err := h.orchestrator.SubmitPoster(c.Request.Context(), requestUser.Account(), &req)
	if err != nil {
		h.respondSubmitError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

// SubmitSceneFusion 受理商品融合请求。
func (h *HTTPHandler) SubmitSceneFusion(c *gin.Context) {
	requestUser := CurrentUser(c)
	if requestUser == nil {
		Unauthorized(c, "authentication required")
		return
	}
	if h.orchestrator == nil {
		ServiceUnavailable(c, "generation pipeline not available")
		return
	}

	var req entity.SceneFusionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidPayload(c)
		return
	}

	resp, err := h.orchestrator.SubmitSceneFusion(c.Request.Context(), requestUser.Account(), &req)
	if err != nil {
		h.respondSubmitError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

func (h *HTTPHandler) respondSubmitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pipeline.ErrQuotaExceeded):
		TooManyRequests(c, err.Error())
	case errors.Is(err, template.ErrUnknownTemplate):
		BadRequest(c, ErrCodeTemplateNotFound, err.Error())
	default:
		BadRequest(c, ErrCodeInvalidRequest, err.Error())
	}
}

// ListCapabilities 返回可用模板与画幅，供客户端构建提交表单。
func (h *HTTPHandler) ListCapabilities(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"templates":     template.IDs(),
		"aspect_ratios": imaging.SupportedRatioNames(),
		"max_variants":  h.cfg.PipelineMaxVariants,
	})
}

// GetGeneration 查询单次生成：先查在途请求，再回落到历史记录。
func (h *HTTPHandler) GetGeneration(c *gin.Context) {
	if h.orchestrator == nil {
		ServiceUnavailable(c, "generation pipeline not available")
		return
	}

	requestID := strings.TrimSpace(c.Param("id"))
	if requestID == "" {
		BadRequest(c, ErrCodeInvalidRequest, "invalid request id")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	result, err := h.orchestrator.GetResult(ctx, requestID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			NotFound(c, ErrCodeRecordNotFound, "generation not found")
			return
		}
		logrus.WithError(err).WithField("request_id", requestID).Error("failed to load generation")
		NotFound(c, ErrCodeRecordNotFound, "generation not found")
		return
	}

	c.JSON(http.StatusOK, h.makeResultView(result))
}

// ListGenerations 分页列出调用方的历史记录，管理员可以查看全部。
func (h *HTTPHandler) ListGenerations(c *gin.Context) {
	if h.repo == nil {
		c.JSON(http.StatusOK, entity.GenerationListResponse{Records: []entity.GenerationRecordItem{}, Meta: &entity.Meta{Page: 1, PageSize: 0, Total: 0}})
		return
	}

	requestUser := CurrentUser(c)
	if requestUser == nil {
		Unauthorized(c, "authentication required")
		return
	}

	var params entity.GenerationQuery
	if err := c.ShouldBindQuery(&params); err != nil {
		BadRequest(c, ErrCodeInvalidRequest, "invalid query parameters")
		return
	}

	if params.Page <= 0 {
		params.Page = 1
	}
	if params.PageSize <= 0 {
		params.PageSize = 20
	}
	if params.PageSize > 100 {
		params.PageSize = 100
	}

	if requestUser.IsAdmin() {
		if userFilter := strings.TrimSpace(c.Query("user_id")); userFilter != "" {
			if parsed, err := strconv.ParseUint(userFilter, 10, 64); err == nil && parsed > 0 {
				params.UserID = uint(parsed)
			}
		}
	} else {
		params.UserID = requestUser.ID
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	records, meta, err := h.repo.ListGenerationRecords(ctx, &params)
	if err != nil {
		logrus.WithError(err).Error("failed to list generation records")
		InternalError(c, "failed to load generation records")
		return
	}

	items := make([]entity.GenerationRecordItem, 0, len(records))
	for idx := range records {
		items = append(items, h.makeGenerationRecordItem(&records[idx]))
	}

	if meta == nil {
		meta = &entity.Meta{Page: params.Page, PageSize: params.PageSize, Total: int64(len(items))}
	}

	c.JSON(http.StatusOK, entity.GenerationListResponse{Records: items, Meta: meta})
}

// DeleteGeneration 删除一条历史记录，普通用户仅能删除自己的。
func (h *HTTPHandler) DeleteGeneration(c *gin.Context) {
	if h.repo == nil {
		ServiceUnavailable(c, "generation repository not available")
		return
	}

	requestUser := CurrentUser(c)
	if requestUser == nil {
		Unauthorized(c, "authentication required")
		return
	}

	requestID := strings.TrimSpace(c.Param("id"))
	if requestID == "" {
		BadRequest(c, ErrCodeInvalidRequest, "invalid request id")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	record, err := h.repo.GetGenerationRecordByRequestID(ctx, requestID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			NotFound(c, ErrCodeRecordNotFound, "generation not found")
			return
		}
		logrus.WithError(err).WithField("request_id", requestID).Error("failed to load generation for deletion")
		InternalError(c, "failed to delete generation")
		return
	}

	if !requestUser.IsAdmin() && record.UserID != requestUser.ID {
		Forbidden(c, "access denied")
		return
	}

	if err := h.repo.DeleteGenerationRecord(ctx, record.UserID, requestID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			NotFound(c, ErrCodeRecordNotFound, "generation not found")
			return
		}
		logrus.WithError(err).WithField("request_id", requestID).Error("failed to delete generation record")
		InternalError(c, "failed to delete generation")
		return
	}

	h.deleteRecordAssets(ctx, record)

	c.Status(http.StatusNoContent)
}

// deleteRecordAssets 清理已落盘的资产，失败只告警不影响删除结果。
func (h *HTTPHandler) deleteRecordAssets(ctx context.Context, record *entity.DbGenerationRecord) {
	if h.storage == nil || record == nil {
		return
	}
	for _, asset := range record.Assets {
		if asset.Mode == storage.TypeInline {
			continue
		}
		if err := h.storage.Delete(ctx, asset.Ref); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"request_id": record.RequestID,
				"ref":        asset.Ref,
			}).Warn("failed to delete generation asset")
		}
	}
}

func (h *HTTPHandler) makeAssetItems(assets []entity.AssetRecord) []entity.AssetItem {
	if len(assets) == 0 {
		return []entity.AssetItem{}
	}
	items := make([]entity.AssetItem, 0, len(assets))
	for _, asset := range assets {
		items = append(items, entity.AssetItem{
			AssetRecord: asset,
			URL:         h.assetURL(asset),
		})
	}
	return items
}

func (h *HTTPHandler) makeResultView(result *entity.GenerationResult) entity.GenerationStatusResponse {
	if result == nil {
		return entity.GenerationStatusResponse{}
	}
	view := entity.GenerationStatusResponse{
		RequestID:    result.RequestID,
		Status:       result.Status,
		ErrorKind:    result.ErrorKind,
		ErrorMessage: result.ErrorMessage,
	}
	if len(result.Assets) > 0 {
		view.Assets = h.makeAssetItems(result.Assets)
	}
	return view
}

func (h *HTTPHandler) makeGenerationRecordItem(record *entity.DbGenerationRecord) entity.GenerationRecordItem {
	return entity.GenerationRecordItem{
		ID:               record.ID,
		RequestID:        record.RequestID,
		UserID:           record.UserID,
		Mode:             record.Mode,
		SceneDescription: record.SceneDescription,
		MarketingText:    record.MarketingText,
		TemplateID:       record.TemplateID,
		AspectRatios:     record.AspectRatios.ToSlice(),
		Seed:             record.Seed,
		Status:           record.Status,
		ErrorKind:        record.ErrorKind,
		ErrorMessage:     record.ErrorMessage,
		Assets:           h.makeAssetItems([]entity.AssetRecord(record.Assets)),
		SubmittedAt:      record.SubmittedAt,
		FinishedAt:       record.FinishedAt,
	}
}
