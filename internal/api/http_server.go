package api

import (
	"strings"
	"sync"
	"time"

	"popgraph/internal/auth"
	"popgraph/internal/config"
	"popgraph/internal/entity"
	"popgraph/internal/model"
	"popgraph/internal/pipeline"
	"popgraph/internal/storage"
)

// HTTPHandler HTTP 请求处理器
type HTTPHandler struct {
	cfg               config.Config
	repo              model.Repository
	storage           storage.Storage
	storagePublicBase string
	authManager       *auth.Manager

	// 生成编排器
	orchestrator *pipeline.Orchestrator

	// SSE 客户端管理
	sseClients map[string][]chan sseMessage
	sseMu      sync.Mutex
}

// NewHTTPHandler 创建 HTTP 处理器实例
func NewHTTPHandler(cfg config.Config, repo model.Repository, store storage.Storage, orchestrator *pipeline.Orchestrator) (*HTTPHandler, error) {
	expiry := time.Duration(cfg.JWTExpirationMinutes) * time.Minute
	authManager, err := auth.NewManager(cfg.JWTSecret, cfg.JWTIssuer, expiry)
	if err != nil {
		return nil, err
	}

	handler := &HTTPHandler{
		cfg:               cfg,
		repo:              repo,
		storage:           store,
		storagePublicBase: normalisePublicBase(cfg.StoragePublicBaseURL),
		authManager:       authManager,
		orchestrator:      orchestrator,
		sseClients:        make(map[string][]chan sseMessage),
	}

	// 终态结果通过 SSE 推送给提交方
	if orchestrator != nil {
		orchestrator.SetNotifyFunc(handler.notifyGenerationComplete)
	}

	return handler, nil
}

// normalisePublicBase 规范化公共 URL 基础路径
func normalisePublicBase(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		trimmed = "/api/assets"
	}
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return strings.TrimRight(trimmed, "/")
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	return strings.TrimRight(trimmed, "/")
}

// notifyGenerationComplete 生成到达终态后推送结果（用于 SSE）
func (h *HTTPHandler) notifyGenerationComplete(clientID string, result entity.GenerationResult) {
	if strings.TrimSpace(clientID) == "" {
		return
	}
	h.publishSSEMessage(clientID, sseMessage{
		event: "generation_completed",
		data:  h.makeResultView(&result),
	})
}
