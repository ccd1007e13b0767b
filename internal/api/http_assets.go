package api

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"popgraph/internal/entity"
	"popgraph/internal/storage"
	"popgraph/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ServeAsset 通过存储后端回源资产字节。
func (h *HTTPHandler) ServeAsset(c *gin.Context) {
	if h.storage == nil {
		ServiceUnavailable(c, "storage not available")
		return
	}

	ref := strings.TrimPrefix(strings.TrimSpace(c.Param("ref")), "/")
	if ref == "" {
		BadRequest(c, ErrCodeInvalidRequest, "asset reference is required")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	data, err := h.storage.Load(ctx, ref)
	if err != nil {
		logrus.WithError(err).WithField("ref", ref).Warn("failed to load asset")
		NotFound(c, ErrCodeAssetNotFound, "asset not found")
		return
	}

	contentType := utils.MimeFromExtension(strings.TrimPrefix(path.Ext(ref), "."))
	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, contentType, data)
}

// assetURL 将资产引用转换为客户端可访问的 URL。
// 内联资产的引用本身就是 data URL，原样返回。
func (h *HTTPHandler) assetURL(asset entity.AssetRecord) string {
	if asset.Mode == storage.TypeInline {
		return asset.Ref
	}
	return h.publicURL(asset.Ref)
}

func (h *HTTPHandler) publicURL(ref string) string {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return trimmed
	}
	base := h.storagePublicBase
	if base == "" {
		base = "/api/assets"
	}
	return fmt.Sprintf("%s/%s", strings.TrimRight(base, "/"), strings.TrimLeft(trimmed, "/"))
}
