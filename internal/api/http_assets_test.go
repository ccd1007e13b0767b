package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"popgraph/internal/config"
	"popgraph/internal/storage"

	"github.com/gin-gonic/gin"
)

func TestServeAsset(t *testing.T) {
	gin.SetMode(gin.TestMode)

	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("new local storage: %v", err)
	}

	payload := []byte("not-really-a-png")
	saved, err := store.Save(context.Background(), payload, storage.SaveOptions{
		Category:    "posters",
		Extension:   "png",
		BaseName:    "req-1_v0_1080x1080",
		ContentType: "image/png",
	})
	if err != nil {
		t.Fatalf("save asset: %v", err)
	}

	handler := &HTTPHandler{cfg: config.Config{}, storage: store, storagePublicBase: "/api/assets"}
	router := gin.New()
	router.GET("/api/assets/*ref", handler.ServeAsset)

	t.Run("命中资产", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/assets/"+saved.Ref, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		if !bytes.Equal(w.Body.Bytes(), payload) {
			t.Fatal("served bytes differ from stored bytes")
		}
		if ct := w.Header().Get("Content-Type"); ct != "image/png" {
			t.Fatalf("expected image/png, got %s", ct)
		}
	})

	t.Run("不存在返回404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/assets/posters/missing.png", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", w.Code)
		}
	})

	t.Run("路径穿越被拒绝", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/assets/../secrets.txt", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code == http.StatusOK {
			t.Fatal("traversal ref must not be served")
		}
	})
}
