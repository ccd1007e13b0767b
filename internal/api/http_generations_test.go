package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"popgraph/internal/config"
	"popgraph/internal/entity"
	"popgraph/internal/genai"
	"popgraph/internal/imaging"
	"popgraph/internal/pipeline"
	"popgraph/internal/storage"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 30, G: 120, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type stubGenerator struct {
	data []byte
}

func (g *stubGenerator) Generate(ctx context.Context, params genai.Params) (*genai.Image, error) {
	return &genai.Image{Data: g.data, ContentType: "image/png"}, nil
}

type memoryRepo struct {
	mu      sync.Mutex
	users   map[uint]*entity.DbUser
	records map[string]*entity.DbGenerationRecord
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		users:   map[uint]*entity.DbUser{},
		records: map[string]*entity.DbGenerationRecord{},
	}
}

func (r *memoryRepo) CreateUser(ctx context.Context, user *entity.DbUser) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user.ID = uint(len(r.users) + 1)
	r.users[user.ID] = user
	return nil
}

func (r *memoryRepo) UpdateUser(ctx context.Context, id uint, updates map[string]interface{}) error {
	return nil
}

func (r *memoryRepo) GetUserByEmail(ctx context.Context, email string) (*entity.DbUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, user := range r.users {
		if user.Email == email {
			return user, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memoryRepo) GetUserByID(ctx context.Context, id uint) (*entity.DbUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return user, nil
}

func (r *memoryRepo) ListUsers(ctx context.Context, params *entity.UserQuery) ([]entity.DbUser, *entity.Meta, error) {
	return nil, nil, nil
}

func (r *memoryRepo) DeleteUser(ctx context.Context, id uint) error { return nil }

func (r *memoryRepo) CountUsers(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.users)), nil
}

func (r *memoryRepo) AppendGenerationRecord(ctx context.Context, record *entity.DbGenerationRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[record.RequestID]; ok {
		return false, nil
	}
	r.records[record.RequestID] = record
	return true, nil
}

func (r *memoryRepo) GetGenerationRecordByRequestID(ctx context.Context, requestID string) (*entity.DbGenerationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[requestID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return record, nil
}

func (r *memoryRepo) ListGenerationRecords(ctx context.Context, params *entity.GenerationQuery) ([]entity.DbGenerationRecord, *entity.Meta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entity.DbGenerationRecord, 0, len(r.records))
	for _, record := range r.records {
		if params != nil && params.UserID > 0 && record.UserID != params.UserID {
			continue
		}
		out = append(out, *record)
	}
	meta := &entity.Meta{Page: 1, PageSize: int64(len(out)), Total: int64(len(out))}
	return out, meta, nil
}

func (r *memoryRepo) DeleteGenerationRecord(ctx context.Context, userID uint, requestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[requestID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if userID > 0 && record.UserID != userID {
		return gorm.ErrRecordNotFound
	}
	delete(r.records, requestID)
	return nil
}

func (r *memoryRepo) CountGenerationsSince(ctx context.Context, userID uint, since time.Time) (int64, error) {
	return 0, nil
}

type testServer struct {
	router  *gin.Engine
	handler *HTTPHandler
	repo    *memoryRepo
	orch    *pipeline.Orchestrator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Config{
		JWTSecret:            "test-secret-0123456789abcdef",
		JWTIssuer:            "popgraph",
		JWTExpirationMinutes: 60,
		PipelineMaxVariants:  4,
	}

	repo := newMemoryRepo()
	store := storage.NewInlineStorage()
	generator := &stubGenerator{data: testPNG(t)}
	extractor := imaging.NewExtractor(imaging.DefaultExtractorConfig())
	compositor := imaging.NewCompositor(imaging.DefaultCompositorConfig())

	orch := pipeline.NewOrchestrator(repo, store, generator, extractor, compositor, nil, pipeline.Options{
		CPUWorkers:       2,
		SubmitsPerMinute: 600,
		Timeout:          10 * time.Second,
	})
	t.Cleanup(orch.Close)

	handler, err := NewHTTPHandler(cfg, repo, store, orch)
	if err != nil {
		t.Fatalf("new http handler: %v", err)
	}

	router := gin.New()
	apiGroup := router.Group("/api")
	authGroup := apiGroup.Group("/auth")
	authGroup.GET("/status", handler.AuthStatus)
	authGroup.POST("/register", handler.Register)
	authGroup.POST("/login", handler.Login)

	protected := apiGroup.Group("")
	protected.Use(handler.AuthMiddleware())
	protected.POST("/generations/poster", handler.SubmitPoster)
	protected.POST("/generations/scene-fusion", handler.SubmitSceneFusion)
	protected.GET("/generations/:id", handler.GetGeneration)
	protected.GET("/generations", handler.ListGenerations)
	protected.DELETE("/generations/:id", handler.DeleteGeneration)

	return &testServer{router: router, handler: handler, repo: repo, orch: orch}
}

// registerUser 直接写入用户并签发 token。
func (s *testServer) registerUser(t *testing.T, email, role, tier string) (uint, string) {
	t.Helper()
	user := &entity.DbUser{
		Email:        email,
		PasswordHash: "x",
		Role:         role,
		Tier:         tier,
		IsActive:     true,
	}
	if err := s.repo.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	token, _, err := s.handler.authManager.GenerateToken(user)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return user.ID, token
}

func (s *testServer) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) waitForTerminal(t *testing.T, token, requestID string) entity.GenerationStatusResponse {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		w := s.request(t, http.MethodGet, "/api/generations/"+requestID, token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
		}
		var view entity.GenerationStatusResponse
		if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
			t.Fatalf("unmarshal status: %v", err)
		}
		if view.Status == entity.StatusCompleted || view.Status == entity.StatusFailed {
			return view
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("generation did not reach a terminal state")
	return entity.GenerationStatusResponse{}
}

func TestSubmitPosterEndToEnd(t *testing.T) {
	s := newTestServer(t)
	_, token := s.registerUser(t, "user@example.com", entity.UserRoleUser, entity.TierFree)

	w := s.request(t, http.MethodPost, "/api/generations/poster", token, entity.PosterRequest{
		SceneDescription: "霓虹灯下的运动鞋",
		AspectRatios:     []string{"1:1"},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var resp entity.SubmitResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal submit response: %v", err)
	}
	if resp.RequestID == "" {
		t.Fatal("expected a request id")
	}

	view := s.waitForTerminal(t, token, resp.RequestID)
	if view.Status != entity.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", view.Status, view.ErrorMessage)
	}
	if len(view.Assets) != 1 {
		t.Fatalf("expected 1 asset, got %d", len(view.Assets))
	}
	if !strings.HasPrefix(view.Assets[0].URL, "data:image/png;base64,") {
		t.Fatalf("expected inline data url, got %q", view.Assets[0].URL)
	}
}

func TestSubmitRequiresAuth(t *testing.T) {
	s := newTestServer(t)

	w := s.request(t, http.MethodPost, "/api/generations/poster", "", entity.PosterRequest{
		SceneDescription: "一张海报",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestSubmitValidationError(t *testing.T) {
	s := newTestServer(t)
	_, token := s.registerUser(t, "user@example.com", entity.UserRoleUser, entity.TierFree)

	t.Run("不支持的画幅", func(t *testing.T) {
		w := s.request(t, http.MethodPost, "/api/generations/poster", token, entity.PosterRequest{
			SceneDescription: "一张海报",
			AspectRatios:     []string{"4:3"},
		})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", w.Code)
		}
	})

	t.Run("未知模板", func(t *testing.T) {
		w := s.request(t, http.MethodPost, "/api/generations/poster", token, entity.PosterRequest{
			SceneDescription: "一张海报",
			TemplateID:       "nope",
		})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", w.Code)
		}
		var apiErr APIError
		if err := json.Unmarshal(w.Body.Bytes(), &apiErr); err != nil {
			t.Fatalf("unmarshal error: %v", err)
		}
		if apiErr.Code != ErrCodeTemplateNotFound {
			t.Fatalf("expected %s, got %s", ErrCodeTemplateNotFound, apiErr.Code)
		}
	})
}

func TestGetGenerationNotFound(t *testing.T) {
	s := newTestServer(t)
	_, token := s.registerUser(t, "user@example.com", entity.UserRoleUser, entity.TierFree)

	w := s.request(t, http.MethodGet, "/api/generations/does-not-exist", token, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListAndDeleteGenerations(t *testing.T) {
	s := newTestServer(t)
	ownerID, ownerToken := s.registerUser(t, "owner@example.com", entity.UserRoleUser, entity.TierFree)
	_, otherToken := s.registerUser(t, "other@example.com", entity.UserRoleUser, entity.TierFree)

	s.repo.records["req-1"] = &entity.DbGenerationRecord{
		RequestID: "req-1",
		UserID:    ownerID,
		Mode:      entity.ModePoster,
		Status:    entity.StatusCompleted,
		Assets:    entity.AssetList{{Ref: "posters/a.png", Mode: storage.TypeLocal, ContentType: "image/png"}},
	}

	t.Run("列表仅含自己的记录", func(t *testing.T) {
		w := s.request(t, http.MethodGet, "/api/generations", otherToken, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var resp entity.GenerationListResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal list: %v", err)
		}
		if len(resp.Records) != 0 {
			t.Fatalf("expected no records for other user, got %d", len(resp.Records))
		}
	})

	t.Run("本人可见且带资产链接", func(t *testing.T) {
		w := s.request(t, http.MethodGet, "/api/generations", ownerToken, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var resp entity.GenerationListResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal list: %v", err)
		}
		if len(resp.Records) != 1 {
			t.Fatalf("expected 1 record, got %d", len(resp.Records))
		}
		if got := resp.Records[0].Assets[0].URL; got != "/api/assets/posters/a.png" {
			t.Fatalf("unexpected asset url %q", got)
		}
	})

	t.Run("他人删除被拒绝", func(t *testing.T) {
		w := s.request(t, http.MethodDelete, "/api/generations/req-1", otherToken, nil)
		if w.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", w.Code)
		}
	})

	t.Run("本人删除成功", func(t *testing.T) {
		w := s.request(t, http.MethodDelete, "/api/generations/req-1", ownerToken, nil)
		if w.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", w.Code)
		}
		w = s.request(t, http.MethodDelete, "/api/generations/req-1", ownerToken, nil)
		if w.Code != http.StatusNotFound {
			t.Fatalf("expected 404 after delete, got %d", w.Code)
		}
	})
}

func TestRegisterBootstrapAndClose(t *testing.T) {
	s := newTestServer(t)

	w := s.request(t, http.MethodPost, "/api/auth/register", "", entity.AuthRegisterRequest{
		Email:    "admin@example.com",
		Password: "super-secret-1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp entity.AuthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal auth response: %v", err)
	}
	if resp.User.Role != entity.UserRoleAdmin {
		t.Fatalf("expected first user to be admin, got %s", resp.User.Role)
	}
	if resp.Token == "" {
		t.Fatal("expected a session token")
	}

	// 第二次注册应被关闭
	w = s.request(t, http.MethodPost, "/api/auth/register", "", entity.AuthRegisterRequest{
		Email:    "second@example.com",
		Password: "super-secret-2",
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	var apiErr APIError
	if err := json.Unmarshal(w.Body.Bytes(), &apiErr); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if apiErr.Code != ErrCodeRegistrationClosed {
		t.Fatalf("expected %s, got %s", ErrCodeRegistrationClosed, apiErr.Code)
	}
}
