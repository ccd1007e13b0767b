package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"popgraph/internal/entity"
	"popgraph/internal/genai"
	"popgraph/internal/imaging"
	"popgraph/internal/storage"

	"gorm.io/gorm"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func fillImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

type fakeGenerator struct {
	mu    sync.Mutex
	data  []byte
	err   error
	calls int
	seeds []int64
}

func (f *fakeGenerator) Generate(ctx context.Context, params genai.Params) (*genai.Image, error) {
	f.mu.Lock()
	f.calls++
	f.seeds = append(f.seeds, params.Seed)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &genai.Image{Data: f.data, ContentType: "image/png"}, nil
}

type fakeRepo struct {
	mu      sync.Mutex
	records map[string]*entity.DbGenerationRecord
	appends int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: map[string]*entity.DbGenerationRecord{}}
}

func (r *fakeRepo) CreateUser(ctx context.Context, user *entity.DbUser) error { return nil }
func (r *fakeRepo) UpdateUser(ctx context.Context, id uint, updates map[string]interface{}) error {
	return nil
}
func (r *fakeRepo) GetUserByEmail(ctx context.Context, email string) (*entity.DbUser, error) {
	return nil, gorm.ErrRecordNotFound
}
func (r *fakeRepo) GetUserByID(ctx context.Context, id uint) (*entity.DbUser, error) {
	return nil, gorm.ErrRecordNotFound
}
func (r *fakeRepo) ListUsers(ctx context.Context, params *entity.UserQuery) ([]entity.DbUser, *entity.Meta, error) {
	return nil, nil, nil
}
func (r *fakeRepo) DeleteUser(ctx context.Context, id uint) error  { return nil }
func (r *fakeRepo) CountUsers(ctx context.Context) (int64, error) { return 0, nil }

func (r *fakeRepo) AppendGenerationRecord(ctx context.Context, record *entity.DbGenerationRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appends++
	if _, exists := r.records[record.RequestID]; exists {
		return false, nil
	}
	clone := *record
	r.records[record.RequestID] = &clone
	return true, nil
}

func (r *fakeRepo) GetGenerationRecordByRequestID(ctx context.Context, requestID string) (*entity.DbGenerationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[requestID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *record
	return &clone, nil
}

func (r *fakeRepo) ListGenerationRecords(ctx context.Context, params *entity.GenerationQuery) ([]entity.DbGenerationRecord, *entity.Meta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entity.DbGenerationRecord, 0, len(r.records))
	for _, record := range r.records {
		out = append(out, *record)
	}
	return out, &entity.Meta{Total: int64(len(out)), Page: 1, PageSize: 20}, nil
}

func (r *fakeRepo) DeleteGenerationRecord(ctx context.Context, userID uint, requestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[requestID]; !ok {
		return gorm.ErrRecordNotFound
	}
	delete(r.records, requestID)
	return nil
}

func (r *fakeRepo) CountGenerationsSince(ctx context.Context, userID uint, since time.Time) (int64, error) {
	return 0, nil
}

type denyQuota struct{}

func (denyQuota) Authorize(ctx context.Context, user *entity.DbUser) error {
	return ErrQuotaExceeded
}

func newTestOrchestrator(t *testing.T, generator genai.Generator, repo *fakeRepo) *Orchestrator {
	t.Helper()
	return NewOrchestrator(
		repo,
		storage.NewInlineStorage(),
		generator,
		imaging.NewExtractor(imaging.DefaultExtractorConfig()),
		imaging.NewCompositor(imaging.DefaultCompositorConfig()),
		nil,
		Options{
			CPUWorkers:       2,
			MaxVariants:      4,
			SubmitsPerMinute: 600,
			Timeout:          10 * time.Second,
		},
	)
}

func waitForTerminal(t *testing.T, o *Orchestrator, requestID string) *entity.GenerationResult {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		result, err := o.GetResult(context.Background(), requestID)
		if err == nil && (result.Status == entity.StatusCompleted || result.Status == entity.StatusFailed) {
			return result
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("request %s did not reach a terminal state", requestID)
	return nil
}

func testUser() *entity.DbUser {
	return &entity.DbUser{ID: 1, Email: "u@example.com", Role: entity.UserRoleUser, Tier: entity.TierFree}
}

func TestPosterRunCompletes(t *testing.T) {
	background := encodePNG(t, fillImage(1600, 900, color.NRGBA{R: 20, G: 40, B: 200, A: 255}))
	generator := &fakeGenerator{data: background}
	repo := newFakeRepo()
	o := newTestOrchestrator(t, generator, repo)
	defer o.Close()

	resp, err := o.SubmitPoster(context.Background(), testUser(), &entity.PosterRequest{
		SceneDescription: "sunlit marble countertop",
		AspectRatios:     []string{"1:1"},
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if resp.Status != string(StateAccepted) {
		t.Fatalf("expected accepted, got %s", resp.Status)
	}

	result := waitForTerminal(t, o, resp.RequestID)
	if result.Status != entity.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", result.Status, result.ErrorMessage)
	}
	if len(result.Assets) != 1 {
		t.Fatalf("expected 1 asset, got %d", len(result.Assets))
	}
	asset := result.Assets[0]
	if asset.Width != 1080 || asset.Height != 1080 {
		t.Fatalf("expected 1080x1080 asset, got %dx%d", asset.Width, asset.Height)
	}
	if asset.AspectRatio != "1:1" {
		t.Fatalf("unexpected aspect ratio: %s", asset.AspectRatio)
	}
	if asset.Mode != storage.TypeInline {
		t.Fatalf("expected inline asset, got %s", asset.Mode)
	}

	record, err := repo.GetGenerationRecordByRequestID(context.Background(), resp.RequestID)
	if err != nil {
		t.Fatalf("expected persisted record: %v", err)
	}
	if record.Status != entity.StatusCompleted {
		t.Fatalf("expected completed record, got %s", record.Status)
	}
}

func TestPosterVariantsShareBackgroundPerVariant(t *testing.T) {
	background := encodePNG(t, fillImage(1600, 900, color.NRGBA{R: 10, G: 10, B: 10, A: 255}))
	generator := &fakeGenerator{data: background}
	repo := newFakeRepo()
	o := newTestOrchestrator(t, generator, repo)
	defer o.Close()

	seed := int64(42)
	resp, err := o.SubmitPoster(context.Background(), testUser(), &entity.PosterRequest{
		SceneDescription: "scene",
		AspectRatios:     []string{"1:1", "16:9"},
		Seed:             &seed,
		VariantCount:     2,
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	result := waitForTerminal(t, o, resp.RequestID)
	if result.Status != entity.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", result.Status, result.ErrorMessage)
	}
	// 2 个变体 × 2 个画幅
	if len(result.Assets) != 4 {
		t.Fatalf("expected 4 assets, got %d", len(result.Assets))
	}

	// 每个变体只调一次模型，画幅复用同一张背景
	generator.mu.Lock()
	defer generator.mu.Unlock()
	if generator.calls != 2 {
		t.Fatalf("expected 2 model calls, got %d", generator.calls)
	}
	if generator.seeds[0] != 42 || generator.seeds[1] != 43 {
		t.Fatalf("expected serial seeds 42,43, got %v", generator.seeds)
	}
}

func TestSceneFusionRunCompletes(t *testing.T) {
	background := encodePNG(t, fillImage(1600, 900, color.NRGBA{R: 20, G: 40, B: 200, A: 255}))
	product := fillImage(200, 200, color.NRGBA{R: 250, G: 250, B: 250, A: 255})
	for y := 60; y < 140; y++ {
		for x := 60; x < 140; x++ {
			product.SetNRGBA(x, y, color.NRGBA{R: 220, G: 20, B: 20, A: 255})
		}
	}

	generator := &fakeGenerator{data: background}
	repo := newFakeRepo()
	o := newTestOrchestrator(t, generator, repo)
	defer o.Close()

	resp, err := o.SubmitSceneFusion(context.Background(), testUser(), &entity.SceneFusionRequest{
		ProductImage:     base64.StdEncoding.EncodeToString(encodePNG(t, product)),
		SceneDescription: "wooden shelf",
		AspectRatios:     []string{"9:16"},
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	result := waitForTerminal(t, o, resp.RequestID)
	if result.Status != entity.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", result.Status, result.ErrorMessage)
	}
	if len(result.Assets) != 1 {
		t.Fatalf("expected 1 asset, got %d", len(result.Assets))
	}
	if result.Assets[0].Width != 1080 || result.Assets[0].Height != 1920 {
		t.Fatalf("expected 1080x1920, got %dx%d", result.Assets[0].Width, result.Assets[0].Height)
	}
}

func TestModelTimeoutPersistsFailure(t *testing.T) {
	generator := &fakeGenerator{err: genai.NewError(entity.ErrKindModelTimeout, "generation exceeded the time ceiling", nil)}
	repo := newFakeRepo()
	o := newTestOrchestrator(t, generator, repo)
	defer o.Close()

	resp, err := o.SubmitPoster(context.Background(), testUser(), &entity.PosterRequest{
		SceneDescription: "scene",
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	result := waitForTerminal(t, o, resp.RequestID)
	if result.Status != entity.StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.ErrorKind != entity.ErrKindModelTimeout {
		t.Fatalf("expected model_timeout, got %s", result.ErrorKind)
	}
	if len(result.Assets) != 0 {
		t.Fatal("failed run must not carry assets")
	}

	record, err := repo.GetGenerationRecordByRequestID(context.Background(), resp.RequestID)
	if err != nil {
		t.Fatalf("expected persisted failure record: %v", err)
	}
	if record.ErrorKind != entity.ErrKindModelTimeout {
		t.Fatalf("expected persisted model_timeout, got %s", record.ErrorKind)
	}
}

func TestNoForegroundFailure(t *testing.T) {
	background := encodePNG(t, fillImage(1600, 900, color.NRGBA{R: 20, G: 40, B: 200, A: 255}))
	plainWhite := encodePNG(t, fillImage(200, 200, color.NRGBA{R: 250, G: 250, B: 250, A: 255}))

	generator := &fakeGenerator{data: background}
	repo := newFakeRepo()
	o := newTestOrchestrator(t, generator, repo)
	defer o.Close()

	resp, err := o.SubmitSceneFusion(context.Background(), testUser(), &entity.SceneFusionRequest{
		ProductImage:     base64.StdEncoding.EncodeToString(plainWhite),
		SceneDescription: "scene",
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	result := waitForTerminal(t, o, resp.RequestID)
	if result.ErrorKind != entity.ErrKindNoForeground {
		t.Fatalf("expected no_foreground_detected, got %s (%s)", result.ErrorKind, result.ErrorMessage)
	}
}

func TestSubmitValidation(t *testing.T) {
	generator := &fakeGenerator{data: encodePNG(t, fillImage(64, 64, color.NRGBA{A: 255}))}
	o := newTestOrchestrator(t, generator, newFakeRepo())
	defer o.Close()

	t.Run("缺少场景描述", func(t *testing.T) {
		_, err := o.SubmitPoster(context.Background(), testUser(), &entity.PosterRequest{})
		if err == nil {
			t.Fatal("expected validation error")
		}
	})

	t.Run("未知模板", func(t *testing.T) {
		_, err := o.SubmitPoster(context.Background(), testUser(), &entity.PosterRequest{
			SceneDescription: "scene",
			TemplateID:       "nope",
		})
		if err == nil {
			t.Fatal("expected template error")
		}
	})

	t.Run("不支持的画幅", func(t *testing.T) {
		_, err := o.SubmitPoster(context.Background(), testUser(), &entity.PosterRequest{
			SceneDescription: "scene",
			AspectRatios:     []string{"4:3"},
		})
		if err == nil {
			t.Fatal("expected ratio error")
		}
	})

	t.Run("变体数超限", func(t *testing.T) {
		_, err := o.SubmitPoster(context.Background(), testUser(), &entity.PosterRequest{
			SceneDescription: "scene",
			VariantCount:     99,
		})
		if err == nil {
			t.Fatal("expected variant count error")
		}
	})

	t.Run("融合请求图片非法", func(t *testing.T) {
		_, err := o.SubmitSceneFusion(context.Background(), testUser(), &entity.SceneFusionRequest{
			ProductImage:     "!!bad!!",
			SceneDescription: "scene",
		})
		if err == nil {
			t.Fatal("expected payload error")
		}
	})
}

func TestQuotaDenied(t *testing.T) {
	generator := &fakeGenerator{data: encodePNG(t, fillImage(64, 64, color.NRGBA{A: 255}))}
	o := newTestOrchestrator(t, generator, newFakeRepo())
	o.quota = denyQuota{}
	defer o.Close()

	_, err := o.SubmitPoster(context.Background(), testUser(), &entity.PosterRequest{
		SceneDescription: "scene",
	})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
}

func TestRecordAppendIdempotent(t *testing.T) {
	repo := newFakeRepo()
	record := &entity.DbGenerationRecord{RequestID: "req-1", Status: entity.StatusCompleted}

	inserted, err := repo.AppendGenerationRecord(context.Background(), record)
	if err != nil || !inserted {
		t.Fatalf("expected first insert to succeed, inserted=%v err=%v", inserted, err)
	}
	inserted, err = repo.AppendGenerationRecord(context.Background(), record)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inserted {
		t.Fatal("expected duplicate append to be discarded")
	}
}
