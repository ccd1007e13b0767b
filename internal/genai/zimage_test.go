package genai

import (
	"context"
	"errors"
	"testing"
	"time"

	"popgraph/internal/entity"
)

type fakeTaskAPI struct {
	submitErr    error
	taskID       string
	statuses     []taskStatus
	statusErrs   []error
	statusCalls  int
	downloadData []byte
	downloadErr  error
}

func (f *fakeTaskAPI) SubmitTask(ctx context.Context, req submitRequest) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	if f.taskID == "" {
		return "task-1", nil
	}
	return f.taskID, nil
}

func (f *fakeTaskAPI) TaskStatus(ctx context.Context, taskID string) (taskStatus, error) {
	idx := f.statusCalls
	f.statusCalls++
	if idx < len(f.statusErrs) && f.statusErrs[idx] != nil {
		return taskStatus{}, f.statusErrs[idx]
	}
	if idx >= len(f.statuses) {
		if len(f.statuses) == 0 {
			return taskStatus{Status: taskStatusRunning}, nil
		}
		return f.statuses[len(f.statuses)-1], nil
	}
	return f.statuses[idx], nil
}

func (f *fakeTaskAPI) DownloadImage(ctx context.Context, url string) ([]byte, string, error) {
	if f.downloadErr != nil {
		return nil, "", f.downloadErr
	}
	return f.downloadData, "image/png", nil
}

func newTestGenerator(api taskAPI, timeout time.Duration) *ZImageGenerator {
	return &ZImageGenerator{
		api:          api,
		model:        "Tongyi-MAI/Z-Image-Turbo",
		pollInterval: time.Millisecond,
		timeout:      timeout,
	}
}

func TestZImageGenerate(t *testing.T) {
	t.Run("排队后成功", func(t *testing.T) {
		api := &fakeTaskAPI{
			statuses: []taskStatus{
				{Status: taskStatusPending},
				{Status: taskStatusRunning},
				{Status: taskStatusSucceed, OutputImages: []string{"https://cdn.example/img.png"}},
			},
			downloadData: []byte{0x89, 0x50, 0x4e, 0x47},
		}
		g := newTestGenerator(api, time.Second)

		img, err := g.Generate(context.Background(), Params{Prompt: "studio scene", Width: 1024, Height: 1024, Seed: 7})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(img.Data) == 0 {
			t.Fatal("expected image bytes")
		}
		if img.ContentType != "image/png" {
			t.Fatalf("unexpected content type: %s", img.ContentType)
		}
	})

	t.Run("任务失败归类为模型拒绝", func(t *testing.T) {
		api := &fakeTaskAPI{
			statuses: []taskStatus{
				{Status: taskStatusFailed, Message: "prompt blocked"},
			},
		}
		g := newTestGenerator(api, time.Second)

		_, err := g.Generate(context.Background(), Params{Prompt: "x", Width: 1024, Height: 1024})
		if err == nil {
			t.Fatal("expected error for failed task")
		}
		if KindOf(err) != entity.ErrKindModelRejected {
			t.Fatalf("expected model_rejected, got %s", KindOf(err))
		}
	})

	t.Run("超时归类为模型超时", func(t *testing.T) {
		api := &fakeTaskAPI{
			statuses: []taskStatus{{Status: taskStatusRunning}},
		}
		g := newTestGenerator(api, 20*time.Millisecond)

		_, err := g.Generate(context.Background(), Params{Prompt: "x", Width: 1024, Height: 1024})
		if err == nil {
			t.Fatal("expected timeout error")
		}
		if KindOf(err) != entity.ErrKindModelTimeout {
			t.Fatalf("expected model_timeout, got %s", KindOf(err))
		}
	})

	t.Run("提交 4xx 不重试", func(t *testing.T) {
		api := &fakeTaskAPI{
			submitErr: &rejectedError{statusCode: 400, body: "bad prompt"},
		}
		g := newTestGenerator(api, time.Second)

		_, err := g.Generate(context.Background(), Params{Prompt: "x", Width: 1024, Height: 1024})
		if err == nil {
			t.Fatal("expected rejection error")
		}
		if KindOf(err) != entity.ErrKindModelRejected {
			t.Fatalf("expected model_rejected, got %s", KindOf(err))
		}
	})

	t.Run("轮询瞬时故障可恢复", func(t *testing.T) {
		api := &fakeTaskAPI{
			statusErrs: []error{errors.New("connection reset"), nil},
			statuses: []taskStatus{
				{},
				{Status: taskStatusSucceed, OutputImages: []string{"https://cdn.example/img.png"}},
			},
			downloadData: []byte{0x01},
		}
		g := newTestGenerator(api, time.Second)

		if _, err := g.Generate(context.Background(), Params{Prompt: "x", Width: 1024, Height: 1024}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("成功但无输出视为拒绝", func(t *testing.T) {
		api := &fakeTaskAPI{
			statuses: []taskStatus{{Status: taskStatusSucceed}},
		}
		g := newTestGenerator(api, time.Second)

		_, err := g.Generate(context.Background(), Params{Prompt: "x", Width: 1024, Height: 1024})
		if KindOf(err) != entity.ErrKindModelRejected {
			t.Fatalf("expected model_rejected, got %v", err)
		}
	})

	t.Run("空提示词直接校验失败", func(t *testing.T) {
		g := newTestGenerator(&fakeTaskAPI{}, time.Second)
		_, err := g.Generate(context.Background(), Params{Prompt: "   "})
		if KindOf(err) != entity.ErrKindValidation {
			t.Fatalf("expected validation_error, got %v", err)
		}
	})
}
