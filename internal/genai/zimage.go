package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"popgraph/internal/config"
	"popgraph/internal/entity"

	"github.com/sirupsen/logrus"
)

const (
	taskStatusPending = "PENDING"
	taskStatusRunning = "RUNNING"
	taskStatusSucceed = "SUCCEED"
	taskStatusFailed  = "FAILED"
)

const (
	maxTransportAttempts = 3
	retryBaseDelay       = 500 * time.Millisecond
	retryMaxDelay        = 5 * time.Second
)

type submitRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
	Seed   int64  `json:"seed"`
}

type taskStatus struct {
	TaskID       string   `json:"task_id"`
	Status       string   `json:"task_status"`
	OutputImages []string `json:"output_images"`
	Message      string   `json:"message"`
}

// taskAPI 抽象异步任务三个原语，便于在测试中替换网络层。
type taskAPI interface {
	SubmitTask(ctx context.Context, req submitRequest) (string, error)
	TaskStatus(ctx context.Context, taskID string) (taskStatus, error)
	DownloadImage(ctx context.Context, url string) ([]byte, string, error)
}

// rejectedError 标记提交阶段的 4xx 拒绝，不参与重试。
type rejectedError struct {
	statusCode int
	body       string
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("submission rejected with http %d: %s", e.statusCode, e.body)
}

// ZImageGenerator drives the ModelScope asynchronous image generation task
// API: submit, poll until terminal status, download the first output.
type ZImageGenerator struct {
	api          taskAPI
	model        string
	pollInterval time.Duration
	timeout      time.Duration
}

func NewZImageGenerator(cfg config.Config) (*ZImageGenerator, error) {
	apiKey := strings.TrimSpace(cfg.ZImageAPIKey)
	if apiKey == "" {
		return nil, errors.New("zimage api key is not configured")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.ZImageBaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("zimage base url is not configured")
	}

	pollInterval := time.Duration(cfg.ZImagePollIntervalMs) * time.Millisecond
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	timeout := time.Duration(cfg.GenerationTimeoutSecond) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	return &ZImageGenerator{
		api: &httpTaskAPI{
			baseURL: baseURL,
			apiKey:  apiKey,
			client:  &http.Client{Timeout: 60 * time.Second},
		},
		model:        cfg.ZImageModel,
		pollInterval: pollInterval,
		timeout:      timeout,
	}, nil
}

func (g *ZImageGenerator) Generate(ctx context.Context, params Params) (*Image, error) {
	if strings.TrimSpace(params.Prompt) == "" {
		return nil, NewError(entity.ErrKindValidation, "prompt is empty", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	taskID, err := g.submitWithRetry(ctx, submitRequest{
		Model:  g.model,
		Prompt: params.Prompt,
		Size:   fmt.Sprintf("%dx%d", params.Width, params.Height),
		Seed:   params.Seed,
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"task_id": taskID,
		"size":    fmt.Sprintf("%dx%d", params.Width, params.Height),
		"seed":    params.Seed,
	}).Info("zimage_task_submitted")

	imageURL, err := g.pollUntilDone(ctx, taskID)
	if err != nil {
		return nil, err
	}

	data, contentType, err := g.downloadWithRetry(ctx, imageURL)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	return &Image{Data: data, ContentType: contentType}, nil
}

func (g *ZImageGenerator) submitWithRetry(ctx context.Context, req submitRequest) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxTransportAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return "", g.classifyCtxErr(err, lastErr)
			}
		}

		taskID, err := g.api.SubmitTask(ctx, req)
		if err == nil {
			return taskID, nil
		}

		var rejected *rejectedError
		if errors.As(err, &rejected) {
			return "", NewError(entity.ErrKindModelRejected, "model rejected the submission", err)
		}
		if ctx.Err() != nil {
			return "", g.classifyCtxErr(ctx.Err(), err)
		}
		lastErr = err
		logrus.WithError(err).WithField("attempt", attempt+1).Warn("zimage_submit_retry")
	}
	return "", NewError(entity.ErrKindTransport, "submission failed after retries", lastErr)
}

func (g *ZImageGenerator) pollUntilDone(ctx context.Context, taskID string) (string, error) {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	transportFailures := 0
	for {
		select {
		case <-ctx.Done():
			return "", g.classifyCtxErr(ctx.Err(), nil)
		case <-ticker.C:
		}

		status, err := g.api.TaskStatus(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				return "", g.classifyCtxErr(ctx.Err(), err)
			}
			transportFailures++
			if transportFailures >= maxTransportAttempts {
				return "", NewError(entity.ErrKindTransport, "polling failed after retries", err)
			}
			logrus.WithError(err).WithField("task_id", taskID).Warn("zimage_poll_retry")
			continue
		}
		transportFailures = 0

		switch status.Status {
		case taskStatusSucceed:
			if len(status.OutputImages) == 0 {
				return "", NewError(entity.ErrKindModelRejected, "task succeeded without outputs", nil)
			}
			return status.OutputImages[0], nil
		case taskStatusFailed:
			msg := status.Message
			if msg == "" {
				msg = "generation task failed"
			}
			return "", NewError(entity.ErrKindModelRejected, msg, nil)
		case taskStatusPending, taskStatusRunning, "":
			// 继续轮询
		default:
			logrus.WithFields(logrus.Fields{
				"task_id": taskID,
				"status":  status.Status,
			}).Warn("zimage_unknown_task_status")
		}
	}
}

func (g *ZImageGenerator) downloadWithRetry(ctx context.Context, url string) ([]byte, string, error) {
	var lastErr error
	for attempt := 0; attempt < maxTransportAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, "", g.classifyCtxErr(err, lastErr)
			}
		}

		data, contentType, err := g.api.DownloadImage(ctx, url)
		if err == nil {
			return data, contentType, nil
		}
		if ctx.Err() != nil {
			return nil, "", g.classifyCtxErr(ctx.Err(), err)
		}
		lastErr = err
		logrus.WithError(err).WithField("attempt", attempt+1).Warn("zimage_download_retry")
	}
	return nil, "", NewError(entity.ErrKindTransport, "image download failed after retries", lastErr)
}

func (g *ZImageGenerator) classifyCtxErr(ctxErr, cause error) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return NewError(entity.ErrKindModelTimeout, "generation exceeded the time ceiling", cause)
	}
	return ctxErr
}

func sleepBackoff(ctx context.Context, attempt int) error {
	delay := retryBaseDelay << (attempt - 1)
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	delay += time.Duration(rand.Int63n(int64(retryBaseDelay)))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// httpTaskAPI is the real ModelScope transport.
type httpTaskAPI struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func (a *httpTaskAPI) SubmitTask(ctx context.Context, req submitRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/images/generations", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create submit request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-ModelScope-Async-Mode", "true")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("submit task: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read submit response: %w", err)
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return "", &rejectedError{statusCode: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("submit task http %d", resp.StatusCode)
	}

	var parsed taskStatus
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if parsed.TaskID == "" {
		return "", errors.New("submit response missing task id")
	}
	return parsed.TaskID, nil
}

func (a *httpTaskAPI) TaskStatus(ctx context.Context, taskID string) (taskStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/tasks/"+taskID, nil)
	if err != nil {
		return taskStatus{}, fmt.Errorf("create status request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("X-ModelScope-Task-Type", "image_generation")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return taskStatus{}, fmt.Errorf("query task status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return taskStatus{}, fmt.Errorf("query task status http %d", resp.StatusCode)
	}

	var parsed taskStatus
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return taskStatus{}, fmt.Errorf("decode task status: %w", err)
	}
	return parsed, nil
}

func (a *httpTaskAPI) DownloadImage(ctx context.Context, url string) ([]byte, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create download request: %w", err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download image http %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read image body: %w", err)
	}
	if len(data) == 0 {
		return nil, "", errors.New("downloaded image is empty")
	}
	return data, resp.Header.Get("Content-Type"), nil
}

var _ Generator = (*ZImageGenerator)(nil)
var _ taskAPI = (*httpTaskAPI)(nil)
