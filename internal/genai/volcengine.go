package genai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"popgraph/internal/config"
	"popgraph/internal/entity"

	"github.com/sirupsen/logrus"
	"github.com/volcengine/volcengine-go-sdk/service/arkruntime"
	volcModel "github.com/volcengine/volcengine-go-sdk/service/arkruntime/model"
	"github.com/volcengine/volcengine-go-sdk/volcengine"
)

//文档:https://www.volcengine.com/docs/82379/1824121

// VolcengineGenerator 通过火山引擎 Seedream 模型生成背景图。
type VolcengineGenerator struct {
	client  *arkruntime.Client
	model   string
	timeout time.Duration
	httpCli *http.Client
}

func NewVolcengineGenerator(cfg config.Config) (*VolcengineGenerator, error) {
	apiKey := strings.TrimSpace(cfg.VolcengineAPIKey)
	if apiKey == "" {
		return nil, errors.New("volcengine api key is not configured")
	}

	timeout := time.Duration(cfg.GenerationTimeoutSecond) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	return &VolcengineGenerator{
		client:  arkruntime.NewClientWithApiKey(apiKey),
		model:   cfg.VolcengineModel,
		timeout: timeout,
		httpCli: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (g *VolcengineGenerator) Generate(ctx context.Context, params Params) (*Image, error) {
	if strings.TrimSpace(params.Prompt) == "" {
		return nil, NewError(entity.ErrKindValidation, "prompt is empty", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// Seedream 要求总像素不低于 1280x720，生成提示尺寸按 2 倍放大。
	size := fmt.Sprintf("%dx%d", params.Width*2, params.Height*2)

	var sequentialImageGeneration volcModel.SequentialImageGeneration = "disabled"
	generateReq := volcModel.GenerateImagesRequest{
		Model:                     g.model,
		Prompt:                    params.Prompt,
		Size:                      volcengine.String(size),
		ResponseFormat:            volcengine.String(volcModel.GenerateImagesResponseFormatURL),
		Watermark:                 volcengine.Bool(false),
		SequentialImageGeneration: &sequentialImageGeneration,
	}

	stream, err := g.client.GenerateImagesStreaming(ctx, generateReq)
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, NewError(entity.ErrKindModelTimeout, "generation exceeded the time ceiling", err)
		}
		return nil, NewError(entity.ErrKindTransport, "open generation stream", err)
	}
	defer stream.Close()

	imageURL := ""
	failureMessage := ""
	for {
		recv, recvErr := stream.Recv()
		if recvErr == io.EOF {
			break
		}
		if recvErr != nil {
			if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, NewError(entity.ErrKindModelTimeout, "generation exceeded the time ceiling", recvErr)
			}
			return nil, NewError(entity.ErrKindTransport, "receive generation event", recvErr)
		}
		switch recv.Type {
		case "image_generation.partial_failed":
			if recv.Error != nil {
				failureMessage = recv.Error.Message
				logrus.WithFields(logrus.Fields{
					"code":    recv.Error.Code,
					"message": recv.Error.Message,
				}).Warn("volcengine_partial_failed")
			}
		case "image_generation.partial_succeeded":
			if recv.Error == nil && recv.Url != nil {
				imageURL = *recv.Url
			}
		}
	}

	if imageURL == "" {
		if failureMessage == "" {
			failureMessage = "model produced no image"
		}
		return nil, NewError(entity.ErrKindModelRejected, failureMessage, nil)
	}

	data, contentType, err := g.download(ctx, imageURL)
	if err != nil {
		return nil, NewError(entity.ErrKindTransport, "download generated image", err)
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	return &Image{Data: data, ContentType: contentType}, nil
}

func (g *VolcengineGenerator) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create download request: %w", err)
	}

	resp, err := g.httpCli.Do(req)
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

var _ Generator = (*VolcengineGenerator)(nil)
