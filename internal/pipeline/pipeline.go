package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"popgraph/internal/entity"
	"popgraph/internal/genai"
	"popgraph/internal/imaging"
	"popgraph/internal/model"
	"popgraph/internal/storage"
	"popgraph/internal/template"
	"popgraph/internal/utils"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	// MaxSceneDescriptionLen 限制场景描述长度。
	MaxSceneDescriptionLen = 2000
	// MaxMarketingTextLen 限制营销文案长度。
	MaxMarketingTextLen = 500
	// MaxUploadBytes 限制上传商品图大小。
	MaxUploadBytes = 10 << 20

	// 终态结果在注册表中保留的时长，过期后只能从历史记录查询。
	runRetention      = time.Hour
	runCleanupPeriod  = 10 * time.Minute
	defaultRunTimeout = 5 * time.Minute
)

// Options 控制编排器的并发与输出参数。
type Options struct {
	CPUWorkers       int
	MaxVariants      int
	SubmitsPerMinute int
	GenerationBase   int
	Timeout          time.Duration
}

// NotifyFunc 在请求到达终态时向提交方推送结果。
type NotifyFunc func(clientID string, result entity.GenerationResult)

// runStatus 是在途请求的注册表条目。
type runStatus struct {
	mu        sync.Mutex
	RequestID string
	State     RunState
	Result    *entity.GenerationResult
}

// kindedError 在流水线内部为错误附加持久化归类。
type kindedError struct {
	kind entity.ErrorKind
	err  error
}

func (e *kindedError) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

func (e *kindedError) Unwrap() error {
	return e.err
}

func withKind(kind entity.ErrorKind, err error) error {
	return &kindedError{kind: kind, err: err}
}

// Orchestrator 驱动完整的生成流程：受理、生成、提取、合成、存储、记账。
type Orchestrator struct {
	repo       model.Repository
	store      storage.Storage
	generator  genai.Generator
	extractor  *imaging.Extractor
	compositor *imaging.Compositor
	quota      QuotaAuthorizer

	runs    *cache.Cache
	cpuPool *semaphore.Weighted
	limiter *rate.Limiter
	opts    Options

	notifyMu sync.RWMutex
	notify   NotifyFunc

	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewOrchestrator(
	repo model.Repository,
	store storage.Storage,
	generator genai.Generator,
	extractor *imaging.Extractor,
	compositor *imaging.Compositor,
	quota QuotaAuthorizer,
	opts Options,
) *Orchestrator {
	if opts.CPUWorkers <= 0 {
		opts.CPUWorkers = 4
	}
	if opts.MaxVariants <= 0 {
		opts.MaxVariants = 4
	}
	if opts.SubmitsPerMinute <= 0 {
		opts.SubmitsPerMinute = 30
	}
	if opts.GenerationBase <= 0 {
		opts.GenerationBase = imaging.DefaultGenerationBase
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRunTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		repo:       repo,
		store:      store,
		generator:  generator,
		extractor:  extractor,
		compositor: compositor,
		quota:      quota,
		runs:       cache.New(runRetention, runCleanupPeriod),
		cpuPool:    semaphore.NewWeighted(int64(opts.CPUWorkers)),
		limiter:    rate.NewLimiter(rate.Limit(float64(opts.SubmitsPerMinute)/60.0), opts.SubmitsPerMinute),
		opts:       opts,
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// SetNotifyFunc 注册终态推送回调。
func (o *Orchestrator) SetNotifyFunc(fn NotifyFunc) {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()
	o.notify = fn
}

// Close 取消所有在途请求。被取消的请求不写历史记录。
func (o *Orchestrator) Close() {
	o.cancel()
}

type runRequest struct {
	requestID    string
	user         *entity.DbUser
	clientID     string
	mode         string
	scene        string
	marketing    string
	templateID   string
	tpl          template.Resolved
	ratios       []imaging.AspectRatio
	ratioNames   []string
	seed         int64
	variants     int
	productImage []byte
}

// SubmitPoster 受理纯海报生成请求，校验全部通过后异步执行。
func (o *Orchestrator) SubmitPoster(ctx context.Context, user *entity.DbUser, req *entity.PosterRequest) (*entity.SubmitResponse, error) {
	if req == nil {
		return nil, errors.New("request is nil")
	}

	ratios, names, tpl, err := o.validateCommon(req.SceneDescription, req.MarketingText, req.TemplateID, req.AspectRatios)
	if err != nil {
		return nil, err
	}
	if err := o.authorize(ctx, user); err != nil {
		return nil, err
	}

	variants := req.VariantCount
	if variants <= 0 {
		variants = 1
	}
	if variants > o.opts.MaxVariants {
		return nil, fmt.Errorf("variant_count exceeds the limit of %d", o.opts.MaxVariants)
	}

	run := runRequest{
		requestID:  uuid.NewString(),
		user:       user,
		clientID:   strings.TrimSpace(req.ClientID),
		mode:       entity.ModePoster,
		scene:      strings.TrimSpace(req.SceneDescription),
		marketing:  strings.TrimSpace(req.MarketingText),
		templateID: tpl.TemplateID,
		tpl:        tpl,
		ratios:     ratios,
		ratioNames: names,
		seed:       resolveSeed(req.Seed),
		variants:   variants,
	}

	o.accept(run)
	return &entity.SubmitResponse{RequestID: run.requestID, Status: string(StateAccepted)}, nil
}

// SubmitSceneFusion 受理商品融合请求。
func (o *Orchestrator) SubmitSceneFusion(ctx context.Context, user *entity.DbUser, req *entity.SceneFusionRequest) (*entity.SubmitResponse, error) {
	if req == nil {
		return nil, errors.New("request is nil")
	}

	ratios, names, tpl, err := o.validateCommon(req.SceneDescription, req.MarketingText, req.TemplateID, req.AspectRatios)
	if err != nil {
		return nil, err
	}

	productImage, _, err := utils.DecodeMediaPayload(req.ProductImage)
	if err != nil {
		return nil, fmt.Errorf("invalid product image payload: %w", err)
	}
	if len(productImage) > MaxUploadBytes {
		return nil, fmt.Errorf("product image exceeds %d bytes", MaxUploadBytes)
	}

	if err := o.authorize(ctx, user); err != nil {
		return nil, err
	}

	run := runRequest{
		requestID:    uuid.NewString(),
		user:         user,
		clientID:     strings.TrimSpace(req.ClientID),
		mode:         entity.ModeSceneFusion,
		scene:        strings.TrimSpace(req.SceneDescription),
		marketing:    strings.TrimSpace(req.MarketingText),
		templateID:   tpl.TemplateID,
		tpl:          tpl,
		ratios:       ratios,
		ratioNames:   names,
		seed:         resolveSeed(req.Seed),
		variants:     1,
		productImage: productImage,
	}

	o.accept(run)
	return &entity.SubmitResponse{RequestID: run.requestID, Status: string(StateAccepted)}, nil
}

// GetResult 先查在途注册表，再回落到历史记录。
func (o *Orchestrator) GetResult(ctx context.Context, requestID string) (*entity.GenerationResult, error) {
	if status, ok := o.loadRun(requestID); ok {
		status.mu.Lock()
		defer status.mu.Unlock()
		if status.Result != nil {
			result := *status.Result
			return &result, nil
		}
		return &entity.GenerationResult{
			RequestID: requestID,
			Status:    string(status.State),
		}, nil
	}

	if o.repo == nil {
		return nil, fmt.Errorf("generation %s not found", requestID)
	}
	record, err := o.repo.GetGenerationRecordByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return recordToResult(record), nil
}

func (o *Orchestrator) validateCommon(scene, marketing, templateID string, ratioNames []string) ([]imaging.AspectRatio, []string, template.Resolved, error) {
	trimmedScene := strings.TrimSpace(scene)
	if trimmedScene == "" {
		return nil, nil, template.Resolved{}, errors.New("scene_description is required")
	}
	if len([]rune(trimmedScene)) > MaxSceneDescriptionLen {
		return nil, nil, template.Resolved{}, fmt.Errorf("scene_description exceeds %d characters", MaxSceneDescriptionLen)
	}
	if len([]rune(strings.TrimSpace(marketing))) > MaxMarketingTextLen {
		return nil, nil, template.Resolved{}, fmt.Errorf("marketing_text exceeds %d characters", MaxMarketingTextLen)
	}

	if len(ratioNames) == 0 {
		ratioNames = []string{imaging.DefaultAspectRatio.Name}
	}
	seen := make(map[string]struct{}, len(ratioNames))
	ratios := make([]imaging.AspectRatio, 0, len(ratioNames))
	names := make([]string, 0, len(ratioNames))
	for _, name := range ratioNames {
		ratio, err := imaging.ParseAspectRatio(name)
		if err != nil {
			return nil, nil, template.Resolved{}, err
		}
		if _, dup := seen[ratio.Name]; dup {
			continue
		}
		seen[ratio.Name] = struct{}{}
		ratios = append(ratios, ratio)
		names = append(names, ratio.Name)
	}

	tpl, err := template.Resolve(templateID, trimmedScene, marketing)
	if err != nil {
		return nil, nil, template.Resolved{}, err
	}

	return ratios, names, tpl, nil
}

func (o *Orchestrator) authorize(ctx context.Context, user *entity.DbUser) error {
	if o.quota == nil {
		return nil
	}
	return o.quota.Authorize(ctx, user)
}

func (o *Orchestrator) accept(run runRequest) {
	o.runs.Set(run.requestID, &runStatus{
		RequestID: run.requestID,
		State:     StateAccepted,
	}, cache.DefaultExpiration)

	logrus.WithFields(logrus.Fields{
		"request_id": run.requestID,
		"mode":       run.mode,
		"ratios":     run.ratioNames,
		"variants":   run.variants,
		"template":   run.templateID,
	}).Info("generation_accepted")

	go o.run(run)
}

func (o *Orchestrator) run(run runRequest) {
	ctx, cancel := context.WithTimeout(o.baseCtx, o.opts.Timeout)
	defer cancel()

	submittedAt := time.Now().UTC()
	assets, err := o.execute(ctx, run)
	finishedAt := time.Now().UTC()

	if err != nil && errors.Is(err, context.Canceled) {
		// 服务停机取消的请求不留痕
		logrus.WithField("request_id", run.requestID).Warn("generation_cancelled")
		o.runs.Delete(run.requestID)
		return
	}

	result := entity.GenerationResult{RequestID: run.requestID}
	record := &entity.DbGenerationRecord{
		RequestID:        run.requestID,
		Mode:             run.mode,
		SceneDescription: run.scene,
		MarketingText:    run.marketing,
		TemplateID:       run.templateID,
		AspectRatios:     entity.StringArray(run.ratioNames),
		Seed:             run.seed,
		SubmittedAt:      submittedAt,
		FinishedAt:       finishedAt,
	}
	if run.user != nil {
		record.UserID = run.user.ID
	}

	if err != nil {
		kind := classifyFailure(err)
		result.Status = entity.StatusFailed
		result.ErrorKind = kind
		result.ErrorMessage = err.Error()
		record.Status = entity.StatusFailed
		record.ErrorKind = kind
		record.ErrorMessage = err.Error()
		logrus.WithError(err).WithFields(logrus.Fields{
			"request_id": run.requestID,
			"error_kind": kind,
		}).Warn("generation_failed")
	} else {
		result.Status = entity.StatusCompleted
		result.Assets = assets
		record.Status = entity.StatusCompleted
		record.Assets = entity.AssetList(assets)
		logrus.WithFields(logrus.Fields{
			"request_id": run.requestID,
			"assets":     len(assets),
			"elapsed":    finishedAt.Sub(submittedAt).String(),
		}).Info("generation_completed")
	}

	if o.repo != nil {
		// 终态落库，request_id 冲突视为重复投递，丢弃即可
		inserted, dbErr := o.repo.AppendGenerationRecord(context.Background(), record)
		if dbErr != nil {
			logrus.WithError(dbErr).WithField("request_id", run.requestID).Error("generation_record_append_failed")
		} else if !inserted {
			logrus.WithField("request_id", run.requestID).Warn("generation_record_duplicate")
		}
	}

	o.finish(run, result)
}

func (o *Orchestrator) execute(ctx context.Context, run runRequest) ([]entity.AssetRecord, error) {
	o.setState(run.requestID, StateGenerating)

	if err := o.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	// 同一请求的多画幅复用同一张背景，多变体按 seed+i 串行生成
	primary := run.ratios[0]
	genW, genH := primary.GenerationSize(o.opts.GenerationBase)

	variantImages := make([]image.Image, run.variants)
	for v := 0; v < run.variants; v++ {
		img, err := o.generator.Generate(ctx, genai.Params{
			Prompt: run.tpl.Prompt,
			Width:  genW,
			Height: genH,
			Seed:   run.seed + int64(v),
		})
		if err != nil {
			return nil, err
		}
		bg, err := imaging.DecodeImage(img.Data)
		if err != nil {
			return nil, withKind(entity.ErrKindInternal, fmt.Errorf("decode generated background: %w", err))
		}
		variantImages[v] = bg
	}

	var cutout *image.NRGBA
	if run.mode == entity.ModeSceneFusion {
		o.setState(run.requestID, StateExtracting)
		if err := o.cpuPool.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		product, err := imaging.DecodeImage(run.productImage)
		if err != nil {
			o.cpuPool.Release(1)
			return nil, err
		}
		cutout, err = o.extractor.ExtractForeground(product)
		o.cpuPool.Release(1)
		if err != nil {
			return nil, err
		}
	}

	o.setState(run.requestID, StateCompositing)

	type output struct {
		variant     int
		ratio       imaging.AspectRatio
		data        []byte
		contentType string
		width       int
		height      int
	}

	outputs := make([]output, run.variants*len(run.ratios))
	group, groupCtx := errgroup.WithContext(ctx)
	for v := 0; v < run.variants; v++ {
		for i, ratio := range run.ratios {
			v, i, ratio := v, i, ratio
			group.Go(func() error {
				if err := o.cpuPool.Acquire(groupCtx, 1); err != nil {
					return err
				}
				defer o.cpuPool.Release(1)

				var canvas *image.NRGBA
				var err error
				if cutout != nil {
					canvas, err = o.compositor.ComposeFusion(variantImages[v], cutout, ratio, run.tpl.Placement, run.tpl.Overlay)
				} else {
					canvas, err = o.compositor.ComposePoster(variantImages[v], ratio, run.tpl.Overlay)
				}
				if err != nil {
					return withKind(entity.ErrKindInternal, err)
				}

				data, contentType, err := o.compositor.Encode(canvas)
				if err != nil {
					return withKind(entity.ErrKindInternal, err)
				}

				outputs[v*len(run.ratios)+i] = output{
					variant:     v,
					ratio:       ratio,
					data:        data,
					contentType: contentType,
					width:       canvas.Bounds().Dx(),
					height:      canvas.Bounds().Dy(),
				}
				return nil
			})
		}
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	o.setState(run.requestID, StateStoring)

	category := "posters"
	if run.mode == entity.ModeSceneFusion {
		category = "fusions"
	}

	assets := make([]entity.AssetRecord, 0, len(outputs))
	for _, out := range outputs {
		stored, err := o.store.Save(ctx, out.data, storage.SaveOptions{
			Category:    category,
			Extension:   o.compositor.FileExtension(),
			BaseName:    fmt.Sprintf("%s_v%d_%s", run.requestID, out.variant, out.ratio.Slug()),
			ContentType: out.contentType,
		})
		if err != nil {
			return nil, withKind(entity.ErrKindStorage, err)
		}
		assets = append(assets, entity.AssetRecord{
			Ref:         stored.Ref,
			Mode:        stored.Mode,
			ContentType: stored.ContentType,
			SizeBytes:   stored.SizeBytes,
			AspectRatio: out.ratio.Name,
			Width:       out.width,
			Height:      out.height,
		})
	}

	return assets, nil
}

func classifyFailure(err error) entity.ErrorKind {
	var kerr *kindedError
	if errors.As(err, &kerr) {
		return kerr.kind
	}
	var gerr *genai.Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	switch {
	case errors.Is(err, imaging.ErrNoForeground):
		return entity.ErrKindNoForeground
	case errors.Is(err, imaging.ErrUnsupportedImage):
		return entity.ErrKindUnsupportedImage
	case errors.Is(err, template.ErrUnknownTemplate):
		return entity.ErrKindUnknownTemplate
	case errors.Is(err, ErrQuotaExceeded):
		return entity.ErrKindQuotaExceeded
	case errors.Is(err, context.DeadlineExceeded):
		return entity.ErrKindModelTimeout
	default:
		return entity.ErrKindInternal
	}
}

func (o *Orchestrator) setState(requestID string, next RunState) {
	status, ok := o.loadRun(requestID)
	if !ok {
		return
	}
	status.mu.Lock()
	defer status.mu.Unlock()

	state, err := status.State.Transition(next)
	if err != nil {
		logrus.WithError(err).WithField("request_id", requestID).Error("illegal_state_transition")
		return
	}
	status.State = state
}

func (o *Orchestrator) finish(run runRequest, result entity.GenerationResult) {
	terminal := StateCompleted
	if result.Status == entity.StatusFailed {
		terminal = StateFailed
	}

	if status, ok := o.loadRun(run.requestID); ok {
		status.mu.Lock()
		status.State = terminal
		status.Result = &result
		status.mu.Unlock()
	}

	o.notifyMu.RLock()
	notify := o.notify
	o.notifyMu.RUnlock()
	if notify != nil && run.clientID != "" {
		notify(run.clientID, result)
	}
}

func (o *Orchestrator) loadRun(requestID string) (*runStatus, bool) {
	raw, ok := o.runs.Get(requestID)
	if !ok {
		return nil, false
	}
	status, ok := raw.(*runStatus)
	return status, ok
}

func resolveSeed(seed *int64) int64 {
	if seed != nil {
		return *seed
	}
	return time.Now().UnixNano() & 0x7fffffff
}

func recordToResult(record *entity.DbGenerationRecord) *entity.GenerationResult {
	if record == nil {
		return nil
	}
	return &entity.GenerationResult{
		RequestID:    record.RequestID,
		Status:       record.Status,
		Assets:       []entity.AssetRecord(record.Assets),
		ErrorKind:    record.ErrorKind,
		ErrorMessage: record.ErrorMessage,
	}
}
