package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"popgraph/internal/api"
	"popgraph/internal/config"
	"popgraph/internal/genai"
	"popgraph/internal/imaging"
	"popgraph/internal/model"
	"popgraph/internal/pipeline"
	"popgraph/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	// 本地开发时从 .env 读取环境变量，文件不存在时忽略
	_ = godotenv.Load()

	// 初始化配置
	cfg, err := config.ParseConfig()
	if err != nil {
		logrus.WithError(err).Error("Failed to parse config")
		return
	}

	// 初始化logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	repo, err := model.InitRepository(&cfg)
	if err != nil {
		logrus.WithError(err).Error("failed to initialise repository")
		return
	}

	store, err := storage.NewStorage(cfg)
	if err != nil {
		logrus.WithError(err).Error("failed to initialise storage")
		return
	}

	generator, err := genai.NewGenerator(cfg)
	if err != nil {
		logrus.WithError(err).Error("failed to initialise image generator")
		return
	}

	extractor := imaging.NewExtractor(imaging.ExtractorConfig{
		DistanceThreshold:  cfg.ExtractDistanceThreshold,
		FeatherRadius:      cfg.ExtractFeatherRadius,
		MinForegroundRatio: cfg.ExtractMinForeground,
		BorderSampleRatio:  cfg.ExtractBorderRatio,
	})
	compositor := imaging.NewCompositor(imaging.CompositorConfig{
		CanvasShortSide: cfg.OutputBaseSize,
		Format:          cfg.OutputFormat,
	})

	quota := pipeline.NewTierQuota(repo, cfg.FreeTierDailyRuns)

	orchestrator := pipeline.NewOrchestrator(repo, store, generator, extractor, compositor, quota, pipeline.Options{
		CPUWorkers:       cfg.PipelineCPUWorkers,
		MaxVariants:      cfg.PipelineMaxVariants,
		SubmitsPerMinute: cfg.PipelineSubmitsPerMinute,
		GenerationBase:   imaging.DefaultGenerationBase,
		Timeout:          time.Duration(cfg.GenerationTimeoutSecond) * time.Second,
	})
	defer orchestrator.Close()

	httpHandler, err := api.NewHTTPHandler(cfg, repo, store, orchestrator)
	if err != nil {
		logrus.WithError(err).Error("failed to initialise http handler")
		return
	}

	// 设置Gin模式
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// 添加中间件
	r.Use(LoggingMiddleware())
	r.Use(CORSMiddleware())
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	apiGroup := r.Group("/api")

	authGroup := apiGroup.Group("/auth")
	authGroup.GET("/status", httpHandler.AuthStatus)
	authGroup.POST("/register", httpHandler.Register)
	authGroup.POST("/login", httpHandler.Login)
	authGroup.GET("/me", httpHandler.AuthMiddleware(), httpHandler.Me)

	protected := apiGroup.Group("")
	protected.Use(httpHandler.AuthMiddleware())
	protected.GET("/capabilities", httpHandler.ListCapabilities)
	protected.POST("/generations/poster", httpHandler.SubmitPoster)
	protected.POST("/generations/scene-fusion", httpHandler.SubmitSceneFusion)
	protected.GET("/generations/events", httpHandler.StreamGenerationEvents)
	protected.GET("/generations/:id", httpHandler.GetGeneration)
	protected.GET("/generations", httpHandler.ListGenerations)
	protected.DELETE("/generations/:id", httpHandler.DeleteGeneration)
	protected.GET("/assets/*ref", httpHandler.ServeAsset)

	userAdmin := protected.Group("/users")
	userAdmin.Use(httpHandler.RequireAdmin())
	userAdmin.GET("", httpHandler.ListUsers)
	userAdmin.POST("", httpHandler.CreateUser)
	userAdmin.PATCH(":id", httpHandler.UpdateUser)
	userAdmin.DELETE(":id", httpHandler.DeleteUser)

	serverHost := fmt.Sprintf("0.0.0.0:%s", cfg.HTTPPort)
	logger.WithField("host", serverHost).Info("服务器启动")
	// 创建HTTP服务器
	httpServer := &http.Server{
		Addr:         serverHost,
		Handler:      r,
		ReadTimeout:  900 * time.Second,
		WriteTimeout: 900 * time.Second,
		IdleTimeout:  1200 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("服务器启动失败")
		}
	}()

	// 等待退出信号，停机时取消在途生成（不写历史记录）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("服务器关闭中")
	orchestrator.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("服务器关闭失败")
	}
}

// CORSMiddleware CORS跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		c.Header("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// LoggingMiddleware 日志记录中间件
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		// 处理请求
		c.Next()
		// 记录请求结束
		duration := time.Since(start)
		logrus.WithFields(logrus.Fields{
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    c.Writer.Status(),
			"duration":  duration.String(),
			"size":      c.Writer.Size(),
			"client_ip": c.ClientIP(),
		}).Info("http_request")
	}
}
