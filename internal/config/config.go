package config

import (
	"github.com/caarlos0/env/v10"
	"github.com/sirupsen/logrus"
)

type Config struct {
	HTTPPort string `env:"HTTP_PORT" envDefault:"8080"`

	DBType     string `env:"DBType" envDefault:"sqlite"`
	DSNURL     string `env:"DSN_URL" envDefault:""`
	DBUser     string `env:"DBUser" envDefault:""`
	DBPassword string `env:"DBPassword" envDefault:""`
	DBAddr     string `env:"DBAddr" envDefault:""`
	DBName     string `env:"DBName" envDefault:"popgraph"`
	DBPath     string `env:"DBPath" envDefault:"datas/popgraph.db"`
	DBPort     string `env:"DBPort" envDefault:"3306"`

	// 存储配置。STORAGE_TYPE 为空时按已配置的凭证自动探测，
	// 全都未配置时回退为 inline（base64 数据 URL，不落盘）。
	StorageType          string `env:"STORAGE_TYPE" envDefault:""`
	StorageLocalDir      string `env:"STORAGE_LOCAL_DIR" envDefault:""`
	StoragePublicBaseURL string `env:"STORAGE_PUBLIC_BASE_URL" envDefault:"/api/assets"`

	// S3 兼容存储配置
	StorageS3Region          string `env:"STORAGE_S3_REGION"`
	StorageS3Bucket          string `env:"STORAGE_S3_BUCKET"`
	StorageS3Prefix          string `env:"STORAGE_S3_PREFIX"`
	StorageS3Endpoint        string `env:"STORAGE_S3_ENDPOINT"`
	StorageS3AccessKeyID     string `env:"STORAGE_S3_ACCESS_KEY_ID"`
	StorageS3SecretAccessKey string `env:"STORAGE_S3_SECRET_ACCESS_KEY"`
	StorageS3SessionToken    string `env:"STORAGE_S3_SESSION_TOKEN"`
	StorageS3ForcePathStyle  bool   `env:"STORAGE_S3_FORCE_PATH_STYLE" envDefault:"false"`

	// 阿里云 OSS 存储配置
	StorageOSSEndpoint        string `env:"STORAGE_OSS_ENDPOINT"`
	StorageOSSBucket          string `env:"STORAGE_OSS_BUCKET"`
	StorageOSSPrefix          string `env:"STORAGE_OSS_PREFIX"`
	StorageOSSAccessKeyID     string `env:"STORAGE_OSS_ACCESS_KEY_ID"`
	StorageOSSAccessKeySecret string `env:"STORAGE_OSS_ACCESS_KEY_SECRET"`

	// 腾讯云 COS 存储配置
	StorageCOSBucketURL string `env:"STORAGE_COS_BUCKET_URL"`
	StorageCOSPrefix    string `env:"STORAGE_COS_PREFIX"`
	StorageCOSSecretID  string `env:"STORAGE_COS_SECRET_ID"`
	StorageCOSSecretKey string `env:"STORAGE_COS_SECRET_KEY"`

	// Cloudflare R2 存储配置
	StorageR2AccountID       string `env:"STORAGE_R2_ACCOUNT_ID"`
	StorageR2Endpoint        string `env:"STORAGE_R2_ENDPOINT"`
	StorageR2Region          string `env:"STORAGE_R2_REGION" envDefault:"auto"`
	StorageR2Bucket          string `env:"STORAGE_R2_BUCKET"`
	StorageR2Prefix          string `env:"STORAGE_R2_PREFIX"`
	StorageR2AccessKeyID     string `env:"STORAGE_R2_ACCESS_KEY_ID"`
	StorageR2SecretAccessKey string `env:"STORAGE_R2_SECRET_ACCESS_KEY"`

	// 生成模型配置
	ModelProvider           string `env:"MODEL_PROVIDER" envDefault:"zimage"`
	ZImageAPIKey            string `env:"ZIMAGE_API_KEY" envDefault:""`
	ZImageBaseURL           string `env:"ZIMAGE_BASE_URL" envDefault:"https://api-inference.modelscope.cn"`
	ZImageModel             string `env:"ZIMAGE_MODEL" envDefault:"Tongyi-MAI/Z-Image-Turbo"`
	ZImagePollIntervalMs    int    `env:"ZIMAGE_POLL_INTERVAL_MS" envDefault:"1000"`
	VolcengineAPIKey        string `env:"VOLCENGINE_API_KEY" envDefault:""`
	VolcengineModel         string `env:"VOLCENGINE_MODEL" envDefault:"doubao-seedream-4-0-250828"`
	GenerationTimeoutSecond int    `env:"GENERATION_TIMEOUT_SECONDS" envDefault:"300"`

	// 流水线配置
	PipelineCPUWorkers       int    `env:"PIPELINE_CPU_WORKERS" envDefault:"4"`
	PipelineMaxVariants      int    `env:"PIPELINE_MAX_VARIANTS" envDefault:"4"`
	PipelineSubmitsPerMinute int    `env:"PIPELINE_SUBMITS_PER_MINUTE" envDefault:"30"`
	OutputBaseSize           int    `env:"OUTPUT_BASE_SIZE" envDefault:"1080"`
	OutputFormat             string `env:"OUTPUT_FORMAT" envDefault:"png"`
	FreeTierDailyRuns        int    `env:"FREE_TIER_DAILY_RUNS" envDefault:"20"`

	// 前景提取配置
	ExtractDistanceThreshold float64 `env:"EXTRACT_DISTANCE_THRESHOLD" envDefault:"48"`
	ExtractFeatherRadius     int     `env:"EXTRACT_FEATHER_RADIUS" envDefault:"2"`
	ExtractMinForeground     float64 `env:"EXTRACT_MIN_FOREGROUND" envDefault:"0.01"`
	ExtractBorderRatio       float64 `env:"EXTRACT_BORDER_RATIO" envDefault:"0.04"`

	JWTSecret            string `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
	JWTIssuer            string `env:"JWT_ISSUER" envDefault:"popgraph"`
	JWTExpirationMinutes int    `env:"JWT_EXPIRATION_MINUTES" envDefault:"1440"`
}

func ParseConfig() (Config, error) {
	var Conf Config
	err := env.Parse(&Conf)
	if err != nil {
		logrus.WithError(err).Error("env.Parse error")
		return Config{}, err
	}
	logrus.Debugf("%#v\n", Conf)
	return Conf, nil
}
