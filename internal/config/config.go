package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type MySQLConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

type BunnyConfig struct {
	StorageBaseURL string
	PullBaseURL    string
	StorageZone    string
	StorageKey     string
}

type S3Config struct {
	Bucket        string
	Region        string
	AccessKey     string
	SecretKey     string
	Endpoint      string
	CDNDomain     string
	PresignExpiry time.Duration
}

type StorageConfig struct {
	Provider string
	Bunny    BunnyConfig
	S3       S3Config
}

type Config struct {
	Addr              string
	StaticDir         string
	CORSAllowOrigins  string
	LogLevel          string
	LogFormat         string
	UploadContainer   string
	RecordsCollection string
	MenuPath          string
	ImagePolicy       string
	ImageMaxBytes     int64
	URLResolveTimeout time.Duration
	FormTTL           time.Duration
	Storage           StorageConfig
	MySQL             MySQLConfig
}

// Load reads the environment, after merging an optional .env file.
func Load() Config {
	_ = godotenv.Load()

	port := getenv("PORT", "8080")
	return Config{
		Addr:              ":" + port,
		StaticDir:         os.Getenv("STATIC_DIR"),
		CORSAllowOrigins:  os.Getenv("CORS_ALLOW_ORIGINS"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		LogFormat:         getenv("LOG_FORMAT", "json"),
		UploadContainer:   getenv("UPLOAD_CONTAINER", "productos"),
		RecordsCollection: getenv("RECORDS_COLLECTION", "productos"),
		MenuPath:          getenv("MENU_PATH", "/menu"),
		ImagePolicy:       getenv("IMAGE_POLICY", "optional"),
		ImageMaxBytes:     int64(getenvInt("IMAGE_MAX_BYTES", 8<<20, 64*1024, 64<<20)),
		URLResolveTimeout: time.Duration(getenvInt("URL_RESOLVE_TIMEOUT_SECONDS", 20, 1, 300)) * time.Second,
		FormTTL:           time.Duration(getenvInt("FORM_TTL_MINUTES", 60, 1, 24*60)) * time.Minute,
		Storage: StorageConfig{
			Provider: strings.ToLower(getenv("STORAGE_PROVIDER", "bunny")),
			Bunny: BunnyConfig{
				StorageBaseURL: getenv("BUNNY_STORAGE_BASE_URL", "https://storage.bunnycdn.com"),
				PullBaseURL:    os.Getenv("BUNNY_PULL_BASE_URL"),
				StorageZone:    os.Getenv("BUNNY_STORAGE_ZONE"),
				StorageKey:     os.Getenv("BUNNY_STORAGE_ACCESS_KEY"),
			},
			S3: S3Config{
				Bucket:        os.Getenv("S3_BUCKET"),
				Region:        getenv("S3_REGION", "us-east-1"),
				AccessKey:     os.Getenv("S3_ACCESS_KEY"),
				SecretKey:     os.Getenv("S3_SECRET_KEY"),
				Endpoint:      os.Getenv("S3_ENDPOINT"),
				CDNDomain:     os.Getenv("S3_CDN_DOMAIN"),
				PresignExpiry: time.Duration(getenvInt("S3_PRESIGN_MINUTES", 7*24*60, 1, 7*24*60)) * time.Minute,
			},
		},
		MySQL: MySQLConfig{
			Host:     getenv("DB_HOST", "127.0.0.1"),
			Port:     getenv("DB_PORT", "3306"),
			User:     getenv("DB_USER", "platillos"),
			Password: getenv("DB_PASSWORD", "platillos"),
			DBName:   getenv("DB_NAME", "restaurante"),
		},
	}
}

func getenv(key, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

func getenvInt(key string, fallback int, min int, max int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if min > 0 && v < min {
		return fallback
	}
	if max > 0 && v > max {
		return fallback
	}
	return v
}
