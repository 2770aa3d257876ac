package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DriverS3     = "s3"
	DriverMinIO  = "minio"
	DriverMemory = "memory"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"Server"`
	Database      DatabaseConfig      `mapstructure:"Database"`
	Storage       StorageConfig       `mapstructure:"Storage"`
	Redis         RedisConfig         `mapstructure:"Redis"`
	Upload        UploadConfig        `mapstructure:"Upload"`
	Notifications NotificationsConfig `mapstructure:"Notifications"`
}

type ServerConfig struct {
	Port           string        `mapstructure:"Port"`
	GRPCPort       string        `mapstructure:"GRPCPort"`
	RequestTimeout time.Duration `mapstructure:"RequestTimeout"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"Host"`
	Port     string `mapstructure:"Port"`
	User     string `mapstructure:"User"`
	Password string `mapstructure:"Password"`
	Name     string `mapstructure:"Name"`
	SSLMode  string `mapstructure:"SSLMode"`
}

type StorageConfig struct {
	Driver          string `mapstructure:"Driver"`
	Bucket          string `mapstructure:"Bucket"`
	Region          string `mapstructure:"Region"`
	Endpoint        string `mapstructure:"Endpoint"`
	AccessKeyID     string `mapstructure:"AccessKeyID"`
	SecretAccessKey string `mapstructure:"SecretAccessKey"`
	UseSSL          bool   `mapstructure:"UseSSL"`
	PathStyle       bool   `mapstructure:"PathStyle"`
	PublicBaseURL   string `mapstructure:"PublicBaseURL"`
	StagingPrefix   string `mapstructure:"StagingPrefix"`
	// MultipartThreshold is a size such as "5MB".
	MultipartThreshold string `mapstructure:"MultipartThreshold"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"Addr"`
	Password string `mapstructure:"Password"`
	DB       int    `mapstructure:"DB"`
}

type UploadConfig struct {
	// MaxFormMemory is a size such as "100MB".
	MaxFormMemory   string        `mapstructure:"MaxFormMemory"`
	SessionTTL      time.Duration `mapstructure:"SessionTTL"`
	JanitorInterval time.Duration `mapstructure:"JanitorInterval"`
	StoreAttempts   int           `mapstructure:"StoreAttempts"`
	StoreBaseDelay  time.Duration `mapstructure:"StoreBaseDelay"`
	StoreMaxDelay   time.Duration `mapstructure:"StoreMaxDelay"`
	NameAttempts    int           `mapstructure:"NameAttempts"`
}

type NotificationsConfig struct {
	QueueURL string `mapstructure:"QueueURL"`
	Region   string `mapstructure:"Region"`
	Endpoint string `mapstructure:"Endpoint"`
}

var envBindings = map[string]string{
	"Server.Port":                "HTTP_PORT",
	"Server.GRPCPort":            "GRPC_PORT",
	"Server.RequestTimeout":      "HTTP_REQUEST_TIMEOUT",
	"Database.Host":              "DATABASE_HOST",
	"Database.Port":              "DATABASE_PORT",
	"Database.User":              "DATABASE_USER",
	"Database.Password":          "DATABASE_PASSWORD",
	"Database.Name":              "DATABASE_NAME",
	"Database.SSLMode":           "DATABASE_SSLMODE",
	"Storage.Driver":             "STORAGE_DRIVER",
	"Storage.Bucket":             "STORAGE_BUCKET",
	"Storage.Region":             "STORAGE_REGION",
	"Storage.Endpoint":           "STORAGE_ENDPOINT",
	"Storage.AccessKeyID":        "STORAGE_ACCESS_KEY_ID",
	"Storage.SecretAccessKey":    "STORAGE_SECRET_ACCESS_KEY",
	"Storage.UseSSL":             "STORAGE_USE_SSL",
	"Storage.PathStyle":          "STORAGE_PATH_STYLE",
	"Storage.PublicBaseURL":      "STORAGE_PUBLIC_BASE_URL",
	"Storage.StagingPrefix":      "STORAGE_STAGING_PREFIX",
	"Storage.MultipartThreshold": "STORAGE_MULTIPART_THRESHOLD",
	"Redis.Addr":                 "REDIS_ADDR",
	"Redis.Password":             "REDIS_PASSWORD",
	"Redis.DB":                   "REDIS_DB",
	"Upload.MaxFormMemory":       "UPLOAD_MAX_FORM_MEMORY",
	"Upload.SessionTTL":          "UPLOAD_SESSION_TTL",
	"Upload.JanitorInterval":     "UPLOAD_JANITOR_INTERVAL",
	"Upload.StoreAttempts":       "UPLOAD_STORE_ATTEMPTS",
	"Upload.StoreBaseDelay":      "UPLOAD_STORE_BASE_DELAY",
	"Upload.StoreMaxDelay":       "UPLOAD_STORE_MAX_DELAY",
	"Upload.NameAttempts":        "UPLOAD_NAME_ATTEMPTS",
	"Notifications.QueueURL":     "NOTIFICATIONS_QUEUE_URL",
	"Notifications.Region":       "NOTIFICATIONS_REGION",
	"Notifications.Endpoint":     "NOTIFICATIONS_ENDPOINT",
}

// NewConfig loads .env (if present), then the config file at path (if present),
// then environment variables, which win over the file.
func NewConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[Config] failed to load .env: %v", err)
	}

	if env := os.Getenv("FEEDMEDIA_CONFIG"); env != "" {
		path = env
	}

	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			log.Printf("[Config] using defaults and environment only: %v", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Server.Port", "2525")
	v.SetDefault("Server.GRPCPort", "50051")
	v.SetDefault("Server.RequestTimeout", 30*time.Minute)
	v.SetDefault("Database.SSLMode", "disable")
	v.SetDefault("Storage.Driver", DriverS3)
	v.SetDefault("Storage.StagingPrefix", "_blocks")
	v.SetDefault("Storage.MultipartThreshold", "5MB")
	v.SetDefault("Upload.MaxFormMemory", "100MB")
	v.SetDefault("Upload.SessionTTL", 24*time.Hour)
	v.SetDefault("Upload.JanitorInterval", time.Hour)
	v.SetDefault("Upload.StoreAttempts", 3)
	v.SetDefault("Upload.StoreBaseDelay", 200*time.Millisecond)
	v.SetDefault("Upload.StoreMaxDelay", 5*time.Second)
	v.SetDefault("Upload.NameAttempts", 16)
	v.SetDefault("Notifications.Region", "ru-central1")
}

func (c *Config) validate() error {
	if c.Database.Host == "" ||
		c.Database.Port == "" ||
		c.Database.User == "" ||
		c.Database.Password == "" ||
		c.Database.Name == "" {
		return fmt.Errorf("database configuration is incomplete: host=%s, port=%s, user=%s, name=%s",
			c.Database.Host, c.Database.Port, c.Database.User, c.Database.Name)
	}

	switch c.Storage.Driver {
	case DriverS3, DriverMinIO:
		if c.Storage.Bucket == "" || c.Storage.AccessKeyID == "" || c.Storage.SecretAccessKey == "" {
			return fmt.Errorf("storage driver %s needs Bucket, AccessKeyID and SecretAccessKey", c.Storage.Driver)
		}
		if c.Storage.Driver == DriverMinIO && c.Storage.Endpoint == "" {
			return fmt.Errorf("storage driver minio needs Endpoint")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if _, err := c.Storage.MultipartThresholdBytes(); err != nil {
		return err
	}
	if _, err := c.Upload.MaxFormMemoryBytes(); err != nil {
		return err
	}
	return nil
}

// MultipartThresholdBytes parses MultipartThreshold.
func (c *StorageConfig) MultipartThresholdBytes() (int64, error) {
	n, err := units.RAMInBytes(c.MultipartThreshold)
	if err != nil {
		return 0, fmt.Errorf("invalid Storage.MultipartThreshold %q: %w", c.MultipartThreshold, err)
	}
	return n, nil
}

// MaxFormMemoryBytes parses MaxFormMemory.
func (c *UploadConfig) MaxFormMemoryBytes() (int64, error) {
	n, err := units.RAMInBytes(c.MaxFormMemory)
	if err != nil {
		return 0, fmt.Errorf("invalid Upload.MaxFormMemory %q: %w", c.MaxFormMemory, err)
	}
	return n, nil
}

func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Name,
		c.SSLMode,
	)
}

// MigrationURL is the database URL in the form golang-migrate expects.
func (c *DatabaseConfig) MigrationURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Name,
		c.SSLMode,
	)
}
