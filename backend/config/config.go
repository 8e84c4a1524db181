package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		Host         string        `yaml:"host"`
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"server"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Storage struct {
		UploadDir     string `yaml:"upload_dir"`
		ArchiveFolder string `yaml:"archive_folder"`
	} `yaml:"storage"`

	Logging struct {
		Dir    string `yaml:"dir"`
		AppLog string `yaml:"app_log"`
		Level  string `yaml:"level"`
	} `yaml:"logging"`

	Scheduler struct {
		MaxFirings int `yaml:"max_firings"`
	} `yaml:"scheduler"`

	Submission struct {
		RequestTimeout time.Duration `yaml:"request_timeout"`
		ClaimAttempts  int           `yaml:"claim_attempts"`
		ClaimBackoff   time.Duration `yaml:"claim_backoff"`
	} `yaml:"submission"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults if not specified
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/autopost.db"
	}
	if cfg.Storage.UploadDir == "" {
		cfg.Storage.UploadDir = "./data/uploads"
	}
	if cfg.Storage.ArchiveFolder == "" {
		cfg.Storage.ArchiveFolder = "executed"
	}
	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = "./data/logs"
	}
	if cfg.Logging.AppLog == "" {
		cfg.Logging.AppLog = "./data/logs/app.log"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Scheduler.MaxFirings == 0 {
		cfg.Scheduler.MaxFirings = 10
	}
	if cfg.Submission.RequestTimeout == 0 {
		cfg.Submission.RequestTimeout = 30 * time.Second
	}
	if cfg.Submission.ClaimAttempts == 0 {
		cfg.Submission.ClaimAttempts = 3
	}
	if cfg.Submission.ClaimBackoff == 0 {
		cfg.Submission.ClaimBackoff = 50 * time.Millisecond
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides
func LoadFromEnv(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if set
	if dbPath := os.Getenv("DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if uploadDir := os.Getenv("UPLOAD_DIR"); uploadDir != "" {
		cfg.Storage.UploadDir = uploadDir
	}
	if logDir := os.Getenv("LOG_DIR"); logDir != "" {
		cfg.Logging.Dir = logDir
		cfg.Logging.AppLog = logDir + "/app.log"
	}
	if maxFirings := os.Getenv("MAX_FIRINGS"); maxFirings != "" {
		if val, err := strconv.Atoi(maxFirings); err == nil && val > 0 {
			cfg.Scheduler.MaxFirings = val
		}
	}

	return cfg, nil
}
