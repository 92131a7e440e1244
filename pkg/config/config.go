package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config captures runtime settings shared by the API and worker services.
// Values come from defaults, ./configs/config.yaml, and MEDLIT_* env vars,
// in increasing precedence.
type Config struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`

	ArtifactDir string `mapstructure:"artifact_dir"`
	StudyDir    string `mapstructure:"study_dir"`
	DatasetDir  string `mapstructure:"dataset_dir"`

	// InferenceURL points at the text-generation service backing the
	// generative family. Empty keeps the offline heuristic backend.
	InferenceURL string `mapstructure:"inference_url"`

	// APIKey guards mutating routes when set; empty disables auth.
	APIKey string `mapstructure:"api_key"`

	LogLevel string `mapstructure:"log_level"`

	// PredictRate/PredictBurst bound the prediction endpoint.
	PredictRate  float64 `mapstructure:"predict_rate"`
	PredictBurst int     `mapstructure:"predict_burst"`

	WorkerConcurrency int `mapstructure:"worker_concurrency"`

	// TaskTimeout is the hard wall-clock ceiling for one training or
	// optimization task.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`

	// StuckAfter is the single knob for the reclamation sweep's age
	// threshold; WarnAfter only logs.
	StuckAfter    time.Duration `mapstructure:"stuck_after"`
	WarnAfter     time.Duration `mapstructure:"warn_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	Mirror MirrorConfig `mapstructure:"mirror"`
}

// MirrorConfig enables SFTP mirroring of saved artifact bundles when Host
// is set.
type MirrorConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	PrivateKey string `mapstructure:"private_key"`
	RemoteDir  string `mapstructure:"remote_dir"`
}

// Load reads configuration from defaults, files, and env vars.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("MEDLIT")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("artifact_dir", "./data/artifacts")
	v.SetDefault("study_dir", "./data/studies")
	v.SetDefault("dataset_dir", "")
	v.SetDefault("inference_url", "")
	v.SetDefault("api_key", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("predict_rate", 10.0)
	v.SetDefault("predict_burst", 20)
	v.SetDefault("worker_concurrency", 2)
	v.SetDefault("task_timeout", 2*time.Hour)
	v.SetDefault("stuck_after", 3*time.Hour)
	v.SetDefault("warn_after", time.Hour)
	v.SetDefault("sweep_interval", 10*time.Minute)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}
