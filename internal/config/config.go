// Package config reads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds every runtime setting.
type Config struct {
	HTTPAddr string `validate:"required"`
	DataDir  string `validate:"required"`
	WebDir   string
	ModelDir string `validate:"required"`
	LogDir   string
	LogLevel string `validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`
	Env      string `validate:"oneof=development production test"`

	Detector      string `validate:"oneof=yunet service"`
	ServiceScript string

	CameraID     int `validate:"gte=0"`
	CameraFPS    int `validate:"gte=1,lte=120"`
	CameraWidth  int `validate:"gte=0"`
	CameraHeight int `validate:"gte=0"`

	DisplayWidth  int `validate:"gte=0"`
	DisplayHeight int `validate:"gte=0"`

	TickPeriod      time.Duration `validate:"gt=0"`
	SmoothingFactor float64       `validate:"gt=0,lte=1"`
	StaleAfter      time.Duration `validate:"gte=0"`

	HookDir      string
	HookTimeout  time.Duration `validate:"gt=0"`
	HookRate     time.Duration `validate:"gte=0"`
	MinMoodScore float64       `validate:"gte=0,lte=1"`

	// SessionRetention drops finished sessions older than this at startup.
	// Zero keeps everything.
	SessionRetention time.Duration `validate:"gte=0"`

	Tray bool
}

// Load reads the optional env file and then the process environment. A
// missing env file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := getEnv("DATA_DIR", filepath.Join(home, ".moodlens"))

	cfg := &Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		DataDir:       dataDir,
		WebDir:        getEnv("WEB_DIR", findWebDir(dataDir)),
		ModelDir:      getEnv("MODEL_DIR", filepath.Join(dataDir, "models")),
		LogDir:        getEnv("LOG_DIR", filepath.Join(dataDir, "logs")),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		Env:           getEnv("APP_ENV", "development"),
		Detector:      getEnv("DETECTOR", "yunet"),
		ServiceScript: getEnv("SERVICE_SCRIPT", ""),
		HookDir:       getEnv("HOOK_DIR", filepath.Join(dataDir, "hooks")),
	}

	var errs []error
	cfg.CameraID = getInt("CAMERA_ID", 0, &errs)
	cfg.CameraFPS = getInt("CAMERA_FPS", 10, &errs)
	cfg.CameraWidth = getInt("CAMERA_WIDTH", 640, &errs)
	cfg.CameraHeight = getInt("CAMERA_HEIGHT", 480, &errs)
	cfg.DisplayWidth = getInt("DISPLAY_WIDTH", 0, &errs)
	cfg.DisplayHeight = getInt("DISPLAY_HEIGHT", 0, &errs)
	cfg.TickPeriod = getDuration("TICK_PERIOD", 100*time.Millisecond, &errs)
	cfg.SmoothingFactor = getFloat("SMOOTHING_FACTOR", 0.5, &errs)
	cfg.StaleAfter = getDuration("STALE_AFTER", 0, &errs)
	cfg.HookTimeout = getDuration("HOOK_TIMEOUT", 5*time.Second, &errs)
	cfg.HookRate = getDuration("HOOK_RATE", 2*time.Second, &errs)
	cfg.MinMoodScore = getFloat("MIN_MOOD_SCORE", 0.5, &errs)
	cfg.SessionRetention = getDuration("SESSION_RETENTION", 30*24*time.Hour, &errs)
	cfg.Tray = getBool("TRAY", false, &errs)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if (c.DisplayWidth == 0) != (c.DisplayHeight == 0) {
		return errors.New("invalid config: DISPLAY_WIDTH and DISPLAY_HEIGHT must be set together")
	}
	return nil
}

// DatabasePath is the sqlite file under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "moodlens.db")
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int, errs *[]error) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64, errs *[]error) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return f
}

func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func getBool(key string, fallback bool, errs *[]error) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

// findWebDir searches "web", "../web", "../../web" and <dataDir>/web.
// Returns the first existing directory or empty string if none found.
func findWebDir(dataDir string) string {
	candidates := []string{"web", "../web", "../../web", filepath.Join(dataDir, "web")}
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			if abs, err := filepath.Abs(p); err == nil {
				return abs
			}
			return p
		}
	}
	return ""
}
