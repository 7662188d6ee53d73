package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr             string
	DatabaseURL          string
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool

	JWTSecret string

	LogLevel  string
	LogFormat string

	WorkerPollInterval        time.Duration
	WateringSweepInterval     time.Duration
	SubscriptionSweepInterval time.Duration

	// push
	FCMProjectID       string
	FCMCredentialsFile string
	PushTimeout        time.Duration

	// plant.id
	PlantIDAPIKey string
	PlantIDURL    string
	MediaDir      string

	// gemini chat
	GeminiAPIKey string
	GeminiURL    string

	FreePlantLimit int
	FreeUsageLimit int
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:             getenv("HTTP_ADDR", ":8080"),
		DatabaseURL:          mustGetenv("DATABASE_URL"),
		CORSAllowCredentials: getenv("CORS_ALLOW_CREDENTIALS", "false") == "true",
		LogLevel:             getenv("LOG_LEVEL", "info"),
		LogFormat:            getenv("LOG_FORMAT", "text"),
		FCMProjectID:         getenv("FCM_PROJECT_ID", ""),
		FCMCredentialsFile:   getenv("FCM_CREDENTIALS_FILE", ""),
		PlantIDAPIKey:        getenv("PLANT_ID_API_KEY", ""),
		PlantIDURL:           getenv("PLANT_ID_URL", "https://api.plant.id/v2/identify"),
		MediaDir:             getenv("MEDIA_DIR", "media"),
		GeminiAPIKey:         getenv("GEMINI_API_KEY", ""),
		GeminiURL:            getenv("GEMINI_URL", "https://generativelanguage.googleapis.com/v1/models/gemini-1.5-flash-002:generateContent"),
	}

	origins := strings.Split(getenv("CORS_ALLOWED_ORIGINS", ""), ",")
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}

	var err error
	if cfg.WorkerPollInterval, err = getduration("WORKER_POLL_INTERVAL", time.Second); err != nil {
		return cfg, err
	}
	if cfg.WateringSweepInterval, err = getduration("WATERING_SWEEP_INTERVAL", time.Hour); err != nil {
		return cfg, err
	}
	if cfg.SubscriptionSweepInterval, err = getduration("SUBSCRIPTION_SWEEP_INTERVAL", time.Hour); err != nil {
		return cfg, err
	}
	if cfg.PushTimeout, err = getduration("PUSH_TIMEOUT", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.FreePlantLimit, err = getint("FREE_PLANT_LIMIT", 3); err != nil {
		return cfg, err
	}
	if cfg.FreeUsageLimit, err = getint("FREE_USAGE_LIMIT", 3); err != nil {
		return cfg, err
	}

	cfg.JWTSecret = mustGetenv("JWT_SECRET")
	return cfg, nil
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func mustGetenv(key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		panic("missing env: " + key)
	}
	return v
}

func getduration(key string, def time.Duration) (time.Duration, error) {
	v := getenv(key, "")
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

func getint(key string, def int) (int, error) {
	v := getenv(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}
