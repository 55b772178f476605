package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	API         APIConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	NATS        NATSConfig
	Trust       TrustConfig
	Validation  ValidationConfig
	Aggregation AggregationConfig
	Session     SessionConfig
	RateLimit   RateLimitConfig
	Security    SecurityConfig
	Monitoring  MonitoringConfig
}

type APIConfig struct {
	Port        string
	Host        string
	Environment string
}

type DatabaseConfig struct {
	URL          string
	MaxConns     int
	MaxIdleConns int
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	PositionTTL time.Duration
	SettingsTTL time.Duration
}

type NATSConfig struct {
	URL         string
	SubjectBase string
}

// TrustConfig carries the trust policy. The delta magnitudes are the existing
// policy contract, kept as configuration rather than derived constants.
type TrustConfig struct {
	SeedScore          float64
	TrustedThreshold   float64
	DeltaCoordsValid   float64
	DeltaCoordsInvalid float64
	DeltaStopValid     float64
	DeltaStopInvalid   float64
	DeltaSpeedValid    float64
	DeltaSpeedInvalid  float64
	TokenSecret        string
}

type ValidationConfig struct {
	MinLatitude       float64
	MaxLatitude       float64
	MinLongitude      float64
	MaxLongitude      float64
	MaxSpeedMps       float64
	MaxAccuracyMeters float64
}

type AggregationConfig struct {
	RecencyWindow   time.Duration
	FreshnessWindow time.Duration
	TrackerWindow   time.Duration
	RecomputeEvery  time.Duration
	ConfidenceBase  float64
	PerTrackerBoost float64
	WeightShare     float64
}

type SessionConfig struct {
	StaleAfter       time.Duration
	SweepEvery       time.Duration
	SessionRetention time.Duration
	SampleRetention  time.Duration
	CleanupEvery     time.Duration
	MaxDurationScore time.Duration
}

type RateLimitConfig struct {
	Requests       int
	Window         time.Duration
	DeviceRequests int
	DeviceWindow   time.Duration
}

type SecurityConfig struct {
	CORSOrigins []string
	AdminKey    string
}

type MonitoringConfig struct {
	MetricsAddr string
	LogLevel    string
}

func Load() (*Config, error) {
	cfg := &Config{
		API: APIConfig{
			Port:        getEnv("API_PORT", "8080"),
			Host:        getEnv("API_HOST", "0.0.0.0"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Database: DatabaseConfig{
			URL:          getEnv("DATABASE_URL", "postgresql://buspulse:@localhost:5432/buspulse?sslmode=disable"),
			MaxConns:     getEnvInt("DB_MAX_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			Addr:        getEnv("REDIS_ADDR", "localhost:6379"),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getEnvInt("REDIS_DB", 0),
			PositionTTL: getEnvDuration("REDIS_POSITION_TTL", 30*time.Second),
			SettingsTTL: getEnvDuration("REDIS_SETTINGS_TTL", 5*time.Minute),
		},
		NATS: NATSConfig{
			URL:         getEnv("NATS_URL", ""),
			SubjectBase: getEnv("NATS_SUBJECT_BASE", "bus"),
		},
		Trust: TrustConfig{
			SeedScore:          getEnvFloat("TRUST_SEED_SCORE", 0.5),
			TrustedThreshold:   getEnvFloat("TRUST_THRESHOLD", 0.7),
			DeltaCoordsValid:   getEnvFloat("TRUST_DELTA_COORDS_VALID", 0.10),
			DeltaCoordsInvalid: getEnvFloat("TRUST_DELTA_COORDS_INVALID", -0.20),
			DeltaStopValid:     getEnvFloat("TRUST_DELTA_STOP_VALID", 0.15),
			DeltaStopInvalid:   getEnvFloat("TRUST_DELTA_STOP_INVALID", -0.15),
			DeltaSpeedValid:    getEnvFloat("TRUST_DELTA_SPEED_VALID", 0.10),
			DeltaSpeedInvalid:  getEnvFloat("TRUST_DELTA_SPEED_INVALID", -0.30),
			TokenSecret:        getEnv("TOKEN_SECRET", "dev-secret-change-me"),
		},
		Validation: ValidationConfig{
			// Defaults cover the Dhaka metropolitan operating region.
			MinLatitude:       getEnvFloat("REGION_MIN_LAT", 23.60),
			MaxLatitude:       getEnvFloat("REGION_MAX_LAT", 24.00),
			MinLongitude:      getEnvFloat("REGION_MIN_LNG", 90.20),
			MaxLongitude:      getEnvFloat("REGION_MAX_LNG", 90.60),
			MaxSpeedMps:       getEnvFloat("MAX_SPEED_MPS", 22.2),
			MaxAccuracyMeters: getEnvFloat("MAX_ACCURACY_METERS", 100),
		},
		Aggregation: AggregationConfig{
			RecencyWindow:   getEnvDuration("AGG_RECENCY_WINDOW", 2*time.Minute),
			FreshnessWindow: getEnvDuration("AGG_FRESHNESS_WINDOW", 5*time.Minute),
			TrackerWindow:   getEnvDuration("AGG_TRACKER_WINDOW", 2*time.Hour),
			RecomputeEvery:  getEnvDuration("AGG_RECOMPUTE_EVERY", 30*time.Second),
			ConfidenceBase:  getEnvFloat("AGG_CONFIDENCE_BASE", 0.3),
			PerTrackerBoost: getEnvFloat("AGG_PER_TRACKER_BOOST", 0.15),
			WeightShare:     getEnvFloat("AGG_WEIGHT_SHARE", 0.3),
		},
		Session: SessionConfig{
			StaleAfter:       getEnvDuration("SESSION_STALE_AFTER", 2*time.Hour),
			SweepEvery:       getEnvDuration("SESSION_SWEEP_EVERY", 10*time.Minute),
			SessionRetention: getEnvDuration("SESSION_RETENTION", 30*24*time.Hour),
			SampleRetention:  getEnvDuration("SAMPLE_RETENTION", 24*time.Hour),
			CleanupEvery:     getEnvDuration("CLEANUP_EVERY", 6*time.Hour),
			MaxDurationScore: getEnvDuration("SESSION_MAX_DURATION_SCORE", 60*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Requests:       getEnvInt("RATE_LIMIT_REQUESTS", 600),
			Window:         getEnvDuration("RATE_LIMIT_WINDOW", 1*time.Minute),
			DeviceRequests: getEnvInt("RATE_LIMIT_BY_DEVICE", 30),
			DeviceWindow:   getEnvDuration("RATE_LIMIT_DEVICE_WINDOW", 1*time.Minute),
		},
		Security: SecurityConfig{
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"*"}),
			AdminKey:    getEnv("ADMIN_API_KEY", ""),
		},
		Monitoring: MonitoringConfig{
			MetricsAddr: getEnv("METRICS_ADDR", ""),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Trust.SeedScore < 0 || c.Trust.SeedScore > 1 {
		return fmt.Errorf("TRUST_SEED_SCORE must be between 0 and 1")
	}
	if c.Trust.TrustedThreshold < 0 || c.Trust.TrustedThreshold > 1 {
		return fmt.Errorf("TRUST_THRESHOLD must be between 0 and 1")
	}
	if c.Validation.MinLatitude >= c.Validation.MaxLatitude {
		return fmt.Errorf("REGION_MIN_LAT must be below REGION_MAX_LAT")
	}
	if c.Validation.MinLongitude >= c.Validation.MaxLongitude {
		return fmt.Errorf("REGION_MIN_LNG must be below REGION_MAX_LNG")
	}
	if c.Validation.MaxSpeedMps <= 0 {
		return fmt.Errorf("MAX_SPEED_MPS must be positive")
	}
	if c.Aggregation.RecencyWindow <= 0 || c.Aggregation.FreshnessWindow <= 0 {
		return fmt.Errorf("aggregation windows must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				result = append(result, item)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
