package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type AppConfig struct {
	LogLevel    string
	ServiceName string

	// optional result sinks, disabled when empty
	DatabaseURL        string
	RabbitMQURL        string
	RedisSentinelHosts string
	RedisMasterName    string
	RedisUrl           string

	OssFuzzDir      string
	BaseRunnerImage string
	BuilderImage    string
	Architecture    string

	Core CoreConfig
}

// CoreConfig is handed to the selection, execution and triage components when
// they are constructed. Nothing below the cmd layer reads the environment.
type CoreConfig struct {
	CIFuzz                         bool          // run-context flag, forwarded as CIFUZZ=True
	AllowedBrokenTargetsPercentage int           // forwarded to the build check step
	ExecutionSlots                 int           // concurrent fuzz targets
	CoverageStorageURL             string        // base of latest_report_info and fuzzer_stats
	BuildsStorageURL               string        // base of <project>-<sanitizer>-latest.version
	HTTPTimeout                    time.Duration // per outbound request
	ReproduceTimeout               time.Duration // per reproduction attempt
	ReproduceRuns                  int           // -runs passed when reproducing a testcase
}

func DefaultCoreConfig() CoreConfig {
	return CoreConfig{
		CIFuzz:                         true,
		AllowedBrokenTargetsPercentage: 0,
		ExecutionSlots:                 runtime.GOMAXPROCS(0),
		CoverageStorageURL:             "https://storage.googleapis.com",
		BuildsStorageURL:               "https://storage.googleapis.com/clusterfuzz-builds",
		HTTPTimeout:                    30 * time.Second,
		ReproduceTimeout:               2 * time.Minute,
		ReproduceRuns:                  100,
	}
}

func LoadConfig() *AppConfig {
	// use a temporary logger for now
	logger := zap.NewExample().Named("config")

	godotenv.Load()

	defaults := DefaultCoreConfig()
	config := &AppConfig{
		LogLevel:           os.Getenv("LOG_LEVEL"),
		ServiceName:        os.Getenv("SERVICE_NAME"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RabbitMQURL:        os.Getenv("RABBITMQ_URL"),
		RedisSentinelHosts: os.Getenv("REDIS_SENTINEL_HOSTS"),
		RedisMasterName:    os.Getenv("REDIS_MASTER"),
		RedisUrl:           os.Getenv("REDIS_URL"),
		OssFuzzDir:         os.Getenv("OSS_FUZZ_DIR"),
		BaseRunnerImage:    os.Getenv("BASE_RUNNER_IMAGE"),
		BuilderImage:       os.Getenv("BUILDER_IMAGE"),
		Architecture:       os.Getenv("ARCHITECTURE"),
		Core: CoreConfig{
			CIFuzz:                         parseBool(os.Getenv("CIFUZZ"), defaults.CIFuzz),
			AllowedBrokenTargetsPercentage: parseInt(os.Getenv("ALLOWED_BROKEN_TARGETS_PERCENTAGE"), defaults.AllowedBrokenTargetsPercentage),
			ExecutionSlots:                 parseInt(os.Getenv("CORE_COUNT"), defaults.ExecutionSlots),
			CoverageStorageURL:             parseString(os.Getenv("COVERAGE_STORAGE_URL"), defaults.CoverageStorageURL),
			BuildsStorageURL:               parseString(os.Getenv("BUILDS_STORAGE_URL"), defaults.BuildsStorageURL),
			HTTPTimeout:                    parseDuration(os.Getenv("HTTP_TIMEOUT"), defaults.HTTPTimeout),
			ReproduceTimeout:               parseDuration(os.Getenv("REPRODUCE_TIMEOUT"), defaults.ReproduceTimeout),
			ReproduceRuns:                  parseInt(os.Getenv("REPRODUCE_RUNS"), defaults.ReproduceRuns),
		},
	}

	if config.LogLevel == "" {
		config.LogLevel = "info" // Set default log level
	}
	if config.ServiceName == "" {
		config.ServiceName = "b3cifuzz" // Default service name
	}
	if config.OssFuzzDir == "" {
		config.OssFuzzDir = "/opt/oss-fuzz"
	}
	if config.BaseRunnerImage == "" {
		config.BaseRunnerImage = "gcr.io/oss-fuzz-base/base-runner"
	}
	if config.BuilderImage == "" {
		config.BuilderImage = "gcr.io/oss-fuzz/%s"
	}
	if config.Architecture == "" {
		config.Architecture = "x86_64"
	}

	if p := config.Core.AllowedBrokenTargetsPercentage; p < 0 || p > 100 {
		logger.Warn("ALLOWED_BROKEN_TARGETS_PERCENTAGE out of range, using 0", zap.Int("value", p))
		config.Core.AllowedBrokenTargetsPercentage = 0
	}
	if config.Core.ExecutionSlots <= 0 {
		config.Core.ExecutionSlots = 1
	}

	return config
}

func parseDuration(val string, defaultVal time.Duration) time.Duration {
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

func parseInt(val string, defaultVal int) int {
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}

func parseBool(val string, defaultVal bool) bool {
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(strings.ToLower(val))
	if err != nil {
		return defaultVal
	}
	return b
}

func parseString(val, defaultVal string) string {
	if val == "" {
		return defaultVal
	}
	return strings.TrimRight(val, "/")
}
