// Package config resolves service settings from .env files, the
// environment and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/aaquiib/disease-2.0/internal/predictor"
)

// Defaults applied when neither the environment nor flags set a value.
const (
	DefaultPort        = "8000"
	DefaultModelPath   = "model/model.onnx"
	DefaultEntryPoint  = "serving_default"
	DefaultOutputName  = "output_0"
	DefaultClassNames  = "Early Blight,Late Blight,Healthy"
	DefaultCORSOrigins = "http://localhost,http://127.0.0.1:5500"
)

// Config holds every setting of the service. It is built once at startup
// and never mutated.
type Config struct {
	Port            string
	ModelPath       string
	EntryPoint      string
	OutputName      string
	InputLayout     predictor.Layout
	ONNXRuntimeLib  string
	ClassNames      []string
	CORSOrigins     []string
	PredictTimeout  time.Duration
	ShutdownTimeout time.Duration
	RedisAddr       string
	CacheTTL        time.Duration
	DatabaseDSN     string
	JWTSecret       string
	JWTAudience     string
	GRPCHealthAddr  string
	LogLevel        string
}

// Load reads .env and .env.local when present, then resolves the
// configuration from the process environment and args.
func Load(args []string) (*Config, error) {
	for _, file := range []string{".env", ".env.local"} {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return Parse(args, os.LookupEnv)
}

// Parse resolves the configuration from lookup and args. Flags win over
// environment variables.
func Parse(args []string, lookup func(string) (string, bool)) (*Config, error) {
	env := func(key, fallback string) string {
		if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
		return fallback
	}

	predictTimeout, err := parseDuration("PREDICT_TIMEOUT", env("PREDICT_TIMEOUT", "0s"))
	if err != nil {
		return nil, err
	}
	shutdownTimeout, err := parseDuration("SHUTDOWN_TIMEOUT", env("SHUTDOWN_TIMEOUT", "15s"))
	if err != nil {
		return nil, err
	}
	cacheTTL, err := parseDuration("CACHE_TTL", env("CACHE_TTL", "10m"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	var layout string
	fs := flag.NewFlagSet("leaf-api", flag.ContinueOnError)
	fs.StringVar(&cfg.Port, "port", env("PORT", DefaultPort), "HTTP listen port")
	fs.StringVar(&cfg.ModelPath, "model-path", env("MODEL_PATH", DefaultModelPath), "ONNX model artifact")
	fs.StringVar(&cfg.EntryPoint, "entry-point", env("MODEL_ENTRY_POINT", DefaultEntryPoint), "model input fed with the image batch")
	fs.StringVar(&cfg.OutputName, "output-name", env("MODEL_OUTPUT_NAME", DefaultOutputName), "model output holding class scores")
	fs.StringVar(&layout, "input-layout", env("MODEL_INPUT_LAYOUT", string(predictor.LayoutNHWC)), "model input layout, nhwc or nchw")
	fs.StringVar(&cfg.ONNXRuntimeLib, "onnxruntime-lib", env("ONNXRUNTIME_LIB", ""), "path to the onnxruntime shared library")
	fs.StringSliceVar(&cfg.ClassNames, "class-names", splitList(env("CLASS_NAMES", DefaultClassNames)), "class labels in model output order")
	fs.StringSliceVar(&cfg.CORSOrigins, "cors-origins", splitList(env("CORS_ORIGINS", DefaultCORSOrigins)), "allowed CORS origins")
	fs.DurationVar(&cfg.PredictTimeout, "predict-timeout", predictTimeout, "bound on a single prediction, 0 disables")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", shutdownTimeout, "graceful shutdown deadline")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", env("REDIS_ADDR", ""), "Redis address for the prediction cache, empty disables")
	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", cacheTTL, "prediction cache TTL")
	fs.StringVar(&cfg.DatabaseDSN, "database-dsn", env("DATABASE_DSN", ""), "Postgres DSN for prediction history, empty disables")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", env("JWT_SECRET", ""), "HMAC secret guarding prediction routes, empty disables")
	fs.StringVar(&cfg.JWTAudience, "jwt-audience", env("JWT_AUDIENCE", ""), "required token audience")
	fs.StringVar(&cfg.GRPCHealthAddr, "grpc-health-addr", env("GRPC_HEALTH_ADDR", ""), "gRPC health listen address, empty disables")
	fs.StringVar(&cfg.LogLevel, "log-level", env("LOG_LEVEL", "info"), "log level")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.ClassNames = cleanList(cfg.ClassNames)
	cfg.CORSOrigins = cleanList(cfg.CORSOrigins)
	if cfg.InputLayout, err = predictor.ParseLayout(layout); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ModelPath == "" {
		return errors.New("model path is required")
	}
	if c.EntryPoint == "" || c.OutputName == "" {
		return errors.New("model entry point and output name are required")
	}
	if len(c.ClassNames) == 0 {
		return errors.New("at least one class name is required")
	}
	seen := make(map[string]struct{}, len(c.ClassNames))
	for _, name := range c.ClassNames {
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate class name %q", name)
		}
		seen[name] = struct{}{}
	}
	if len(c.CORSOrigins) == 0 {
		return errors.New("at least one CORS origin is required")
	}
	if c.PredictTimeout < 0 || c.ShutdownTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(value string) []string {
	return cleanList(strings.Split(value, ","))
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
