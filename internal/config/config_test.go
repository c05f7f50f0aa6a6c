package config

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/aaquiib/disease-2.0/internal/predictor"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil, lookupFrom(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != DefaultPort || cfg.ModelPath != DefaultModelPath || cfg.EntryPoint != DefaultEntryPoint {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if want := []string{"Early Blight", "Late Blight", "Healthy"}; !reflect.DeepEqual(cfg.ClassNames, want) {
		t.Fatalf("class names %v, want %v", cfg.ClassNames, want)
	}
	if want := []string{"http://localhost", "http://127.0.0.1:5500"}; !reflect.DeepEqual(cfg.CORSOrigins, want) {
		t.Fatalf("cors origins %v, want %v", cfg.CORSOrigins, want)
	}
	if cfg.InputLayout != predictor.LayoutNHWC || cfg.PredictTimeout != 0 || cfg.CacheTTL != 10*time.Minute {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestParseEnvironmentAndFlags(t *testing.T) {
	env := map[string]string{
		"PORT":               "9000",
		"CLASS_NAMES":        " Scab , Rust,Healthy ,",
		"CORS_ORIGINS":       "https://leaf.example",
		"MODEL_INPUT_LAYOUT": "NCHW",
		"PREDICT_TIMEOUT":    "3s",
	}
	cfg, err := Parse([]string{"--port", "9100", "--output-name", "probabilities"}, lookupFrom(env))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "9100" {
		t.Fatalf("expected flag to win, got port %s", cfg.Port)
	}
	if cfg.OutputName != "probabilities" {
		t.Fatalf("unexpected output name %s", cfg.OutputName)
	}
	if want := []string{"Scab", "Rust", "Healthy"}; !reflect.DeepEqual(cfg.ClassNames, want) {
		t.Fatalf("class names %v, want %v", cfg.ClassNames, want)
	}
	if cfg.InputLayout != predictor.LayoutNCHW || cfg.PredictTimeout != 3*time.Second {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestParseRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"duration":  {"PREDICT_TIMEOUT": "soon"},
		"layout":    {"MODEL_INPUT_LAYOUT": "hwc"},
		"duplicate": {"CLASS_NAMES": "Healthy,Healthy"},
		"negative":  {"SHUTDOWN_TIMEOUT": "-1s"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(nil, lookupFrom(env)); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	_, err := Parse([]string{"--class-names", " , "}, lookupFrom(nil))
	if err == nil || !strings.Contains(err.Error(), "class name") {
		t.Fatalf("expected empty class list to fail, got %v", err)
	}
}
