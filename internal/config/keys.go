package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
	// secretName is the entry in the secrets file, for secret keys.
	secretName string
}

func (s keySpec) account() string {
	return s.secretName
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "FRIDAY_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.host", typ: kString, env: "FRIDAY_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.api_token", typ: kString, env: "FRIDAY_SERVER_API_TOKEN",
		secret: true, secretName: apiTokenAccount,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "generation.backend", typ: kString, env: "FRIDAY_GENERATION_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Generation.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Backend },
	},
	{
		key: "generation.api_key", typ: kString, env: "FRIDAY_GENERATION_API_KEY",
		secret: true, secretName: "gemini_api_key",
		apply:   func(cfg *Config, v any) { cfg.Generation.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.APIKey },
	},
	{
		key: "generation.project", typ: kString, env: "FRIDAY_GENERATION_PROJECT",
		apply:   func(cfg *Config, v any) { cfg.Generation.Project = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Project },
	},
	{
		key: "generation.location", typ: kString, env: "FRIDAY_GENERATION_LOCATION",
		apply:   func(cfg *Config, v any) { cfg.Generation.Location = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Location },
	},
	{
		key: "generation.openrouter_api_key", typ: kString, env: "FRIDAY_GENERATION_OPENROUTER_API_KEY",
		secret: true, secretName: "openrouter_api_key",
		apply:   func(cfg *Config, v any) { cfg.Generation.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.OpenRouterAPIKey },
	},
	{
		key: "generation.openrouter_base_url", typ: kString, env: "FRIDAY_GENERATION_OPENROUTER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Generation.OpenRouterBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.OpenRouterBaseURL },
	},
	{
		key: "generation.timeout", typ: kDuration, env: "FRIDAY_GENERATION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Generation.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Generation.Timeout },
	},
	{
		key: "generation.temperature", typ: kFloat, env: "FRIDAY_GENERATION_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Generation.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Generation.Temperature },
	},
	{
		key: "generation.top_p", typ: kFloat, env: "FRIDAY_GENERATION_TOP_P",
		apply:   func(cfg *Config, v any) { cfg.Generation.TopP = v.(float64) },
		extract: func(cfg Config) any { return cfg.Generation.TopP },
	},
	{
		key: "generation.top_k", typ: kFloat, env: "FRIDAY_GENERATION_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Generation.TopK = v.(float64) },
		extract: func(cfg Config) any { return cfg.Generation.TopK },
	},
	{
		key: "generation.max_output_tokens", typ: kInt, env: "FRIDAY_GENERATION_MAX_OUTPUT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Generation.MaxOutputTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.MaxOutputTokens },
	},
	{
		key: "generation.image_temperature", typ: kFloat, env: "FRIDAY_GENERATION_IMAGE_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Generation.ImageTemperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Generation.ImageTemperature },
	},
	{
		key: "generation.max_context_tokens", typ: kInt, env: "FRIDAY_GENERATION_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Generation.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.MaxContextTokens },
	},
	{
		key: "storage.backend", typ: kString, env: "FRIDAY_STORAGE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Backend },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FRIDAY_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.firestore_project", typ: kString, env: "FRIDAY_STORAGE_FIRESTORE_PROJECT",
		apply:   func(cfg *Config, v any) { cfg.Storage.FirestoreProject = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.FirestoreProject },
	},
	{
		key: "storage.firestore_credentials", typ: kString, env: "FRIDAY_STORAGE_FIRESTORE_CREDENTIALS",
		apply:   func(cfg *Config, v any) { cfg.Storage.FirestoreCredentials = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.FirestoreCredentials },
	},
	{
		key: "storage.postgres_url", typ: kString, env: "FRIDAY_STORAGE_POSTGRES_URL",
		secret: true, secretName: "postgres_url",
		apply:   func(cfg *Config, v any) { cfg.Storage.PostgresURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.PostgresURL },
	},
	{
		key: "media.max_dimension", typ: kInt, env: "FRIDAY_MEDIA_MAX_DIMENSION",
		apply:   func(cfg *Config, v any) { cfg.Media.MaxDimension = v.(int) },
		extract: func(cfg Config) any { return cfg.Media.MaxDimension },
	},
	{
		key: "media.jpeg_quality", typ: kInt, env: "FRIDAY_MEDIA_JPEG_QUALITY",
		apply:   func(cfg *Config, v any) { cfg.Media.JPEGQuality = v.(int) },
		extract: func(cfg Config) any { return cfg.Media.JPEGQuality },
	},
	{
		key: "media.max_upload_bytes", typ: kInt, env: "FRIDAY_MEDIA_MAX_UPLOAD_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Media.MaxUploadBytes = int64(v.(int)) },
		extract: func(cfg Config) any { return cfg.Media.MaxUploadBytes },
	},
	{
		key: "janitor.schedule", typ: kString, env: "FRIDAY_JANITOR_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Janitor.Schedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Janitor.Schedule },
	},
	{
		key: "janitor.max_attempts", typ: kInt, env: "FRIDAY_JANITOR_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Janitor.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Janitor.MaxAttempts },
	},
	{
		key: "tts.base_url", typ: kString, env: "FRIDAY_TTS_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.TTS.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.TTS.BaseURL },
	},
	{
		key: "log.level", typ: kString, env: "FRIDAY_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "FRIDAY_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

// parseValue converts raw into the Go type of typ. Ints are handled by the
// backend's GetInt.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return nil, fmt.Errorf("unsupported key type %d", typ)
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}
