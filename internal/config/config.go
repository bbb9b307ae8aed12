package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable the service reads.
const EnvPrefix = "FRIDAY_"

type Config struct {
	Server     ServerConfig     `envPrefix:"SERVER_"`
	Generation GenerationConfig `envPrefix:"GENERATION_"`
	Storage    StorageConfig    `envPrefix:"STORAGE_"`
	Media      MediaConfig      `envPrefix:"MEDIA_"`
	Janitor    JanitorConfig    `envPrefix:"JANITOR_"`
	TTS        TTSConfig        `envPrefix:"TTS_"`
	Log        LogConfig        `envPrefix:"LOG_"`
}

type ServerConfig struct {
	Port int    `env:"PORT"`
	Host string `env:"HOST"`
	// APIToken guards the session routes. See APIToken.
	APIToken string `env:"API_TOKEN"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

const (
	BackendGemini     = "gemini"
	BackendVertex     = "vertex"
	BackendOpenRouter = "openrouter"
)

type GenerationConfig struct {
	Backend           string        `env:"BACKEND"`
	APIKey            string        `env:"API_KEY"`
	Project           string        `env:"PROJECT"`
	Location          string        `env:"LOCATION"`
	OpenRouterAPIKey  string        `env:"OPENROUTER_API_KEY"`
	OpenRouterBaseURL string        `env:"OPENROUTER_BASE_URL"`
	Timeout           time.Duration `env:"TIMEOUT"`
	Temperature       float64       `env:"TEMPERATURE"`
	TopP              float64       `env:"TOP_P"`
	TopK              float64       `env:"TOP_K"`
	MaxOutputTokens   int           `env:"MAX_OUTPUT_TOKENS"`
	ImageTemperature  float64       `env:"IMAGE_TEMPERATURE"`
	MaxContextTokens  int           `env:"MAX_CONTEXT_TOKENS"`
}

const (
	StoreSQLite    = "sqlite"
	StoreFirestore = "firestore"
	StorePostgres  = "postgres"
)

type StorageConfig struct {
	Backend              string `env:"BACKEND"`
	DataDir              string `env:"DATA_DIR"`
	FirestoreProject     string `env:"FIRESTORE_PROJECT"`
	FirestoreCredentials string `env:"FIRESTORE_CREDENTIALS"`
	PostgresURL          string `env:"POSTGRES_URL"`
}

type MediaConfig struct {
	MaxDimension   int   `env:"MAX_DIMENSION"`
	JPEGQuality    int   `env:"JPEG_QUALITY"`
	MaxUploadBytes int64 `env:"MAX_UPLOAD_BYTES"`
}

type JanitorConfig struct {
	Schedule    string `env:"SCHEDULE"`
	MaxAttempts int    `env:"MAX_ATTEMPTS"`
}

type TTSConfig struct {
	BaseURL string `env:"BASE_URL"`
}

type LogConfig struct {
	Level  string `env:"LEVEL"`
	Format string `env:"FORMAT"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
			Host: "127.0.0.1",
		},
		Generation: GenerationConfig{
			Backend:           BackendGemini,
			Location:          "us-central1",
			OpenRouterBaseURL: "https://openrouter.ai/api/v1",
			Timeout:           120 * time.Second,
			Temperature:       1,
			TopP:              0.95,
			TopK:              40,
			MaxOutputTokens:   8192,
			ImageTemperature:  2,
			MaxContextTokens:  900_000,
		},
		Storage: StorageConfig{
			Backend: StoreSQLite,
			DataDir: defaultDataDir(),
		},
		Media: MediaConfig{
			MaxDimension:   800,
			JPEGQuality:    85,
			MaxUploadBytes: 32 << 20,
		},
		Janitor: JanitorConfig{
			Schedule:    "@every 1m",
			MaxAttempts: 5,
		},
		TTS: TTSConfig{
			BaseURL: "https://translate.google.com",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration in increasing precedence: defaults, the JSON file
// at $XDG_CONFIG_HOME/friday/config.json, a .env file in the working
// directory, FRIDAY_* environment variables and finally the secrets file for
// credentials that are still empty.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), newSecretsFile(secretsFilePath()), ".env")
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(account string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore, dotenv string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	// godotenv never overrides variables that are already set.
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read %s: %v. Ignoring it.\n", dotenv, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}

	applySecrets(&cfg, secrets)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applySecrets(cfg *Config, secrets secretStore) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg).(string) != "" {
			continue
		}
		if v, err := secrets.Get(s.account()); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

func validate(cfg Config) error {
	var missing []string
	switch cfg.Generation.Backend {
	case BackendGemini:
		if cfg.Generation.APIKey == "" {
			missing = append(missing, "Gemini API key ("+EnvPrefix+"GENERATION_API_KEY)")
		}
	case BackendVertex:
		if cfg.Generation.Project == "" {
			missing = append(missing, "Vertex AI project ("+EnvPrefix+"GENERATION_PROJECT)")
		}
	case BackendOpenRouter:
		if cfg.Generation.OpenRouterAPIKey == "" {
			missing = append(missing, "OpenRouter API key ("+EnvPrefix+"GENERATION_OPENROUTER_API_KEY)")
		}
	default:
		return fmt.Errorf("unknown generation backend %q (want gemini, vertex or openrouter)", cfg.Generation.Backend)
	}

	switch cfg.Storage.Backend {
	case StoreSQLite:
	case StoreFirestore:
		if cfg.Storage.FirestoreProject == "" {
			missing = append(missing, "Firestore project ("+EnvPrefix+"STORAGE_FIRESTORE_PROJECT)")
		}
	case StorePostgres:
		if cfg.Storage.PostgresURL == "" {
			missing = append(missing, "Postgres URL ("+EnvPrefix+"STORAGE_POSTGRES_URL)")
		}
	default:
		return fmt.Errorf("unknown storage backend %q (want sqlite, firestore or postgres)", cfg.Storage.Backend)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}
