package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App       AppConfig
	Store     StoreConfig
	Ai        AIConfig
	Search    SearchConfig
	Research  ResearchConfig
	Client    ClientConfig
	Bridge    BridgeConfig
	Telemetry TelemetryConfig
}

type AppConfig struct {
	Port               string
	BaseURL            string
	Environment        string
	LogFilePath        string
	HubLogFilePath     string
	CorsAllowedOrigins string
	NatsURL            string
	RedisURL           string
	JwtSecret          string // empty disables bearer auth on /api/research
}

type StoreConfig struct {
	Backend    string // "redis", "postgres" or "memory"
	Connection string // Postgres DSN when Backend == "postgres"
	TTL        time.Duration
}

type AIConfig struct {
	LLMProvider    string // "ollama"
	LLMModel       string
	OllamaBaseURL  string
	RequestTimeout time.Duration
	InputPer1K     float64 // USD per 1k prompt tokens
	OutputPer1K    float64 // USD per 1k completion tokens
}

type SearchConfig struct {
	SearxNGURL  string
	MaxResults  int
	PageMaxSize int64
}

type ResearchConfig struct {
	NumberOfSelectQueries       int
	PercentOfTopQueriesToSearch float64
	PercentOfTopResultsToScan   float64
	MaxConcurrency              int
	CostUpdateInterval          time.Duration
	ConvergenceWindow           int
}

// ClientConfig is read by the research CLI and the bridge's HTTP caller.
type ClientConfig struct {
	APIBaseURL     string
	WSBaseURL      string
	RequestTimeout time.Duration
	MaxReconnects  int
	ReconnectBase  time.Duration
}

type BridgeConfig struct {
	AssistantURL    string
	PollBase        time.Duration
	PollAttempts    int
	MinUsableLength int
	SignalTimeout   time.Duration
}

type TelemetryConfig struct {
	OtelEnabled  bool
	OtelEndpoint string
	ServiceName  string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, using system environment")
	}

	port := getEnv("APP_PORT", "3000")
	baseURL := getEnv("APP_BASE_URL", "http://localhost:"+port)

	return &Config{
		App: AppConfig{
			Port:               port,
			BaseURL:            baseURL,
			Environment:        getEnv("GO_ENV", "development"),
			LogFilePath:        getEnv("LOG_FILE_PATH", "logs/app.log"),
			HubLogFilePath:     getEnv("HUB_LOG_FILE_PATH", "logs/websocket.log"),
			CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
			NatsURL:            getEnv("NATS_URL", ""),
			RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
			JwtSecret:          getEnv("JWT_SECRET", ""),
		},
		Store: StoreConfig{
			Backend:    getEnv("MEMORY_STORE", "redis"),
			Connection: getEnv("DB_CONNECTION_STRING", ""),
			TTL:        getEnvAsDuration("MEMORY_TTL", 0),
		},
		Ai: AIConfig{
			LLMProvider:    getEnv("LLM_PROVIDER", "ollama"),
			LLMModel:       getEnv("LLM_MODEL", "llama3"),
			OllamaBaseURL:  getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
			RequestTimeout: getEnvAsDuration("LLM_REQUEST_TIMEOUT", 120*time.Second),
			InputPer1K:     getEnvAsFloat("LLM_INPUT_COST_PER_1K", 0.0005),
			OutputPer1K:    getEnvAsFloat("LLM_OUTPUT_COST_PER_1K", 0.0015),
		},
		Search: SearchConfig{
			SearxNGURL:  getEnv("SEARXNG_URL", "http://localhost:8888"),
			MaxResults:  getEnvAsInt("SEARCH_MAX_RESULTS", 8),
			PageMaxSize: int64(getEnvAsInt("PAGE_MAX_BYTES", 2<<20)),
		},
		Research: ResearchConfig{
			NumberOfSelectQueries:       getEnvAsInt("RESEARCH_NUMBER_OF_QUERIES", 7),
			PercentOfTopQueriesToSearch: getEnvAsFloat("RESEARCH_PERCENT_QUERIES", 0.25),
			PercentOfTopResultsToScan:   getEnvAsFloat("RESEARCH_PERCENT_RESULTS", 0.25),
			MaxConcurrency:              getEnvAsInt("RESEARCH_MAX_CONCURRENCY", 4),
			CostUpdateInterval:          getEnvAsDuration("RESEARCH_COST_INTERVAL", time.Second),
			ConvergenceWindow:           getEnvAsInt("RESEARCH_CONVERGENCE_WINDOW", 0),
		},
		Client: ClientConfig{
			APIBaseURL:     getEnv("RESEARCH_API_BASE_URL", baseURL),
			WSBaseURL:      getEnv("RESEARCH_WS_BASE_URL", "ws://localhost:"+port+"/api/ws"),
			RequestTimeout: getEnvAsDuration("CHAT_REQUEST_TIMEOUT", 40*time.Second),
			MaxReconnects:  getEnvAsInt("WS_MAX_RECONNECTS", 5),
			ReconnectBase:  getEnvAsDuration("WS_RECONNECT_BASE", time.Second),
		},
		Bridge: BridgeConfig{
			AssistantURL:    getEnv("BRIDGE_ASSISTANT_URL", baseURL),
			PollBase:        getEnvAsDuration("BRIDGE_POLL_BASE", 5*time.Second),
			PollAttempts:    getEnvAsInt("BRIDGE_POLL_ATTEMPTS", 3),
			MinUsableLength: getEnvAsInt("BRIDGE_MIN_USABLE_LENGTH", 200),
			SignalTimeout:   getEnvAsDuration("BRIDGE_SIGNAL_TIMEOUT", 3*time.Minute),
		},
		Telemetry: TelemetryConfig{
			OtelEnabled:  getEnv("OTEL_ENABLED", "false") == "true",
			OtelEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "ai-research-backend"),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return fallback
}

// getEnvAsDuration accepts Go duration strings ("40s") or plain seconds ("40").
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
