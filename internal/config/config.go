package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultLoginURL = "https://login.salesforce.com"
	callbackPath    = "/sfdc-auth-callback"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string
	HTTPPort    string
	ServiceName string
	PublicURL   string
	FrontendURL string

	DatabaseURL   string
	AutoMigrate   bool
	StateStore    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SalesforceClientID     string
	SalesforceClientSecret string
	SalesforceRedirectURI  string
	SalesforceLoginURL     string
	SalesforceScopes       []string
	SalesforceHTTPTimeout  time.Duration
	OAuthStateTTL          time.Duration
	StatePurgeInterval     time.Duration

	TokenEncryptionKey string

	AuthJWTSecret   string
	AuthJWTAudience string
	SupabaseURL     string
	SupabaseAnonKey string

	RateLimitRPM         int
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// Load reads configuration from environment variables with sane defaults.
// Only the settings needed to boot are enforced here; flow settings are checked
// per request so a half-configured deployment still answers with a clear error.
func Load() (Config, error) {
	_ = godotenv.Load()

	publicURL := strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_URL")), "/")
	redirectURI := strings.TrimSpace(os.Getenv("SFDC_REDIRECT_URI"))
	if redirectURI == "" && publicURL != "" {
		redirectURI = publicURL + callbackPath
	}

	cfg := Config{
		Environment: getEnv("APP_ENV", "development"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "sfconnect"),
		PublicURL:   publicURL,
		FrontendURL: strings.TrimRight(strings.TrimSpace(os.Getenv("FRONTEND_URL")), "/"),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		AutoMigrate:   getBool("DB_AUTO_MIGRATE", false),
		StateStore:    strings.ToLower(getEnv("STATE_STORE", "postgres")),
		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		SalesforceClientID:     strings.TrimSpace(os.Getenv("SFDC_CLIENT_ID")),
		SalesforceClientSecret: strings.TrimSpace(os.Getenv("SFDC_CLIENT_SECRET")),
		SalesforceRedirectURI:  redirectURI,
		SalesforceLoginURL:     strings.TrimRight(getEnv("SFDC_LOGIN_URL", defaultLoginURL), "/"),
		SalesforceScopes:       getFields("SFDC_SCOPES", []string{"api", "id", "openid", "refresh_token"}),
		SalesforceHTTPTimeout:  getDuration("SFDC_HTTP_TIMEOUT", 10*time.Second),
		OAuthStateTTL:          getDuration("OAUTH_STATE_TTL", 10*time.Minute),
		StatePurgeInterval:     getDuration("OAUTH_STATE_PURGE_INTERVAL", time.Hour),

		TokenEncryptionKey: strings.TrimSpace(os.Getenv("TOKEN_ENCRYPTION_KEY")),

		AuthJWTSecret:   os.Getenv("AUTH_JWT_SECRET"),
		AuthJWTAudience: getEnv("AUTH_JWT_AUDIENCE", "authenticated"),
		SupabaseURL:     strings.TrimRight(strings.TrimSpace(os.Getenv("SUPABASE_URL")), "/"),
		SupabaseAnonKey: strings.TrimSpace(os.Getenv("SUPABASE_ANON_KEY")),

		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 120),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "DELETE", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type", "apikey", "x-client-info"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	switch cfg.StateStore {
	case "postgres":
	case "redis":
		if cfg.RedisAddr == "" {
			return Config{}, fmt.Errorf("REDIS_ADDR is required when STATE_STORE=redis")
		}
	default:
		return Config{}, fmt.Errorf("STATE_STORE must be postgres or redis, got %q", cfg.StateStore)
	}
	if cfg.OAuthStateTTL <= 0 {
		cfg.OAuthStateTTL = 10 * time.Minute
	}

	return cfg, nil
}

// MissingInitiateSettings lists the settings the initiate flow needs but lacks.
func (c Config) MissingInitiateSettings() []string {
	var missing []string
	if c.SalesforceClientID == "" {
		missing = append(missing, "SFDC_CLIENT_ID")
	}
	if c.SalesforceClientSecret == "" {
		missing = append(missing, "SFDC_CLIENT_SECRET")
	}
	if c.SalesforceRedirectURI == "" {
		missing = append(missing, "SFDC_REDIRECT_URI")
	}
	if c.TokenEncryptionKey == "" {
		missing = append(missing, "TOKEN_ENCRYPTION_KEY")
	}
	if c.AuthJWTSecret == "" {
		if c.SupabaseURL == "" {
			missing = append(missing, "SUPABASE_URL")
		}
		if c.SupabaseAnonKey == "" {
			missing = append(missing, "SUPABASE_ANON_KEY")
		}
	}
	return missing
}

// MissingCallbackSettings lists the settings the callback flow needs but lacks.
func (c Config) MissingCallbackSettings() []string {
	missing := c.MissingInitiateSettings()
	if c.FrontendURL == "" {
		missing = append(missing, "FRONTEND_URL")
	}
	return missing
}

// AuthorizeURL is the Salesforce authorization endpoint.
func (c Config) AuthorizeURL() string {
	return c.SalesforceLoginURL + "/services/oauth2/authorize"
}

// TokenURL is the Salesforce token endpoint.
func (c Config) TokenURL() string {
	return c.SalesforceLoginURL + "/services/oauth2/token"
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		return cleanList(strings.Split(v, ","), def)
	}
	return def
}

// getFields accepts space or comma separated values.
func getFields(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		return cleanList(strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' }), def)
	}
	return def
}

func cleanList(parts []string, def []string) []string {
	var cleaned []string
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	if len(cleaned) > 0 {
		return cleaned
	}
	return def
}
