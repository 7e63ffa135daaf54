package core

import (
	"log"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	Config struct {
		Env                       string
		Build                     string
		Debug                     bool
		TestMode                  bool
		AppName                   string
		SecretKey                 string
		FrontendBaseURL           string
		PasswordResetTimeoutDelta time.Duration
		RollbarToken              string
		SendgridApiKey            string

		defaultFromEmail string

		Server    ServerConfig
		Database  DatabaseConfig
		RateLimit RateLimitConfig
		Payment   PaymentConfig
		Tutor     TutorConfig
		Coaching  CoachingConfig
		Report    ReportConfig
	}

	ServerConfig struct {
		Host                      string
		Addr                      string
		DebugHost                 string
		ReadTimeout               time.Duration
		WriteTimeout              time.Duration
		ShutdownTimeout           time.Duration
		JWTExpirationDelta        time.Duration
		JWTRefreshExpirationDelta time.Duration
		DisableReqLogs            bool
		ExpiryCheckInterval       time.Duration
	}

	DatabaseConfig struct {
		Engine        string // postgres | sqlite
		Host          string
		Port          string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
		Path          string // sqlite only
	}

	// RateLimitConfig holds per-minute request limits per endpoint class.
	RateLimitConfig struct {
		Auth    int
		Tutor   int
		Webhook int
		Other   int
	}

	PaymentConfig struct {
		Gateway          string
		WebhookSecret    string
		WebhookTolerance time.Duration
		Currency         string
	}

	TutorConfig struct {
		Provider          string // gemini | canned
		Model             string
		ApiKey            string
		CreditsPerMessage int
		HistoryWindow     int
		Timeout           time.Duration
	}

	CoachingConfig struct {
		CreditsPerHour     int
		CancellationWindow time.Duration
	}

	ReportConfig struct {
		ShareMaxAge time.Duration
	}
)

func (c *Config) DefaultFromEmail() mail.Address {
	return mail.Address{Name: c.AppName, Address: c.defaultFromEmail}
}

func (d DatabaseConfig) Address() string {
	if d.Port == "" {
		return d.Host
	}
	return d.Host + ":" + d.Port
}

// NewConfig loads the configuration of the current ENV (DEV by default) from the environment.
// Variables are prefixed with the ENV name, eg. PROD_SECRET_KEY or DEV_DATABASE_HOST.
func NewConfig() *Config {
	v := viper.New()

	env := strings.ToUpper(os.Getenv("ENV")) // DEV (local; default), TEST, QA, PROD
	if env == "" {
		env = "DEV"
	}

	// defaults
	v.SetTypeByDefaultValue(true)
	v.SetDefault("build", "develop")
	v.SetDefault("debug", env == "DEV" || env == "TEST")
	v.SetDefault("test_mode", env == "TEST")
	v.SetDefault("app_name", "Tutora")
	v.SetDefault("secret_key", "k2#n8f-tq(4z!r)w7b$+1u=ve@x0y&jd5a^c%hs3l6m*gp9o")
	v.SetDefault("frontend_base_url", "http://localhost:3000")
	v.SetDefault("default_from_email", "noreply@localhost")
	v.SetDefault("password_reset_timeout_delta", 3*24*time.Hour)
	v.SetDefault("rollbar_token", "")
	v.SetDefault("sendgrid_api_key", "")

	v.SetDefault("server_host", "localhost")
	v.SetDefault("server_addr", ":8000")
	v.SetDefault("server_debug_host", ":4000")
	v.SetDefault("server_read_timeout", 5*time.Second)
	v.SetDefault("server_write_timeout", 60*time.Second)
	v.SetDefault("server_shutdown_timeout", 5*time.Second)
	v.SetDefault("server_jwt_expiration_delta", 7*24*time.Hour)
	v.SetDefault("server_jwt_refresh_expiration_delta", 30*24*time.Hour)
	v.SetDefault("server_disable_req_logs", false)
	v.SetDefault("server_expiry_check_interval", time.Hour)

	v.SetDefault("database_engine", "postgres")
	v.SetDefault("database_host", "localhost")
	v.SetDefault("database_port", "5432")
	v.SetDefault("database_name", "tutora")
	v.SetDefault("database_user", "tutora")
	v.SetDefault("database_password", "tutora")
	v.SetDefault("database_admin_user", "postgres")
	v.SetDefault("database_admin_password", "")
	v.SetDefault("database_disable_tls", true)
	v.SetDefault("database_path", "tutora.db")

	v.SetDefault("rate_limit_auth", 10)
	v.SetDefault("rate_limit_tutor", 20)
	v.SetDefault("rate_limit_webhook", 120)
	v.SetDefault("rate_limit_other", 300)

	v.SetDefault("payment_gateway", "hosted")
	v.SetDefault("payment_webhook_secret", "whsec-dev")
	v.SetDefault("payment_webhook_tolerance", 5*time.Minute)
	v.SetDefault("payment_currency", "USD")

	v.SetDefault("tutor_provider", "") // canned in debug and test mode, gemini otherwise
	v.SetDefault("tutor_model", "gemini-2.5-flash")
	v.SetDefault("tutor_api_key", "")
	v.SetDefault("tutor_credits_per_message", 1)
	v.SetDefault("tutor_history_window", 20)
	v.SetDefault("tutor_timeout", 30*time.Second)

	v.SetDefault("coaching_credits_per_hour", 10)
	v.SetDefault("coaching_cancellation_window", 24*time.Hour)

	v.SetDefault("report_share_max_age", 14*24*time.Hour)

	v.SetEnvPrefix(env)

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(Getwd(), "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	debug, testMode := v.GetBool("debug"), v.GetBool("test_mode")
	tutorProvider := v.GetString("tutor_provider")
	if tutorProvider == "" {
		tutorProvider = "gemini"
		if debug || testMode {
			tutorProvider = "canned"
		}
	}

	return &Config{
		Env:                       env,
		Build:                     v.GetString("build"),
		Debug:                     debug,
		TestMode:                  testMode,
		AppName:                   v.GetString("app_name"),
		SecretKey:                 v.GetString("secret_key"),
		FrontendBaseURL:           strings.TrimRight(v.GetString("frontend_base_url"), "/"),
		PasswordResetTimeoutDelta: v.GetDuration("password_reset_timeout_delta"),
		RollbarToken:              v.GetString("rollbar_token"),
		SendgridApiKey:            v.GetString("sendgrid_api_key"),
		defaultFromEmail:          v.GetString("default_from_email"),
		Server: ServerConfig{
			Host:                      v.GetString("server_host"),
			Addr:                      v.GetString("server_addr"),
			DebugHost:                 v.GetString("server_debug_host"),
			ReadTimeout:               v.GetDuration("server_read_timeout"),
			WriteTimeout:              v.GetDuration("server_write_timeout"),
			ShutdownTimeout:           v.GetDuration("server_shutdown_timeout"),
			JWTExpirationDelta:        v.GetDuration("server_jwt_expiration_delta"),
			JWTRefreshExpirationDelta: v.GetDuration("server_jwt_refresh_expiration_delta"),
			DisableReqLogs:            v.GetBool("server_disable_req_logs"),
			ExpiryCheckInterval:       v.GetDuration("server_expiry_check_interval"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("database_engine"),
			Host:          v.GetString("database_host"),
			Port:          v.GetString("database_port"),
			Name:          v.GetString("database_name"),
			User:          v.GetString("database_user"),
			Password:      v.GetString("database_password"),
			AdminUser:     v.GetString("database_admin_user"),
			AdminPassword: v.GetString("database_admin_password"),
			DisableTLS:    v.GetBool("database_disable_tls"),
			Path:          v.GetString("database_path"),
		},
		RateLimit: RateLimitConfig{
			Auth:    v.GetInt("rate_limit_auth"),
			Tutor:   v.GetInt("rate_limit_tutor"),
			Webhook: v.GetInt("rate_limit_webhook"),
			Other:   v.GetInt("rate_limit_other"),
		},
		Payment: PaymentConfig{
			Gateway:          v.GetString("payment_gateway"),
			WebhookSecret:    v.GetString("payment_webhook_secret"),
			WebhookTolerance: v.GetDuration("payment_webhook_tolerance"),
			Currency:         strings.ToUpper(v.GetString("payment_currency")),
		},
		Tutor: TutorConfig{
			Provider:          tutorProvider,
			Model:             v.GetString("tutor_model"),
			ApiKey:            v.GetString("tutor_api_key"),
			CreditsPerMessage: v.GetInt("tutor_credits_per_message"),
			HistoryWindow:     v.GetInt("tutor_history_window"),
			Timeout:           v.GetDuration("tutor_timeout"),
		},
		Coaching: CoachingConfig{
			CreditsPerHour:     v.GetInt("coaching_credits_per_hour"),
			CancellationWindow: v.GetDuration("coaching_cancellation_window"),
		},
		Report: ReportConfig{
			ShareMaxAge: v.GetDuration("report_share_max_age"),
		},
	}
}

// NewTestConfig returns the configuration used by test suites.
func NewTestConfig() *Config {
	conf := NewConfig()
	conf.Env = "TEST"
	conf.Debug = false
	conf.TestMode = true
	conf.SecretKey = "secret"
	conf.Database.Engine = "sqlite"
	conf.Server.DisableReqLogs = true
	conf.Tutor.Provider = "canned"
	return conf
}
