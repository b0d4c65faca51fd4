package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config carries every environment-derived setting used by the service.
type Config struct {
	DatabaseURL         string
	Port                string
	JWTSecret           string
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeAPIBase       string
	PlatformFeePercent  int
	RedisAddr           string
}

// Load reads .env (if present) and the process environment.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		Port:                os.Getenv("PORT"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeAPIBase:       os.Getenv("STRIPE_API_BASE"),
		PlatformFeePercent:  10,
		RedisAddr:           os.Getenv("REDIS_ADDR"),
	}

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is not set")
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.StripeAPIBase == "" {
		cfg.StripeAPIBase = "https://api.stripe.com"
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "127.0.0.1:6379"
	}
	if raw := os.Getenv("PLATFORM_FEE_PERCENT"); raw != "" {
		pct, err := strconv.Atoi(raw)
		if err != nil || pct < 0 || pct > 100 {
			log.Fatalf("invalid PLATFORM_FEE_PERCENT %q", raw)
		}
		cfg.PlatformFeePercent = pct
	}

	return cfg
}
