package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration for the ingestion service.
type Config struct {
	Port        string
	DatabaseURL string

	// Webhook verification tokens, one per provider family.
	BridgeVerifyToken string
	CloudVerifyToken  string
	MetaVerifyToken   string

	// Base URL of the WhatsApp bridge, used for follow-up media downloads.
	BridgeBaseURL string

	// Meta Graph API base for Cloud API media and Messenger profile fetches.
	GraphAPIBase string

	// Object storage.
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3PublicURL string
	S3PathStyle bool

	// Realtime pub/sub.
	RabbitURL   string
	RabbitQueue string
}

// LoadConfig loads configuration from environment variables, reading an
// optional .env file first. Environment variables take precedence.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		Port:              os.Getenv("PORT"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		BridgeVerifyToken: os.Getenv("BRIDGE_VERIFY_TOKEN"),
		CloudVerifyToken:  os.Getenv("CLOUD_VERIFY_TOKEN"),
		MetaVerifyToken:   os.Getenv("META_VERIFY_TOKEN"),
		BridgeBaseURL:     os.Getenv("BRIDGE_BASE_URL"),
		GraphAPIBase:      os.Getenv("GRAPH_API_BASE"),
		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3Region:          os.Getenv("S3_REGION"),
		S3Bucket:          os.Getenv("S3_BUCKET"),
		S3AccessKey:       os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:       os.Getenv("S3_SECRET_KEY"),
		S3PublicURL:       os.Getenv("S3_PUBLIC_URL"),
		S3PathStyle:       os.Getenv("S3_PATH_STYLE") == "true",
		RabbitURL:         os.Getenv("RABBITMQ_URL"),
		RabbitQueue:       os.Getenv("RABBITMQ_QUEUE"),
	}

	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.GraphAPIBase == "" {
		cfg.GraphAPIBase = "https://graph.facebook.com/v23.0"
	}
	if cfg.RabbitQueue == "" {
		cfg.RabbitQueue = "chat_events"
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}
