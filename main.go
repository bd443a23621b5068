package main

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"zapcrm/config"
	"zapcrm/internal/adapters/bridge"
	"zapcrm/internal/adapters/cloudapi"
	"zapcrm/internal/adapters/meta"
	"zapcrm/internal/handlers"
	"zapcrm/internal/ingest"
	"zapcrm/internal/media"
	"zapcrm/internal/realtime"
	"zapcrm/internal/store"
	"zapcrm/pkg/logger"
)

func main() {
	logger.InitLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()
	if err := store.InitSchema(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database schema")
	}

	chats := store.NewChatRepo(db)
	messages := store.NewMessageRepo(db)
	bindings := store.NewBindingRepo(db)

	s3, err := media.NewS3Store(media.S3Config{
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		PublicURL: cfg.S3PublicURL,
		PathStyle: cfg.S3PathStyle,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize object storage")
	}
	pipeline := media.NewPipeline(s3, cfg.BridgeBaseURL, cfg.GraphAPIBase)

	hub := realtime.NewHub()
	go hub.Run()

	var queue ingest.Publisher = realtime.NopPublisher{}
	if cfg.RabbitURL != "" {
		amqp, err := realtime.NewAMQPPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
		}
		defer amqp.Close()
		queue = amqp
	} else {
		log.Info().Msg("RABBITMQ_URL is not set, queue publishing disabled")
	}
	notifier := realtime.NewFanout(queue, hub)

	service := ingest.NewService(bindings, chats, messages, pipeline, notifier)

	server := handlers.NewServer(
		service,
		bridge.New(),
		cloudapi.New(),
		meta.New(),
		handlers.VerifyTokens{
			Bridge: cfg.BridgeVerifyToken,
			Cloud:  cfg.CloudVerifyToken,
			Meta:   cfg.MetaVerifyToken,
		},
		hub,
	)

	log.Info().Str("port", cfg.Port).Msg("Server starting")
	if err := http.ListenAndServe(":"+cfg.Port, server.Router()); err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
}
