package server

import (
	"context"
	"net/http"
	"time"

	"LiteSupport/config"
	"LiteSupport/handlers"
	"LiteSupport/kafka"
	"LiteSupport/limiter"
	custommiddleware "LiteSupport/middleware"
	"LiteSupport/models"
	"LiteSupport/redis"
	"LiteSupport/registry"
	"LiteSupport/services"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type Server struct {
	Echo            *echo.Echo
	DB              *gorm.DB
	Config          *config.Config
	Hub             *handlers.SupportHub
	AuthHandler     *handlers.AuthHandler
	SupportHandler  *handlers.SupportWebSocketHandler
	HistoryHandler  *handlers.HistoryHandler
	RateLimiter     *limiter.Manager
	archiveConsumer *kafka.Consumer
	consumerCancel  context.CancelFunc
}

func NewServer() *Server {
	// 加载配置
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	if err := models.AutoMigrateAll(db); err != nil {
		log.Fatal("Failed to auto-migrate database:", err)
	}

	// 初始化 Echo
	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"http://localhost:3000"},
		AllowMethods:     []string{echo.GET, echo.POST, echo.PUT, echo.DELETE, echo.PATCH},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		AllowCredentials: true,
		ExposeHeaders:    []string{echo.HeaderContentLength},
		MaxAge:           86400,
	}))

	redisClient, err := redis.NewRedisClient(&cfg.Redis)
	if err != nil {
		// 在线状态和限流是可降级的，Redis 不可用时只记录
		log.Warn("Redis unavailable, presence and rate limiting disabled:", err)
		redisClient = nil
	}

	grace := time.Duration(cfg.Support.SessionGraceSeconds) * time.Second
	if grace <= 0 {
		grace = 60 * time.Second
	}
	reg := registry.New(grace)
	store := services.NewSessionStore(db)

	// Kafka 可选：配置了 broker 就走事件流归档，否则 hub 内联写摘要
	var producer *kafka.Producer
	var consumer *kafka.Consumer
	var consumerCancel context.CancelFunc
	if len(cfg.Kafka.Brokers) > 0 {
		saramaCfg, err := kafka.NewSaramaConfig(&cfg.Kafka)
		if err != nil {
			log.Fatal("Failed to build kafka config:", err)
		}
		producer, err = kafka.NewProducer(cfg.Kafka.Brokers, saramaCfg)
		if err != nil {
			log.Fatal("Failed to create kafka producer:", err)
		}
		consumer, err = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID,
			[]string{cfg.Kafka.Topic}, saramaCfg, kafka.NewSessionEventHandler(store))
		if err != nil {
			log.Fatal("Failed to create kafka consumer:", err)
		}
		var ctx context.Context
		ctx, consumerCancel = context.WithCancel(context.Background())
		go func() {
			if err := consumer.Start(ctx); err != nil {
				log.Error("Kafka consumer stopped:", err)
			}
		}()
	}

	hub := handlers.NewSupportHub(reg, db, redisClient, producer, cfg.Kafka.Topic, store)

	authService := services.NewAuthService(db, &cfg.Auth)
	authHandler := handlers.NewAuthHandler(authService)
	supportHandler := handlers.NewSupportWebSocketHandler(hub)
	historyHandler := handlers.NewHistoryHandler(db, redisClient, reg)

	var rateLimiter *limiter.Manager
	if redisClient != nil {
		rateLimiter = limiter.NewManager(redisClient.Client, &limiter.FixedWindowStrategy{})
	}

	s := &Server{
		Echo:            e,
		DB:              db,
		Config:          &cfg,
		Hub:             hub,
		AuthHandler:     authHandler,
		SupportHandler:  supportHandler,
		HistoryHandler:  historyHandler,
		RateLimiter:     rateLimiter,
		archiveConsumer: consumer,
		consumerCancel:  consumerCancel,
	}

	// --- 设置路由 ---
	authMiddleware := custommiddleware.AuthMiddleware(authService)
	adminMiddleware := custommiddleware.AdminAuthMiddleware()
	s.SetupRoutes(authMiddleware, adminMiddleware)
	return s
}

func (s *Server) Start(addr string) {
	if err := s.Echo.Start(addr); err != nil && err != http.ErrServerClosed {
		log.Fatal("Server start failed:", err)
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.Hub.Stop()
	if s.consumerCancel != nil {
		s.consumerCancel()
	}
	if s.archiveConsumer != nil {
		if err := s.archiveConsumer.Close(); err != nil {
			log.Error("Failed to close kafka consumer:", err)
		}
	}
	return s.Echo.Shutdown(ctx)
}
