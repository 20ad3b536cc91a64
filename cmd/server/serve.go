package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"team-copilot-go/internal/config"
	"team-copilot-go/internal/handler"
	"team-copilot-go/internal/middleware"
	"team-copilot-go/internal/pipeline"
	"team-copilot-go/internal/repository"
	"team-copilot-go/internal/service"
	"team-copilot-go/pkg/database"
	"team-copilot-go/pkg/embedding"
	"team-copilot-go/pkg/es"
	"team-copilot-go/pkg/kafka"
	"team-copilot-go/pkg/llm"
	"team-copilot-go/pkg/lock"
	"team-copilot-go/pkg/log"
	"team-copilot-go/pkg/ocr"
	"team-copilot-go/pkg/qdrant"
	"team-copilot-go/pkg/storage"
	"team-copilot-go/pkg/tika"
	"team-copilot-go/pkg/token"
)

// runServe 组装所有依赖并运行到收到停机信号。
func runServe(parent context.Context) error {
	// 1. 初始化配置
	config.Init(configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. 初始化数据库
	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	docRepo := repository.NewDocumentRepository(db)
	userRepo := repository.NewUserRepository(db)

	chunkRepo, closeChunks, err := openChunkStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeChunks()

	locker, err := newLocker(ctx, cfg)
	if err != nil {
		return err
	}

	files, err := newFileStore(ctx, cfg)
	if err != nil {
		return err
	}

	// 4. 外部服务客户端
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	tikaClient := tika.NewClient(cfg.Tika, cfg.OCR)
	embeddingClient := embedding.NewClient(cfg.Embedding)
	llmClient := llm.NewClient(cfg.LLM)

	// 5. 入库管道与调度
	processor := pipeline.NewProcessor(cfg.Ingestion, docRepo, chunkRepo, files, locker, tikaClient, newRecognizer(cfg.OCR, tikaClient), embeddingClient)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	var dispatcher pipeline.Dispatcher
	var waitWorkers func()
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka)
		defer producer.Close()
		consumerDone := make(chan struct{})
		go func() {
			defer close(consumerDone)
			kafka.StartConsumer(workerCtx, cfg.Kafka, processor)
		}()
		dispatcher = producer
		waitWorkers = func() {
			cancelWorkers()
			<-consumerDone
		}
	} else {
		async := pipeline.NewAsyncDispatcher(workerCtx, processor, processor, cfg.Ingestion.Workers)
		dispatcher = async
		waitWorkers = async.Wait
	}

	// 6. 业务服务
	searchService := service.NewSearchService(embeddingClient, chunkRepo, cfg.Retrieval)
	chatService := service.NewChatService(searchService, llmClient, cfg.LLM, cfg.Retrieval, cfg.Chat)
	documentService := service.NewDocumentService(docRepo, chunkRepo, files, locker, dispatcher, processor, cfg.Ingestion.MaxFileSizeMB)
	authService := service.NewAuthService(userRepo, jwtManager)
	userService := service.NewUserService(userRepo)
	if err := userService.EnsureUsers(ctx, cfg.Auth.Users); err != nil {
		cancelWorkers()
		waitWorkers()
		return fmt.Errorf("初始化账号失败: %w", err)
	}

	// 7. 路由
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())
	registerRoutes(r, routeDeps{
		jwtManager:  jwtManager,
		userLookup:  userRepo,
		auth:        handler.NewAuthHandler(authService),
		documents:   handler.NewDocumentHandler(documentService, cfg.Ingestion.MaxFileSizeMB),
		users:       handler.NewUserHandler(userService),
		chat:        handler.NewChatHandler(chatService, jwtManager, userRepo),
		health:      handler.NewHealthHandler(docRepo),
		metricsPath: "/metrics",
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("接收到停机信号，正在关闭服务...")
	case err := <-serveErr:
		log.Error("HTTP 服务监听失败", err)
		cancelWorkers()
		waitWorkers()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP 服务器关闭失败", err)
	}

	// 等待进行中的入库结束，文档不会停留在 processing
	waitWorkers()
	log.Info("服务已优雅关闭")
	return nil
}

type routeDeps struct {
	jwtManager  *token.JWTManager
	userLookup  middleware.UserLookup
	auth        *handler.AuthHandler
	users       *handler.UserHandler
	documents   *handler.DocumentHandler
	chat        *handler.ChatHandler
	health      *handler.HealthHandler
	metricsPath string
}

func registerRoutes(r *gin.Engine, d routeDeps) {
	r.GET("/health/app", d.health.App)
	r.GET("/health/db", d.health.DB)
	r.GET(d.metricsPath, gin.WrapH(promhttp.Handler()))
	r.GET("/chat/ws", d.chat.HandleWebSocket)

	apiV1 := r.Group("/api/v1")
	{
		auth := apiV1.Group("/auth")
		{
			auth.POST("/login", d.auth.Login)
			auth.POST("/refreshToken", d.auth.RefreshToken)
		}

		authed := apiV1.Group("")
		authed.Use(middleware.AuthMiddleware(d.jwtManager, d.userLookup))
		{
			authed.POST("/chat", d.chat.Stream)
			authed.GET("/users/me", d.users.Me)
		}

		// 账号管理仅限员工
		users := apiV1.Group("/users")
		users.Use(middleware.AuthMiddleware(d.jwtManager, d.userLookup), middleware.StaffOnly())
		{
			users.GET("", d.users.List)
			users.POST("", d.users.Create)
			users.GET("/:id", d.users.Get)
			users.DELETE("/:id", d.users.Delete)
		}

		// 文档管理仅限员工
		documents := apiV1.Group("/documents")
		documents.Use(middleware.AuthMiddleware(d.jwtManager, d.userLookup), middleware.StaffOnly())
		{
			documents.POST("", d.documents.Upload)
			documents.GET("", d.documents.List)
			documents.GET("/:id", d.documents.Get)
			documents.DELETE("/:id", d.documents.Delete)
		}
	}
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	if cfg.Driver == "mysql" {
		db, err := database.InitMySQL(cfg.MySQL.DSN)
		if err != nil {
			return nil, err
		}
		return db, database.AutoMigrateMySQL(db)
	}
	return database.InitPostgres(cfg.Postgres)
}

// openChunkStore 根据 vector_store.backend 选择分块存储。
func openChunkStore(ctx context.Context, cfg config.Config, db *gorm.DB) (repository.ChunkRepository, func(), error) {
	noop := func() {}
	switch cfg.VectorStore.Backend {
	case "elasticsearch":
		store, err := es.NewChunkStore(ctx, cfg.Elasticsearch, cfg.Embedding.Dimensions)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	case "qdrant":
		store, err := qdrant.NewChunkStore(ctx, cfg.Qdrant, cfg.Embedding.Dimensions)
		if err != nil {
			return nil, noop, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		repo := repository.NewPgvectorChunkRepository(db)
		if err := repo.CheckDimensions(ctx, cfg.Embedding.Dimensions); err != nil {
			return nil, noop, err
		}
		return repo, noop, nil
	}
}

func newLocker(ctx context.Context, cfg config.Config) (lock.Locker, error) {
	if cfg.Ingestion.Lock != "redis" {
		return lock.NewLocalLocker(), nil
	}
	rdb, err := database.InitRedis(ctx, cfg.Database.Redis)
	if err != nil {
		return nil, err
	}
	return lock.NewRedisLocker(rdb, "team-copilot:lock:", time.Duration(cfg.Ingestion.LockTTLSeconds)*time.Second), nil
}

func newFileStore(ctx context.Context, cfg config.Config) (storage.FileStore, error) {
	if cfg.Storage.Backend == "minio" {
		return storage.NewMinIOStore(ctx, cfg.MinIO)
	}
	return storage.NewLocalStore(cfg.Storage.LocalDir)
}

// newRecognizer 返回配置的 OCR 引擎，engine=none 时返回 nil。
func newRecognizer(cfg config.OCRConfig, tikaClient *tika.Client) pipeline.Recognizer {
	switch cfg.Engine {
	case "tesseract":
		return ocr.NewTesseract(cfg.TesseractPath, cfg.Language, nil)
	case "none":
		return nil
	default:
		return tikaClient
	}
}
