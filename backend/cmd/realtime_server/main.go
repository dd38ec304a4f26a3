package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"realtimeServer/backend/internal/authz"
	"realtimeServer/backend/internal/cache"
	"realtimeServer/backend/internal/collab"
	"realtimeServer/backend/internal/httpapi/handlers"
	"realtimeServer/backend/internal/httpapi/middleware"
	"realtimeServer/backend/internal/store"
	"realtimeServer/backend/internal/worker"
	"realtimeServer/backend/internal/ws"
)

type RealtimeConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		Secret          string `mapstructure:"secret"`
		AccessURL       string `mapstructure:"accessUrl"`
		CacheTTLSeconds int    `mapstructure:"cacheTtlSeconds"`
	} `mapstructure:"Auth"`
	Session struct {
		SweepIntervalSeconds int `mapstructure:"sweepIntervalSeconds"`
		IdleTimeoutSeconds   int `mapstructure:"idleTimeoutSeconds"`
	} `mapstructure:"Session"`
	Presence struct {
		TTLSeconds int `mapstructure:"ttlSeconds"`
	} `mapstructure:"Presence"`
	Archive struct {
		Enabled  bool   `mapstructure:"enabled"`
		Schedule string `mapstructure:"schedule"`
	} `mapstructure:"Archive"`
}

func initConfig() (*RealtimeConfig, error) {
	cfg := &RealtimeConfig{}
	v := viper.New()
	v.SetConfigName("realtimeConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initLogger() {
	if os.Getenv("APP_ENV") == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		logrus.SetLevel(logrus.InfoLevel)
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		logrus.SetLevel(logrus.DebugLevel)
	}
}

func main() {
	initLogger()
	log := logrus.WithField("component", "realtime-server")

	cfg, err := initConfig()
	if err != nil {
		log.WithError(err).Fatal("init config failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(ctx).Err(); err != nil {
		log.WithError(err).Fatal("redis unreachable")
	}
	defer rdb.Close()

	db, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.WithError(err).Fatal("mysql init failed")
	}

	// === 初始化 Kafka Producer ===
	// 没配 broker 就不发领域事件，协作功能本身不受影响
	var producer sarama.SyncProducer
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err = sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.WithError(err).Fatal("kafka producer init failed")
		}
		defer producer.Close()
	} else {
		log.Warn("kafka brokers not configured, op events disabled")
	}

	var dispatcher *collab.KafkaDispatcher
	if producer != nil {
		kafkaSem := collab.NewSemaphoreControl(0)
		// Kafka 本地队列 + worker 重试发送
		dispatcher = collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, kafkaSem, collab.KafkaDispatcherOptions{
			//  Go 允许在数字里用下划线做分隔符，方便阅读
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		})
	}

	notebookStore := store.NewMySQLNotebookStore(db)

	var access collab.AccessChecker
	if cfg.Auth.AccessURL != "" {
		access = authz.NewHTTPChecker(cfg.Auth.AccessURL, time.Duration(cfg.Auth.CacheTTLSeconds)*time.Second)
	} else {
		log.Warn("auth accessUrl not configured, all access checks pass")
		access = authz.PermitAll{}
	}
	verifier := authz.NewTokenVerifier(cfg.Auth.Secret)

	svc := collab.NewNotebookService(notebookStore, notebookStore, access, dispatcher)

	presenceCache := cache.NewRedisPresence(rdb)
	hub := ws.NewHub(presenceCache, time.Duration(cfg.Presence.TTLSeconds)*time.Second)

	registry := ws.NewRegistry(
		time.Duration(cfg.Session.SweepIntervalSeconds)*time.Second,
		time.Duration(cfg.Session.IdleTimeoutSeconds)*time.Second,
	)
	go registry.Run(ctx)

	wsSem := collab.NewSemaphoreControl(0)
	manager := ws.NewManager(hub, registry, svc, access, wsSem)
	nbHandler := handlers.NewNotebookHandler(svc, access, hub, presenceCache)

	// 周期归档 worker 跟主服务一个进程跑
	var workerSrv *worker.WorkerServer
	if cfg.Archive.Enabled && len(cfg.Redis.Addrs) > 0 {
		redisOpt := asynq.RedisClientOpt{Addr: cfg.Redis.Addrs[0], Password: cfg.Redis.Password}
		workerSrv = worker.NewWorkerServer(redisOpt, worker.NewArchiveHandler(hub, svc), cfg.Archive.Schedule)
		go workerSrv.Start()
	}

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	// 添加全局 CORS 中间件
	r.Use(cors.New(cors.Config{
		// 允许任意来源（包含 file:// 场景的 Origin: null）；比 AllowOrigins:["*"] 更兼容
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	// 路由
	collabGroup := r.Group("/collab")
	// 鉴权中间件：从 Authorization 或 ?token= 提取 token，验签后写入身份
	collabGroup.Use(middleware.AuthMiddleware(verifier))
	collabGroup.GET("/ws", manager.WebSocketConnect)
	collabGroup.POST("/notebooks/:notebookId/operations", nbHandler.SubmitOperations)
	collabGroup.GET("/notebooks/:notebookId", nbHandler.GetNotebook)
	collabGroup.GET("/notebooks/:notebookId/members", nbHandler.GetMembers)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}
	go func() {
		log.WithField("addr", srv.Addr).Info("realtime server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	if workerSrv != nil {
		workerSrv.Shutdown()
	}
	if dispatcher != nil {
		dispatcher.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
