package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"valigence/internal/api/handler"
	"valigence/internal/api/router"
	"valigence/internal/config"
	"valigence/internal/outbox"
	"valigence/internal/parser"
	"valigence/internal/processor"
	"valigence/internal/ratelimit"
	"valigence/internal/storage"
	"valigence/internal/tracing"

	"valigence/internal/agent"

	appLogger "valigence/internal/logger"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/spf13/pflag"
	"google.golang.org/genai"

	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
)

var (
	version     = "1.0.0"     //nolint:gochecknoglobals
	serviceName = "valigence" //nolint:gochecknoglobals
)

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "internal/config/config.yaml", "Path to config file")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	initLogger(cfg)
	glog.Info("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 链路追踪，未启用时仅安装W3C传播器
	tracingService := cfg.Tracing.ServiceName
	if tracingService == "" {
		tracingService = serviceName
	}
	tracingShutdown, err := tracing.InitProvider(ctx, tracing.ProviderConfig{
		Enabled:        cfg.Tracing.Enabled,
		Endpoint:       cfg.Tracing.Endpoint,
		ServiceName:    tracingService,
		ServiceVersion: version,
		SamplingRate:   cfg.Tracing.SamplingRate,
	})
	if err != nil {
		glog.Fatalf("初始化链路追踪失败: %v", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := tracingShutdown(shutdownCtx); err != nil {
			glog.Warnf("关闭链路追踪失败: %v", err)
		}
	}()

	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		glog.Fatalf("初始化存储失败: %v", err)
	}
	defer storageManager.Close()
	glog.Info("存储服务初始化成功")

	// 事务发件箱中继，依赖MySQL与RabbitMQ
	var messageRelay *outbox.MessageRelay
	if storageManager.MySQL != nil && storageManager.RabbitMQ != nil {
		relayLogger := log.New(appLogger.Logger, "[MessageRelay] ", log.LstdFlags|log.Lshortfile)
		messageRelay = outbox.NewMessageRelay(storageManager.MySQL.DB(), storageManager.RabbitMQ, relayLogger, &cfg.Outbox)
		messageRelay.Start()
		glog.Info("消息中继服务已启动")
	} else {
		glog.Warn("MySQL或RabbitMQ不可用，消息中继服务未启动")
	}

	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.Gemini.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		glog.Fatalf("初始化Gemini客户端失败: %v", err)
	}
	glog.Info("Gemini客户端初始化成功")

	// 为各解析组件准备调试logger，非debug级别时丢弃输出
	var parserLogger *log.Logger
	if cfg.Logger.Level == "debug" {
		parserLogger = log.New(os.Stderr, "[ParserMain] ", log.LstdFlags|log.Lshortfile)
	} else {
		parserLogger = log.New(io.Discard, "", 0)
	}

	// 角色提取模型与RAG问答模型分开限流，限额表共用
	roleModelName := cfg.RoleExtractor.ModelName
	if roleModelName == "" {
		roleModelName = cfg.GetModelForTask("role_extraction")
	}
	roleChatModel, err := agent.NewGeminiChatModel(genaiClient, roleModelName,
		agent.WithModelTemperature(cfg.RoleExtractor.Temperature),
		agent.WithModelMaxTokens(cfg.RoleExtractor.MaxTokens),
		agent.WithModelLogger(parserLogger),
	)
	if err != nil {
		glog.Fatalf("初始化角色提取模型失败: %v", err)
	}
	limitedRoleModel := ratelimit.NewChatModelWithQPM(roleChatModel, roleModelName,
		cfg.ModelQPMLimits, cfg.RoleExtractor.QPM,
		cfg.RoleExtractor.MaxRetries, time.Duration(cfg.RoleExtractor.RetryWaitSeconds)*time.Second)

	ragModelName := cfg.RAG.ModelName
	if ragModelName == "" {
		ragModelName = cfg.GetModelForTask("rag_answer")
	}
	ragChatModel, err := agent.NewGeminiChatModel(genaiClient, ragModelName,
		agent.WithModelTemperature(cfg.RAG.Temperature),
		agent.WithModelMaxTokens(cfg.RAG.MaxTokens),
		agent.WithModelLogger(parserLogger),
	)
	if err != nil {
		glog.Fatalf("初始化RAG问答模型失败: %v", err)
	}
	limitedRAGModel := ratelimit.NewChatModelWithQPM(ragChatModel, ragModelName,
		cfg.ModelQPMLimits, cfg.RAG.QPM,
		cfg.RAG.MaxRetries, time.Duration(cfg.RAG.RetryWaitSeconds)*time.Second)
	glog.Info("Gemini对话模型初始化成功")

	// 文档侧与查询侧使用不同的embedding任务类型
	docEmbedder, err := parser.NewGeminiEmbedder(genaiClient, cfg.Gemini.Embedding,
		parser.WithEmbedderTaskType(parser.TaskTypeRetrievalDocument),
		parser.WithEmbedderLogger(parserLogger),
	)
	if err != nil {
		glog.Fatalf("初始化文档Embedder失败: %v", err)
	}
	queryEmbedder, err := parser.NewGeminiEmbedder(genaiClient, cfg.Gemini.Embedding,
		parser.WithEmbedderTaskType(parser.TaskTypeRetrievalQuery),
		parser.WithEmbedderLogger(parserLogger),
	)
	if err != nil {
		glog.Fatalf("初始化查询Embedder失败: %v", err)
	}
	embeddingModelName := cfg.Gemini.Embedding.Model
	limitedDocEmbedder := ratelimit.NewEmbedderWithQPM(docEmbedder, embeddingModelName,
		cfg.ModelQPMLimits, 0, cfg.RAG.MaxRetries, time.Duration(cfg.RAG.RetryWaitSeconds)*time.Second)
	limitedQueryEmbedder := ratelimit.NewEmbedderWithQPM(queryEmbedder, embeddingModelName,
		cfg.ModelQPMLimits, 0, cfg.RAG.MaxRetries, time.Duration(cfg.RAG.RetryWaitSeconds)*time.Second)
	glog.Info("Gemini Embedder初始化成功")

	// PDF解析器按配置选择eino或native实现
	var pdfExtractor processor.DocumentExtractor
	if cfg.PDF.Extractor == "native" {
		pdfExtractor = parser.NewNativePDFExtractor(
			parser.WithNativeLogger(parserLogger),
			parser.WithNativeTables(cfg.PDF.IncludeTables),
		)
		glog.Info("使用native PDF解析器")
	} else {
		pdfExtractor, err = parser.NewEinoPDFTextExtractor(ctx, parser.WithEinoLogger(parserLogger))
		if err != nil {
			glog.Fatalf("创建Eino PDF提取器失败: %v", err)
		}
		glog.Info("使用Eino PDF解析器")
	}

	xmlParser := parser.NewXMLRoleParser(parser.WithXMLLogger(parserLogger))

	roleExtractor := parser.NewLLMRoleExtractor(limitedRoleModel, parserLogger,
		parser.WithMaxDocumentChars(cfg.RoleExtractor.MaxDocumentChars),
		parser.WithExtractorRetries(cfg.RoleExtractor.MaxRetries, time.Duration(cfg.RoleExtractor.RetryWaitSeconds)*time.Second),
		parser.WithExtractorTimeout(config.GetDuration(cfg.RoleExtractor.ExtractionTimeout, 60*time.Second)),
	)
	glog.Info("角色提取器初始化成功")

	// 会话记忆优先使用Redis，便于多实例共享
	var sessionMemory agent.SessionMemory
	if storageManager.Redis != nil {
		sessionMemory, err = agent.NewRedisSessionMemory(
			storageManager.Redis.Client,
			time.Duration(cfg.Redis.SessionTTLMinutes)*time.Minute,
			cfg.Redis.SessionMaxTurns,
		)
		if err != nil {
			glog.Fatalf("初始化Redis会话记忆失败: %v", err)
		}
		glog.Info("使用Redis会话记忆")
	} else {
		sessionMemory = agent.NewInMemorySessionMemory(cfg.Redis.SessionMaxTurns)
		glog.Warn("Redis不可用，回退到进程内会话记忆")
	}

	components := processor.Components{
		Storage:       storageManager,
		DocExtractor:  pdfExtractor,
		XMLParser:     xmlParser,
		RoleExtractor: roleExtractor,
		Embedder:      limitedDocEmbedder,
		QueryEmbedder: limitedQueryEmbedder,
		ChatModel:     limitedRAGModel,
		Memory:        sessionMemory,
	}
	settingOpts := []processor.SettingOpt{
		processor.WithDebug(cfg.Logger.Level == "debug"),
		processor.WithServiceLogger(appLogger.Logger),
	}

	validationSvc, err := processor.NewValidationService(cfg, components, settingOpts...)
	if err != nil {
		glog.Fatalf("初始化验证服务失败: %v", err)
	}
	indexingSvc, err := processor.NewIndexingService(cfg, components, settingOpts...)
	if err != nil {
		glog.Fatalf("初始化索引服务失败: %v", err)
	}
	ragSvc, err := processor.NewRAGService(cfg, components, settingOpts...)
	if err != nil {
		glog.Fatalf("初始化问答服务失败: %v", err)
	}
	glog.Info("处理服务初始化成功")

	validationHandler := handler.NewValidationHandler(cfg, storageManager, validationSvc, indexingSvc)
	queryHandler := handler.NewQueryHandler(cfg, ragSvc)
	glog.Info("API处理器初始化成功")

	if storageManager.RabbitMQ != nil {
		go func() {
			validationWorkers := 3
			if workers, ok := cfg.RabbitMQ.ConsumerWorkers["validation_consumer_workers"]; ok {
				validationWorkers = workers
			}
			glog.Infof("启动校验任务消费者，预取数: %d", validationWorkers)
			if err := validationHandler.StartValidationConsumer(context.Background(), validationWorkers); err != nil {
				glog.Fatalf("启动校验消费者失败: %v", err)
			}

			indexingWorkers := 2
			if workers, ok := cfg.RabbitMQ.ConsumerWorkers["indexing_consumer_workers"]; ok {
				indexingWorkers = workers
			}
			glog.Infof("启动索引任务消费者，预取数: %d", indexingWorkers)
			if err := validationHandler.StartIndexingConsumer(context.Background(), indexingWorkers); err != nil {
				glog.Fatalf("启动索引消费者失败: %v", err)
			}

			glog.Info("所有消费者已启动")
		}()
	} else {
		glog.Warn("RabbitMQ不可用，后台消费者未启动")
	}

	tracer, tracingCfg := hertztracing.NewServerTracer()
	h := server.New(
		tracer,
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
	)
	h.Use(hertztracing.ServerMiddleware(tracingCfg))
	h.Use(func(c context.Context, ctx *app.RequestContext) {
		glog.CtxInfof(c, "Request: %s %s", string(ctx.Method()), string(ctx.Path()))
		ctx.Next(c)
		glog.CtxInfof(c, "Response: status %d", ctx.Response.StatusCode())
	})

	router.RegisterRoutes(h, cfg, validationHandler, queryHandler)
	glog.Info("HTTP路由注册成功")

	glog.Infof("HTTP 服务器启动中，监听地址: %s", cfg.Server.Address)
	go func() {
		if err := h.Run(); err != nil {
			glog.Fatalf("启动HTTP服务器失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	glog.Info("接收到终止信号，正在优雅退出...")

	if messageRelay != nil {
		messageRelay.Stop()
		glog.Info("消息中继服务已停止")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("服务器关闭失败: %v", err)
	}
	glog.Info("优雅退出完成")
}

// initLogger 初始化zerolog全局日志并桥接到Hertz的hlog
func initLogger(cfg *config.Config) {
	appLogger.Init(appLogger.Config{
		Level:        cfg.Logger.Level,
		Format:       cfg.Logger.Format,
		TimeFormat:   cfg.Logger.TimeFormat,
		ReportCaller: cfg.Logger.ReportCaller,
	})

	glog.SetLogger(hertzadapter.From(appLogger.Logger))
	switch cfg.Logger.Level {
	case "debug":
		glog.SetLevel(glog.LevelDebug)
	case "warn":
		glog.SetLevel(glog.LevelWarn)
	case "error":
		glog.SetLevel(glog.LevelError)
	default:
		glog.SetLevel(glog.LevelInfo)
	}
}
