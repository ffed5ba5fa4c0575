package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"valigence/internal/agent"
	"valigence/internal/config"
	"valigence/internal/processor"
	"valigence/internal/storage"
	"valigence/internal/types"
)

// runQueryCommand 问答子命令。
// 针对一次已完成索引的校验运行做检索增强问答，需要MySQL与Qdrant可用。
func runQueryCommand(args []string) {
	fs := pflag.NewFlagSet("query", pflag.ExitOnError)
	runUUID := fs.StringP("run", "r", "", "校验运行UUID(必填)")
	question := fs.StringP("question", "q", "", "提问内容(必填)")
	topK := fs.Int("top-k", 0, "检索分块数量，0表示用配置默认值")
	sessionID := fs.String("session", "", "会话ID，留空为一次性问答")
	configPath := fs.StringP("config", "c", "internal/config/config.yaml", "配置文件路径")
	verbose := fs.BoolP("verbose", "v", false, "输出组件调试日志")
	if err := fs.Parse(args); err != nil {
		fmt.Printf("错误: 解析参数失败: %v\n", err)
		os.Exit(1)
	}

	if *runUUID == "" || *question == "" {
		fmt.Println("错误: --run 与 --question 均为必填参数")
		fs.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("错误: 加载配置失败: %v\n", err)
		os.Exit(1)
	}
	lg := newToolLogger(*verbose)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		fmt.Printf("错误: 初始化存储失败: %v\n", err)
		os.Exit(1)
	}
	defer storageManager.Close()
	if storageManager.MySQL == nil || storageManager.Qdrant == nil {
		fmt.Println("错误: 问答需要MySQL与Qdrant均可用，请检查配置")
		os.Exit(1)
	}

	client, err := buildGeminiClient(ctx, cfg)
	if err != nil {
		fmt.Printf("错误: 初始化Gemini客户端失败: %v\n", err)
		os.Exit(1)
	}
	queryEmbedder, err := buildQueryEmbedder(cfg, client, lg)
	if err != nil {
		fmt.Printf("错误: %v\n", err)
		os.Exit(1)
	}
	ragModel, err := buildRAGModel(cfg, client, lg)
	if err != nil {
		fmt.Printf("错误: %v\n", err)
		os.Exit(1)
	}

	var memory agent.SessionMemory
	if storageManager.Redis != nil {
		memory, err = agent.NewRedisSessionMemory(
			storageManager.Redis.Client,
			time.Duration(cfg.Redis.SessionTTLMinutes)*time.Minute,
			cfg.Redis.SessionMaxTurns,
		)
		if err != nil {
			fmt.Printf("错误: 初始化Redis会话记忆失败: %v\n", err)
			os.Exit(1)
		}
	} else {
		memory = agent.NewInMemorySessionMemory(cfg.Redis.SessionMaxTurns)
	}

	ragSvc, err := processor.NewRAGService(cfg, processor.Components{
		Storage:       storageManager,
		QueryEmbedder: queryEmbedder,
		ChatModel:     ragModel,
		Memory:        memory,
	})
	if err != nil {
		fmt.Printf("错误: 创建问答服务失败: %v\n", err)
		os.Exit(1)
	}

	start := time.Now()
	resp, err := ragSvc.AnswerQuestion(ctx, types.QueryRequest{
		RunUUID:   *runUUID,
		Question:  *question,
		SessionID: *sessionID,
		TopK:      *topK,
	})
	if err != nil {
		fmt.Printf("错误: 问答失败: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("===== 回答 (用时 %v) =====\n", time.Since(start))
	fmt.Println(resp.Answer)
	if resp.SessionID != "" {
		fmt.Printf("\n会话ID: %s\n", resp.SessionID)
	}
	if len(resp.Sources) > 0 {
		fmt.Printf("\n===== 引用片段 (共 %d 个) =====\n", len(resp.Sources))
		for _, src := range resp.Sources {
			fmt.Printf("[分块 %d] 相似度 %.3f\n%s\n\n", src.ChunkIndex, src.Score, src.Preview)
		}
	}
}
