package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"valigence/internal/config"
	"valigence/internal/parser"
)

// runExtractCommand 提取子命令。
// --xml 打印权威角色列表；--pdf 打印提取文本，--roles 再对文本做LLM角色提取。
func runExtractCommand(args []string) {
	fs := pflag.NewFlagSet("extract", pflag.ExitOnError)
	xmlPath := fs.StringP("xml", "x", "", "XML角色定义文件路径")
	pdfPath := fs.StringP("pdf", "p", "", "PDF文档路径")
	engine := fs.String("engine", "", "PDF提取引擎 (eino|native)，留空用配置值")
	llmRoles := fs.Bool("roles", false, "对PDF文本调用LLM提取角色(需要Gemini API Key)")
	configPath := fs.StringP("config", "c", "", "配置文件路径，留空用内置默认值")
	maxLen := fs.Int("max-len", 2000, "打印文本的最大字符数，0表示不截断")
	savePath := fs.String("save", "", "提取文本另存到该文件")
	verbose := fs.BoolP("verbose", "v", false, "输出组件调试日志")
	if err := fs.Parse(args); err != nil {
		fmt.Printf("错误: 解析参数失败: %v\n", err)
		os.Exit(1)
	}

	if (*xmlPath == "") == (*pdfPath == "") {
		fmt.Println("错误: 需要且只能指定 --xml 与 --pdf 中的一个")
		fs.Usage()
		os.Exit(1)
	}

	lg := newToolLogger(*verbose)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if *xmlPath != "" {
		extractXMLRoles(ctx, *xmlPath, lg)
		return
	}

	cfg := loadToolConfig(*configPath)
	extractPDFText(ctx, cfg, *pdfPath, *engine, *llmRoles, *maxLen, *savePath, lg)
}

func extractXMLRoles(ctx context.Context, path string, lg *log.Logger) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		fmt.Printf("错误: 解析文件路径失败: %v\n", err)
		os.Exit(1)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		fmt.Printf("错误: 读取XML文件失败: %v\n", err)
		os.Exit(1)
	}

	start := time.Now()
	roles, err := parser.NewXMLRoleParser(parser.WithXMLLogger(lg)).ExtractRolesFromBytes(ctx, data)
	if err != nil {
		fmt.Printf("错误: 解析XML角色失败: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("===== 权威角色 (共 %d 个, 用时 %v) =====\n", len(roles), time.Since(start))
	for i, role := range roles {
		fmt.Printf("%3d. %s\n", i+1, role)
	}
}

func extractPDFText(ctx context.Context, cfg *config.Config, path, engine string, llmRoles bool, maxLen int, savePath string, lg *log.Logger) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		fmt.Printf("错误: 解析文件路径失败: %v\n", err)
		os.Exit(1)
	}
	if _, err := os.Stat(absPath); err != nil {
		fmt.Printf("错误: PDF文件不可用: %v\n", err)
		os.Exit(1)
	}

	extractor, err := buildDocExtractor(ctx, cfg, engine, lg)
	if err != nil {
		fmt.Printf("错误: 创建PDF提取器失败: %v\n", err)
		os.Exit(1)
	}

	start := time.Now()
	text, meta, err := extractor.ExtractFromFile(ctx, absPath)
	if err != nil {
		fmt.Printf("错误: 提取PDF文本失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("提取完成，用时 %v\n", time.Since(start))
	if len(meta) > 0 {
		fmt.Printf("元数据: %v\n", meta)
	}

	fmt.Printf("\n===== 提取的文本 (总计 %d 字符) =====\n", len([]rune(text)))
	printable := text
	if maxLen > 0 && len([]rune(printable)) > maxLen {
		printable = string([]rune(printable)[:maxLen]) + fmt.Sprintf("\n...(已截断，完整内容共 %d 字符)", len([]rune(text)))
	}
	fmt.Println(printable)

	if savePath != "" {
		if err := os.WriteFile(savePath, []byte(text), 0o644); err != nil {
			fmt.Printf("错误: 保存文本失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("完整文本已保存到: %s\n", savePath)
	}

	if !llmRoles {
		return
	}

	roleExtractor, err := buildRoleExtractor(ctx, cfg, lg)
	if err != nil {
		fmt.Printf("错误: 创建角色提取器失败: %v\n", err)
		os.Exit(1)
	}
	start = time.Now()
	roles, err := roleExtractor.ExtractRoles(ctx, text)
	if err != nil {
		fmt.Printf("错误: LLM角色提取失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\n===== LLM提取的角色 (共 %d 个, 用时 %v) =====\n", len(roles), time.Since(start))
	for i, role := range roles {
		fmt.Printf("%3d. %s\n", i+1, role)
	}
}

// loadToolConfig 读取配置文件；路径为空时使用内置默认配置，
// 并补上环境变量里的Gemini API Key。
func loadToolConfig(path string) *config.Config {
	if path != "" {
		cfg, err := config.LoadConfig(path)
		if err != nil {
			fmt.Printf("错误: 加载配置失败: %v\n", err)
			os.Exit(1)
		}
		return cfg
	}
	cfg, err := config.LoadConfigFromString("")
	if err != nil {
		fmt.Printf("错误: 构建默认配置失败: %v\n", err)
		os.Exit(1)
	}
	if envKey := os.Getenv("GEMINI_API_KEY"); envKey != "" {
		cfg.Gemini.APIKey = envKey
	}
	return cfg
}
