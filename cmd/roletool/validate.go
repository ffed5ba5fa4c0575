package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"valigence/internal/config"
	"valigence/internal/parser"
	"valigence/internal/reconcile"
)

// runValidateCommand 校验子命令。
// 在进程内走完整流水线: XML权威角色 + PDF文本 + LLM角色提取 + 角色对比，
// 报告输出到stdout，不落库不投递消息。
func runValidateCommand(args []string) {
	fs := pflag.NewFlagSet("validate", pflag.ExitOnError)
	xmlPath := fs.StringP("xml", "x", "", "XML角色定义文件路径(必填)")
	pdfPath := fs.StringP("pdf", "p", "", "PDF文档路径(必填)")
	configPath := fs.StringP("config", "c", "", "配置文件路径，留空用内置默认值")
	threshold := fs.IntP("threshold", "t", 0, "模糊匹配阈值 1-100，0表示用配置默认值")
	chunkSize := fs.Int("chunk-size", 0, "分块长度，0表示用配置默认值")
	chunkOverlap := fs.Int("chunk-overlap", 0, "分块重叠长度(仅与--chunk-size一起生效)")
	engine := fs.String("engine", "", "PDF提取引擎 (eino|native)，留空用配置值")
	format := fs.StringP("format", "f", "json", "输出格式 (json|text)")
	verbose := fs.BoolP("verbose", "v", false, "输出组件调试日志")
	if err := fs.Parse(args); err != nil {
		fmt.Printf("错误: 解析参数失败: %v\n", err)
		os.Exit(1)
	}

	if *xmlPath == "" || *pdfPath == "" {
		fmt.Println("错误: --xml 与 --pdf 均为必填参数")
		fs.Usage()
		os.Exit(1)
	}
	if *format != "json" && *format != "text" {
		fmt.Printf("错误: 未知输出格式 %q，支持 json 或 text\n", *format)
		os.Exit(1)
	}

	cfg := loadToolConfig(*configPath)
	lg := newToolLogger(*verbose)

	// 参数解析规则与HTTP提交一致: 0取配置默认值，chunk-size未给时忽略chunk-overlap
	defThreshold, defSize, defOverlap := cfg.EngineSettings()
	effThreshold := *threshold
	if effThreshold == 0 {
		effThreshold = defThreshold
	}
	effSize, effOverlap := *chunkSize, *chunkOverlap
	if effSize == 0 {
		effSize, effOverlap = defSize, defOverlap
	}
	engineCfg := reconcile.Config{Threshold: effThreshold, ChunkSize: effSize, Overlap: effOverlap}
	if err := engineCfg.Validate(); err != nil {
		fmt.Printf("错误: 引擎参数无效: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	xmlRoles := mustExtractXMLRoles(ctx, *xmlPath, lg)
	fmt.Fprintf(os.Stderr, "权威角色解析完成: %d 个\n", len(xmlRoles))

	pdfText := mustExtractPDFText(ctx, cfg, *pdfPath, *engine, lg)
	fmt.Fprintf(os.Stderr, "PDF文本提取完成: %d 字符\n", len([]rune(pdfText)))

	roleExtractor, err := buildRoleExtractor(ctx, cfg, lg)
	if err != nil {
		fmt.Printf("错误: 创建角色提取器失败: %v\n", err)
		os.Exit(1)
	}
	pdfRoles, err := roleExtractor.ExtractRoles(ctx, pdfText)
	if err != nil {
		fmt.Printf("错误: LLM角色提取失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "LLM角色提取完成: %d 个\n", len(pdfRoles))

	report, err := reconcile.CompareRoles(xmlRoles, pdfRoles, engineCfg)
	if err != nil {
		fmt.Printf("错误: 角色对比失败: %v\n", err)
		os.Exit(1)
	}

	if *format == "json" {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Printf("错误: 序列化报告失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
		return
	}
	printTextReport(report, engineCfg)
}

func mustExtractXMLRoles(ctx context.Context, path string, lg *log.Logger) []string {
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
	roles, err := parser.NewXMLRoleParser(parser.WithXMLLogger(lg)).ExtractRolesFromBytes(ctx, data)
	if err != nil {
		fmt.Printf("错误: 解析XML角色失败: %v\n", err)
		os.Exit(1)
	}
	return roles
}

func mustExtractPDFText(ctx context.Context, cfg *config.Config, path, engine string, lg *log.Logger) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		fmt.Printf("错误: 解析文件路径失败: %v\n", err)
		os.Exit(1)
	}
	extractor, err := buildDocExtractor(ctx, cfg, engine, lg)
	if err != nil {
		fmt.Printf("错误: 创建PDF提取器失败: %v\n", err)
		os.Exit(1)
	}
	text, _, err := extractor.ExtractFromFile(ctx, absPath)
	if err != nil {
		fmt.Printf("错误: 提取PDF文本失败: %v\n", err)
		os.Exit(1)
	}
	return text
}

func printTextReport(report *reconcile.Report, cfg reconcile.Config) {
	fmt.Println("===== 校验报告 =====")
	fmt.Printf("匹配阈值: %d, 分块: %d/%d\n", cfg.Threshold, cfg.ChunkSize, cfg.Overlap)
	fmt.Printf("权威角色: %d 个, 提取角色: %d 个\n", report.AuthoritativeTotal, report.ExtractedTotal)

	fmt.Printf("\n精确匹配 (%d 个):\n", len(report.Matched))
	for _, role := range report.Matched {
		fmt.Printf("  - %s\n", role)
	}

	fmt.Printf("\n模糊匹配 (%d 对):\n", len(report.FuzzyMatched))
	for _, pair := range report.FuzzyMatched {
		mode := ""
		if pair.Partial {
			mode = ", 部分包含"
		}
		fmt.Printf("  ~ %q 对应 %q (得分 %d%s)\n", pair.Authoritative, pair.Extracted, pair.Score, mode)
	}

	fmt.Printf("\n缺失角色 (%d 个):\n", len(report.Missing))
	for _, role := range report.Missing {
		fmt.Printf("  - %s\n", role)
	}

	fmt.Printf("\n多余角色 (%d 个):\n", len(report.Extra))
	for _, role := range report.Extra {
		fmt.Printf("  + %s\n", role)
	}

	fmt.Println()
	if report.Complete {
		fmt.Println("结论: 完整，权威角色全部被覆盖")
	} else {
		fmt.Println("结论: 不完整，存在缺失角色")
	}
}
