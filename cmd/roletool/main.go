// roletool 角色校验离线工具。
// 不经过HTTP服务与消息队列，直接在进程内执行提取、校验或问答流水线。
//
// 用法:
//
//	roletool extract  --xml roles.xml
//	roletool extract  --pdf handbook.pdf --roles
//	roletool validate --xml roles.xml --pdf handbook.pdf --format text
//	roletool query    --run <uuid> --question "文档里定义了哪些角色?"
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "extract":
		runExtractCommand(os.Args[2:])
	case "validate":
		runValidateCommand(os.Args[2:])
	case "query":
		runQueryCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Printf("错误: 未知子命令 %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("roletool - 角色校验离线工具")
	fmt.Println()
	fmt.Println("子命令:")
	fmt.Println("  extract   从XML提取权威角色，或从PDF提取文本(可选LLM角色提取)")
	fmt.Println("  validate  对一组XML+PDF执行一次完整校验，报告输出到stdout")
	fmt.Println("  query     针对已索引的校验运行提问(需要MySQL/Qdrant)")
	fmt.Println()
	fmt.Println("查看子命令参数: roletool <子命令> --help")
}
