/*
此文件实现权威角色来源的解析:
从XML文档中提取所有<role>元素的文本内容，作为对账的权威角色列表。
解析器做了防护处理(非严格模式、实体白名单、大小上限)，
以便接受来源不一的导出文件。
*/
package parser

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
)

const (
	// defaultXMLMaxSize XML内容大小上限，超过视为异常输入
	defaultXMLMaxSize = 10 * 1024 * 1024
	// roleElementName 角色元素名，匹配文档中任意层级的<role>
	roleElementName = "role"
)

// XMLRoleParser 从XML文档提取权威角色列表
type XMLRoleParser struct {
	maxSize int64
	logger  *log.Logger
}

// XMLRoleParserOption 定义XML解析器的配置选项
type XMLRoleParserOption func(*XMLRoleParser)

// WithXMLLogger 设置解析器使用的日志记录器
func WithXMLLogger(logger *log.Logger) XMLRoleParserOption {
	return func(p *XMLRoleParser) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithXMLMaxSize 设置XML内容大小上限(字节)
func WithXMLMaxSize(maxSize int64) XMLRoleParserOption {
	return func(p *XMLRoleParser) {
		if maxSize > 0 {
			p.maxSize = maxSize
		}
	}
}

// NewXMLRoleParser 创建XML角色解析器
func NewXMLRoleParser(opts ...XMLRoleParserOption) *XMLRoleParser {
	p := &XMLRoleParser{
		maxSize: defaultXMLMaxSize,
		logger:  log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ExtractRoles 提取文档中所有<role>元素的直接文本。
// 只收集role元素自身的文本节点，子元素的文本归属于子元素；
// 空白角色被丢弃。返回的角色保持文档顺序，不做规范化。
func (p *XMLRoleParser) ExtractRoles(ctx context.Context, r io.Reader) ([]string, error) {
	limited := &io.LimitedReader{R: r, N: p.maxSize + 1}

	decoder := xml.NewDecoder(limited)
	// 非严格模式 + HTML实体白名单，容忍来源不一的导出文件，
	// 同时避免外部实体注入
	decoder.Strict = false
	decoder.Entity = xml.HTMLEntity

	var (
		roles     []string
		elemStack []string
		roleBufs  []*strings.Builder
	)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			// 读满限流器说明语法错误源于截断
			if limited.N <= 0 {
				return nil, fmt.Errorf("XML内容超过大小限制 %d 字节", p.maxSize)
			}
			return nil, fmt.Errorf("解析XML失败: %w", err)
		}

		switch t := token.(type) {
		case xml.StartElement:
			elemStack = append(elemStack, t.Name.Local)
			if t.Name.Local == roleElementName {
				roleBufs = append(roleBufs, &strings.Builder{})
			}
		case xml.CharData:
			// 只有当前元素就是role时才收集文本
			if len(elemStack) > 0 && elemStack[len(elemStack)-1] == roleElementName && len(roleBufs) > 0 {
				roleBufs[len(roleBufs)-1].Write(t)
			}
		case xml.EndElement:
			if len(elemStack) > 0 {
				elemStack = elemStack[:len(elemStack)-1]
			}
			if t.Name.Local == roleElementName && len(roleBufs) > 0 {
				buf := roleBufs[len(roleBufs)-1]
				roleBufs = roleBufs[:len(roleBufs)-1]
				if role := strings.TrimSpace(buf.String()); role != "" {
					roles = append(roles, role)
				}
			}
		}
	}

	if limited.N <= 0 {
		return nil, fmt.Errorf("XML内容超过大小限制 %d 字节", p.maxSize)
	}

	p.logger.Printf("XML角色提取完成: %d 个角色", len(roles))
	return roles, nil
}

// ExtractRolesFromBytes 从字节切片提取角色
func (p *XMLRoleParser) ExtractRolesFromBytes(ctx context.Context, data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, errors.New("XML内容为空")
	}
	return p.ExtractRoles(ctx, bytes.NewReader(data))
}
