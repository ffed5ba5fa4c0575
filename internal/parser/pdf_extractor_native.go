/*
此文件实现纯Go的PDF文本提取器，作为Eino解析器的备选实现。
基于 ledongthuc/pdf 按页并行提取，利用字符坐标重建行内间距，
并按列间距启发式识别表格区块。表格区块用固定标记包围，
下游RAG提示词据此优先引用表格数据。
*/
package parser

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"valigence/internal/constants"
)

const (
	// defaultNativeMaxPages 单次提取的页数上限，避免超大文档拖垮队列
	defaultNativeMaxPages = 50
	// defaultFontSize 元素缺失字号信息时的兜底值
	defaultFontSize = 12.0
	// wordGapFactor 超过字号该倍数的间隙视为词间空格
	wordGapFactor = 0.2
	// cellGapFactor 超过字号该倍数的间隙视为表格列边界
	cellGapFactor = 2.0
	// minTableRows 连续表格行达到该数量才输出表格区块，过滤偶发的多列文本
	minTableRows = 2
)

// NativePDFExtractor 纯Go实现的PDF文本提取器
type NativePDFExtractor struct {
	maxPages      int
	includeTables bool
	logger        *log.Logger
}

// NativePDFOption 原生PDF提取器的配置选项
type NativePDFOption func(*NativePDFExtractor)

// WithNativeLogger 配置自定义日志记录器
func WithNativeLogger(logger *log.Logger) NativePDFOption {
	return func(n *NativePDFExtractor) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithNativeMaxPages 配置单次提取的页数上限
func WithNativeMaxPages(maxPages int) NativePDFOption {
	return func(n *NativePDFExtractor) {
		if maxPages > 0 {
			n.maxPages = maxPages
		}
	}
}

// WithNativeTables 配置是否输出表格区块
func WithNativeTables(include bool) NativePDFOption {
	return func(n *NativePDFExtractor) {
		n.includeTables = include
	}
}

// NewNativePDFExtractor 创建原生PDF提取器，默认输出表格区块
func NewNativePDFExtractor(options ...NativePDFOption) *NativePDFExtractor {
	extractor := &NativePDFExtractor{
		maxPages:      defaultNativeMaxPages,
		includeTables: true,
		logger:        log.New(os.Stderr, "[原生PDF解析器] ", log.LstdFlags),
	}
	for _, option := range options {
		option(extractor)
	}
	return extractor
}

// pageResult 单页提取结果，经channel汇总后按页码排序
type pageResult struct {
	pageNum int
	text    string
	err     error
}

// ExtractFromFile 实现processor.DocumentExtractor接口，从PDF文件提取文本
func (n *NativePDFExtractor) ExtractFromFile(ctx context.Context, filePath string) (string, map[string]interface{}, error) {
	f, r, err := pdf.Open(filePath)
	if err != nil {
		return "", nil, fmt.Errorf("打开PDF文件失败 %s: %w", filePath, err)
	}
	defer f.Close()

	text, metadata, err := n.extractFromReader(ctx, r)
	if err != nil {
		return "", nil, err
	}
	metadata["source_file_path"] = filePath
	return text, metadata, nil
}

// ExtractFromBytes 从字节数组提取文本内容
func (n *NativePDFExtractor) ExtractFromBytes(ctx context.Context, data []byte, uri string) (string, map[string]interface{}, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", nil, fmt.Errorf("解析PDF数据失败 %s: %w", uri, err)
	}

	text, metadata, err := n.extractFromReader(ctx, r)
	if err != nil {
		return "", nil, err
	}
	metadata["source_uri"] = uri
	return text, metadata, nil
}

func (n *NativePDFExtractor) extractFromReader(ctx context.Context, r *pdf.Reader) (string, map[string]interface{}, error) {
	startTime := time.Now()

	pageCount := r.NumPage()
	totalPages := pageCount
	if pageCount > n.maxPages {
		n.logger.Printf("PDF共 %d 页，超过上限，只处理前 %d 页", pageCount, n.maxPages)
		pageCount = n.maxPages
	}

	// 并行提取各页，channel带缓冲保证goroutine不泄漏
	resultChan := make(chan pageResult, pageCount)
	for i := 1; i <= pageCount; i++ {
		go func(pageNum int) {
			// ledongthuc/pdf 在损坏的页面对象上可能panic
			defer func() {
				if rec := recover(); rec != nil {
					resultChan <- pageResult{pageNum: pageNum, err: fmt.Errorf("第 %d 页解析panic: %v", pageNum, rec)}
				}
			}()

			p := r.Page(pageNum)
			if p.V.IsNull() {
				resultChan <- pageResult{pageNum: pageNum, err: fmt.Errorf("第 %d 页为空对象", pageNum)}
				return
			}
			text, err := n.extractPage(p)
			resultChan <- pageResult{pageNum: pageNum, text: text, err: err}
		}(i)
	}

	pageTexts := make(map[int]string, pageCount)
	failedPages := 0
	for i := 0; i < pageCount; i++ {
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case result := <-resultChan:
			if result.err != nil {
				failedPages++
				n.logger.Printf("页面提取失败: %v", result.err)
				continue
			}
			pageTexts[result.pageNum] = result.text
		}
	}

	// 按页码顺序拼装，页间插入分页标记
	var buf bytes.Buffer
	for i := 1; i <= pageCount; i++ {
		text, ok := pageTexts[i]
		if !ok || strings.TrimSpace(text) == "" {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteString("\n" + constants.PageBreakMarker + "\n")
		}
		buf.WriteString(text)
	}

	fullText := buf.String()
	duration := time.Since(startTime)
	metadata := map[string]interface{}{
		"extractor":              "native",
		"page_count":             totalPages,
		"processed_pages":        pageCount,
		"failed_pages":           failedPages,
		"text_length":            len(fullText),
		"processing_duration_ms": duration.Milliseconds(),
	}

	n.logger.Printf("PDF提取完成: %d 页, %d 个字符 (用时 %.2f秒)", pageCount, len(fullText), duration.Seconds())
	return fullText, metadata, nil
}

// extractPage 提取单页文本。优先使用按行定位的提取方式，
// 同时识别表格行；行定位不可用时回退到纯文本提取。
func (n *NativePDFExtractor) extractPage(p pdf.Page) (string, error) {
	rows, err := p.GetTextByRow()
	if err != nil {
		return p.GetPlainText(nil)
	}

	// 过滤空行并按Y坐标排序，得到从上到下的阅读顺序
	sortedRows := make([]*pdf.Row, 0, len(rows))
	for _, row := range rows {
		if row != nil && len(row.Content) > 0 {
			sortedRows = append(sortedRows, row)
		}
	}
	sort.Slice(sortedRows, func(i, j int) bool {
		return averageY(sortedRows[i].Content) < averageY(sortedRows[j].Content)
	})

	var (
		buf       bytes.Buffer
		tableRows []string
	)
	flushTable := func() {
		if len(tableRows) >= minTableRows && n.includeTables {
			buf.WriteString("\n" + constants.TableSectionHeader + "\n")
			buf.WriteString(strings.Join(tableRows, "\n"))
			buf.WriteString("\n" + constants.TableSectionFooter + "\n")
		}
		tableRows = nil
	}

	for _, row := range sortedRows {
		cells := reconstructRowCells(row.Content)
		if len(cells) == 0 {
			continue
		}
		if len(cells) >= 2 {
			// 多列行累积为表格，连续表格行合并成一个区块
			tableRows = append(tableRows, strings.Join(cells, " | "))
			continue
		}
		flushTable()
		if line := strings.TrimSpace(cells[0]); line != "" {
			buf.WriteString(line)
			buf.WriteString("\n")
		}
	}
	flushTable()

	return buf.String(), nil
}

// averageY 计算一行内文本元素的平均Y坐标
func averageY(elements []pdf.Text) float64 {
	if len(elements) == 0 {
		return 0
	}
	var total float64
	for _, element := range elements {
		total += element.Y
	}
	return total / float64(len(elements))
}

// reconstructRowCells 按X坐标重建一行文本并切分单元格。
// 元素间隙超过词间阈值时补空格，超过列间阈值时切出新单元格；
// 单元格数量大于1说明该行具有表格结构。
func reconstructRowCells(elements []pdf.Text) []string {
	if len(elements) == 0 {
		return nil
	}

	sorted := make([]pdf.Text, len(elements))
	copy(sorted, elements)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].X < sorted[j].X
	})

	var (
		cells []string
		cell  strings.Builder
	)
	for i, element := range sorted {
		cell.WriteString(element.S)

		if i == len(sorted)-1 {
			break
		}
		next := sorted[i+1]
		gap := next.X - (element.X + element.W)

		fontSize := element.FontSize
		if fontSize <= 0 {
			fontSize = defaultFontSize
		}

		switch {
		case gap > fontSize*cellGapFactor:
			cells = append(cells, strings.TrimSpace(cell.String()))
			cell.Reset()
		case gap > fontSize*wordGapFactor:
			cell.WriteString(" ")
		}
	}
	if last := strings.TrimSpace(cell.String()); last != "" {
		cells = append(cells, last)
	}

	// 丢弃切分后为空的单元格
	filtered := cells[:0]
	for _, c := range cells {
		if c != "" {
			filtered = append(filtered, c)
		}
	}
	return filtered
}
