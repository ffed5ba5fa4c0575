package parser

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ledongthuc/pdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestReconstructRowCellsWordSpacing 测试词间间隙补空格
func TestReconstructRowCellsWordSpacing(t *testing.T) {
	// "Senior" 和 "Engineer" 之间有超过词间阈值的间隙
	elements := []pdf.Text{
		{S: "Senior", X: 10, W: 30, FontSize: 12},
		{S: "Engineer", X: 45, W: 40, FontSize: 12},
	}

	cells := reconstructRowCells(elements)
	require.Len(t, cells, 1, "词间间隙不应切分单元格")
	assert.Equal(t, "Senior Engineer", cells[0], "间隙超过词间阈值时应补空格")
}

// TestReconstructRowCellsNoGap 测试紧邻元素不补空格
func TestReconstructRowCellsNoGap(t *testing.T) {
	// 同一个词被渲染器拆成两个紧邻元素
	elements := []pdf.Text{
		{S: "Eng", X: 10, W: 15, FontSize: 12},
		{S: "ineer", X: 25, W: 25, FontSize: 12},
	}

	cells := reconstructRowCells(elements)
	require.Len(t, cells, 1)
	assert.Equal(t, "Engineer", cells[0], "紧邻元素之间不应插入空格")
}

// TestReconstructRowCellsColumnSplit 测试列间隙切分单元格
func TestReconstructRowCellsColumnSplit(t *testing.T) {
	// 间隙远超列间阈值(2倍字号)，应识别为表格列
	elements := []pdf.Text{
		{S: "Engineer", X: 10, W: 40, FontSize: 12},
		{S: "5", X: 200, W: 8, FontSize: 12},
		{S: "Active", X: 400, W: 30, FontSize: 12},
	}

	cells := reconstructRowCells(elements)
	require.Len(t, cells, 3, "列间隙应切分出独立单元格")
	assert.Equal(t, []string{"Engineer", "5", "Active"}, cells)
}

// TestReconstructRowCellsSortsByX 测试按X坐标重排元素
func TestReconstructRowCellsSortsByX(t *testing.T) {
	// PDF内容流中元素顺序和视觉顺序可能不一致
	elements := []pdf.Text{
		{S: "World", X: 60, W: 30, FontSize: 12},
		{S: "Hello", X: 10, W: 30, FontSize: 12},
	}

	cells := reconstructRowCells(elements)
	require.Len(t, cells, 1)
	assert.Equal(t, "Hello World", cells[0], "应按X坐标从左到右重建文本")
}

// TestReconstructRowCellsMissingFontSize 测试缺失字号时的兜底
func TestReconstructRowCellsMissingFontSize(t *testing.T) {
	elements := []pdf.Text{
		{S: "Role", X: 10, W: 20, FontSize: 0},
		{S: "Count", X: 100, W: 25, FontSize: 0},
	}

	// 兜底字号12，间隙70 > 12*2，应切分为两个单元格
	cells := reconstructRowCells(elements)
	require.Len(t, cells, 2)
	assert.Equal(t, []string{"Role", "Count"}, cells)
}

// TestReconstructRowCellsEmpty 测试空输入
func TestReconstructRowCellsEmpty(t *testing.T) {
	assert.Nil(t, reconstructRowCells(nil), "空输入应返回nil")
}

// TestAverageY 测试Y坐标平均值计算
func TestAverageY(t *testing.T) {
	elements := []pdf.Text{
		{S: "a", Y: 100},
		{S: "b", Y: 110},
		{S: "c", Y: 120},
	}
	assert.InDelta(t, 110.0, averageY(elements), 0.001)
	assert.Zero(t, averageY(nil), "空行的平均Y坐标应为0")
}

// TestNativeExtractorOptions 测试配置选项
func TestNativeExtractorOptions(t *testing.T) {
	extractor := NewNativePDFExtractor(
		WithNativeMaxPages(10),
		WithNativeTables(false),
	)
	assert.Equal(t, 10, extractor.maxPages)
	assert.False(t, extractor.includeTables)

	// 非法值不应覆盖默认配置
	defaulted := NewNativePDFExtractor(WithNativeMaxPages(0))
	assert.Equal(t, defaultNativeMaxPages, defaulted.maxPages)
	assert.True(t, defaulted.includeTables, "默认应输出表格区块")
}

// TestNativeExtractorInvalidBytes 测试非PDF数据
func TestNativeExtractorInvalidBytes(t *testing.T) {
	extractor := NewNativePDFExtractor()

	_, _, err := extractor.ExtractFromBytes(context.Background(), []byte("这不是PDF内容"), "bad.pdf")
	require.Error(t, err, "非PDF数据应返回错误")
}

// TestNativeExtractorRealFile 使用真实PDF文件测试提取
func TestNativeExtractorRealFile(t *testing.T) {
	// 查找测试PDF文件，不存在则跳过
	testPDFs := []string{
		"testdata/roles_document.pdf",
		"../testdata/roles_document.pdf",
	}

	var pdfPath string
	for _, path := range testPDFs {
		if _, err := os.Stat(path); err == nil {
			pdfPath = path
			break
		}
	}
	if pdfPath == "" {
		t.Skip("找不到测试PDF文件，跳过真实文件测试")
	}

	extractor := NewNativePDFExtractor()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	text, metadata, err := extractor.ExtractFromFile(ctx, pdfPath)
	require.NoError(t, err, "真实PDF提取不应失败")
	assert.NotEmpty(t, text, "应提取到文本内容")
	assert.Equal(t, "native", metadata["extractor"])
	assert.Equal(t, pdfPath, metadata["source_file_path"])
	t.Logf("提取了 %d 个字符, 元数据: %+v", len(text), metadata)
}
