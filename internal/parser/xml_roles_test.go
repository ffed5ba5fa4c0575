package parser

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestXMLRoleParserBasic 测试基本的角色提取
func TestXMLRoleParserBasic(t *testing.T) {
	parser := NewXMLRoleParser()

	xmlContent := `<?xml version="1.0" encoding="UTF-8"?>
<roles>
    <role>Engineer</role>
    <role>QA Tester</role>
    <role>Project Manager</role>
</roles>`

	roles, err := parser.ExtractRolesFromBytes(context.Background(), []byte(xmlContent))
	require.NoError(t, err, "合法XML不应返回错误")
	assert.Equal(t, []string{"Engineer", "QA Tester", "Project Manager"}, roles, "应按文档顺序提取所有role元素")
}

// TestXMLRoleParserNestedElements 测试任意层级和嵌套子元素的处理
func TestXMLRoleParserNestedElements(t *testing.T) {
	parser := NewXMLRoleParser()

	// role元素可以出现在任意层级；role内部的子元素文本不属于role本身
	xmlContent := `<doc>
    <team>
        <role>Team Lead</role>
    </team>
    <role>Senior <em>Developer</em></role>
    <role>Product Owner</role>
</doc>`

	roles, err := parser.ExtractRolesFromBytes(context.Background(), []byte(xmlContent))
	require.NoError(t, err)
	assert.Equal(t, []string{"Team Lead", "Senior", "Product Owner"}, roles,
		"只收集role元素的直接文本，子元素文本不计入")
}

// TestXMLRoleParserEntities 测试实体解码
func TestXMLRoleParserEntities(t *testing.T) {
	parser := NewXMLRoleParser()

	xmlContent := `<roles>
    <role>R&amp;D Manager</role>
    <role>Legal &copy; Officer</role>
</roles>`

	roles, err := parser.ExtractRolesFromBytes(context.Background(), []byte(xmlContent))
	require.NoError(t, err, "HTML实体应被白名单解码而不是报错")
	require.Len(t, roles, 2)
	assert.Equal(t, "R&D Manager", roles[0], "标准XML实体应被解码")
	assert.Equal(t, "Legal © Officer", roles[1], "HTML实体应被解码")
}

// TestXMLRoleParserBlankRolesDropped 测试空白角色被丢弃
func TestXMLRoleParserBlankRolesDropped(t *testing.T) {
	parser := NewXMLRoleParser()

	xmlContent := `<roles>
    <role>   </role>
    <role></role>
    <role>
    </role>
    <role>Auditor</role>
</roles>`

	roles, err := parser.ExtractRolesFromBytes(context.Background(), []byte(xmlContent))
	require.NoError(t, err)
	assert.Equal(t, []string{"Auditor"}, roles, "空白角色应被丢弃")
}

// TestXMLRoleParserCaseSensitive 测试元素名区分大小写
func TestXMLRoleParserCaseSensitive(t *testing.T) {
	parser := NewXMLRoleParser()

	xmlContent := `<roles>
    <Role>Admin</Role>
    <ROLE>Root</ROLE>
    <role>Operator</role>
</roles>`

	roles, err := parser.ExtractRolesFromBytes(context.Background(), []byte(xmlContent))
	require.NoError(t, err)
	assert.Equal(t, []string{"Operator"}, roles, "只匹配小写的role元素")
}

// TestXMLRoleParserAttributesIgnored 测试属性不影响文本提取
func TestXMLRoleParserAttributesIgnored(t *testing.T) {
	parser := NewXMLRoleParser()

	xmlContent := `<roles><role id="1" level="senior">Administrator</role></roles>`

	roles, err := parser.ExtractRolesFromBytes(context.Background(), []byte(xmlContent))
	require.NoError(t, err)
	assert.Equal(t, []string{"Administrator"}, roles)
}

// TestXMLRoleParserLenientMode 测试非严格模式容忍缺失的结束标签
func TestXMLRoleParserLenientMode(t *testing.T) {
	parser := NewXMLRoleParser()

	// 第二个role缺少结束标签，非严格模式下解析器会自动补齐
	xmlContent := `<roles><role>Alpha</role><role>Beta</roles>`

	roles, err := parser.ExtractRolesFromBytes(context.Background(), []byte(xmlContent))
	require.NoError(t, err, "非严格模式不应因缺失结束标签而失败")
	assert.Equal(t, []string{"Alpha", "Beta"}, roles)
}

// TestXMLRoleParserNoRoles 测试没有role元素的文档
func TestXMLRoleParserNoRoles(t *testing.T) {
	parser := NewXMLRoleParser()

	roles, err := parser.ExtractRolesFromBytes(context.Background(), []byte(`<doc><title>报表</title></doc>`))
	require.NoError(t, err)
	assert.Empty(t, roles, "没有role元素时应返回空列表")
}

// TestXMLRoleParserEmptyInput 测试空输入
func TestXMLRoleParserEmptyInput(t *testing.T) {
	parser := NewXMLRoleParser()

	_, err := parser.ExtractRolesFromBytes(context.Background(), nil)
	require.Error(t, err, "空输入应返回错误")
	assert.Contains(t, err.Error(), "为空")
}

// TestXMLRoleParserSizeLimit 测试大小上限
func TestXMLRoleParserSizeLimit(t *testing.T) {
	parser := NewXMLRoleParser(WithXMLMaxSize(32))

	xmlContent := `<roles>` + strings.Repeat(`<role>Engineer</role>`, 10) + `</roles>`

	_, err := parser.ExtractRolesFromBytes(context.Background(), []byte(xmlContent))
	require.Error(t, err, "超过大小上限应返回错误")
	assert.Contains(t, err.Error(), "大小限制")
}

// TestXMLRoleParserContextCanceled 测试上下文取消
func TestXMLRoleParserContextCanceled(t *testing.T) {
	parser := NewXMLRoleParser()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := parser.ExtractRolesFromBytes(ctx, []byte(`<roles><role>Engineer</role></roles>`))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled, "已取消的上下文应返回context.Canceled")
}

// TestXMLRoleParserUnicode 测试非ASCII角色名
func TestXMLRoleParserUnicode(t *testing.T) {
	parser := NewXMLRoleParser()

	xmlContent := `<roles>
    <role>后端工程师</role>
    <role>Développeur Sénior</role>
</roles>`

	roles, err := parser.ExtractRolesFromBytes(context.Background(), []byte(xmlContent))
	require.NoError(t, err)
	assert.Equal(t, []string{"后端工程师", "Développeur Sénior"}, roles, "角色文本应原样保留，不做规范化")
}
