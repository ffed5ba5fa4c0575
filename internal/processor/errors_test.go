package processor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunProcessError(t *testing.T) {
	err := newRunError("run-1", "download_xml", ErrDownloadFailed, "连接超时")

	// 错误串包含运行、操作和底层原因
	assert.Contains(t, err.Error(), "run-1")
	assert.Contains(t, err.Error(), "download_xml")
	assert.Contains(t, err.Error(), "连接超时")

	// errors.Is 能穿透到基础错误
	assert.ErrorIs(t, err, ErrDownloadFailed)
	assert.NotErrorIs(t, err, ErrXMLParseFailed)

	var runErr *RunProcessError
	ok := errors.As(err, &runErr)
	assert.True(t, ok, "应能转换为RunProcessError")
	assert.Equal(t, "run-1", runErr.RunUUID)
	assert.Equal(t, "download_xml", runErr.Op)
}

func TestIsTransient(t *testing.T) {
	// 基础设施故障可重试
	transient := []error{
		newRunError("r", "download", ErrDownloadFailed, ""),
		newRunError("r", "store_text", ErrStoreTextFailed, ""),
		newRunError("r", "persist", ErrPersistFailed, ""),
		newRunError("r", "embed", ErrEmbedFailed, ""),
		newRunError("r", "store_vectors", ErrVectorStoreFailed, ""),
	}
	for _, err := range transient {
		assert.True(t, IsTransient(err), "%v 应判定为临时性故障", err)
	}

	// 内容性错误重试无意义
	permanent := []error{
		newRunError("r", "parse_xml", ErrXMLParseFailed, ""),
		newRunError("r", "extract_pdf", ErrPDFExtractFailed, ""),
		newRunError("r", "extract_roles", ErrRoleExtractFailed, ""),
		newRunError("r", "chunk", ErrChunkFailed, ""),
		errors.New("普通错误"),
		nil,
	}
	for _, err := range permanent {
		assert.False(t, IsTransient(err), "%v 不应判定为临时性故障", err)
	}
}
