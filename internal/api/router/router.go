package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"valigence/internal/api/handler"
	"valigence/internal/config"
	"valigence/internal/processor"
	"valigence/internal/types"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/keyauth"
)

// RegisterRoutes 注册 API 路由
func RegisterRoutes(h *server.Hertz, cfg *config.Config, validationHandler *handler.ValidationHandler, queryHandler *handler.QueryHandler) {
	// 健康检查放在鉴权组外，探活不需要API Key
	h.GET("/health", func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(consts.StatusOK, utils.H{
			"status":     "ok",
			"components": validationHandler.ComponentStatus(),
		})
	})

	api := h.Group("/api/v1")
	if cfg.Server.AuthEnabled {
		api.Use(apiKeyAuth(cfg.Server.AuthKeys))
	}

	// 提交一对XML+PDF文档，异步执行角色对账
	api.POST("/validations", func(c context.Context, ctx *app.RequestContext) {
		xmlHeader, err := ctx.FormFile("xml_file")
		if err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": "缺少xml_file文件字段"})
			return
		}
		pdfHeader, err := ctx.FormFile("pdf_file")
		if err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": "缺少pdf_file文件字段"})
			return
		}

		fuzzyThreshold, err := formInt(ctx, "fuzzy_threshold")
		if err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": err.Error()})
			return
		}
		chunkSize, err := formInt(ctx, "chunk_size")
		if err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": err.Error()})
			return
		}
		chunkOverlap, err := formInt(ctx, "chunk_overlap")
		if err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": err.Error()})
			return
		}

		xmlFile, err := xmlHeader.Open()
		if err != nil {
			ctx.JSON(consts.StatusInternalServerError, utils.H{"error": "打开XML文件失败"})
			return
		}
		defer xmlFile.Close()

		pdfFile, err := pdfHeader.Open()
		if err != nil {
			ctx.JSON(consts.StatusInternalServerError, utils.H{"error": "打开PDF文件失败"})
			return
		}
		defer pdfFile.Close()

		resp, err := validationHandler.HandleValidationSubmit(
			c,
			xmlFile, xmlHeader.Size, xmlHeader.Filename,
			pdfFile, pdfHeader.Size, pdfHeader.Filename,
			fuzzyThreshold, chunkSize, chunkOverlap,
		)
		if err != nil {
			ctx.JSON(statusForError(err), utils.H{"error": err.Error()})
			return
		}

		ctx.JSON(consts.StatusOK, resp)
	})

	// 查询对账报告
	api.GET("/validations/:run_uuid", func(c context.Context, ctx *app.RequestContext) {
		resp, err := validationHandler.HandleGetReport(c, ctx.Param("run_uuid"))
		if err != nil {
			ctx.JSON(statusForError(err), utils.H{"error": err.Error()})
			return
		}

		ctx.JSON(consts.StatusOK, resp)
	})

	// 基于已索引文档的RAG问答
	api.POST("/query", func(c context.Context, ctx *app.RequestContext) {
		var req types.QueryRequest
		if err := ctx.BindAndValidate(&req); err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": "请求体格式错误: " + err.Error()})
			return
		}

		resp, err := queryHandler.HandleQuery(c, req)
		if err != nil {
			ctx.JSON(statusForError(err), utils.H{"error": err.Error()})
			return
		}

		ctx.JSON(consts.StatusOK, resp)
	})

	// 删除文档的向量索引与匹配明细
	api.DELETE("/documents/:run_uuid", func(c context.Context, ctx *app.RequestContext) {
		resp, err := validationHandler.HandleDeleteDocument(c, ctx.Param("run_uuid"))
		if err != nil {
			ctx.JSON(statusForError(err), utils.H{"error": err.Error()})
			return
		}

		ctx.JSON(consts.StatusOK, resp)
	})

	// 清除问答会话历史
	api.DELETE("/sessions/:session_id", func(c context.Context, ctx *app.RequestContext) {
		sessionID := ctx.Param("session_id")
		if err := queryHandler.HandleClearSession(c, sessionID); err != nil {
			ctx.JSON(statusForError(err), utils.H{"error": err.Error()})
			return
		}

		ctx.JSON(consts.StatusOK, utils.H{"session_id": sessionID, "cleared": true})
	})
}

// apiKeyAuth 构造基于X-API-Key请求头的鉴权中间件
func apiKeyAuth(allowedKeys []string) app.HandlerFunc {
	keys := make(map[string]struct{}, len(allowedKeys))
	for _, k := range allowedKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys[k] = struct{}{}
		}
	}

	return keyauth.New(
		keyauth.WithKeyLookUp("header:X-API-Key", ""),
		keyauth.WithValidator(func(c context.Context, ctx *app.RequestContext, key string) (bool, error) {
			_, ok := keys[key]
			return ok, nil
		}),
		keyauth.WithErrorHandler(func(c context.Context, ctx *app.RequestContext, err error) {
			ctx.AbortWithStatusJSON(consts.StatusUnauthorized, utils.H{"error": "无效或缺失的API Key"})
		}),
	)
}

// statusForError 将处理器返回的错误映射为HTTP状态码
func statusForError(err error) int {
	switch {
	case errors.Is(err, handler.ErrUnsupportedFile),
		errors.Is(err, handler.ErrInvalidParameter),
		errors.Is(err, processor.ErrInvalidQuery):
		return consts.StatusBadRequest
	case errors.Is(err, handler.ErrRunNotFound),
		errors.Is(err, processor.ErrRunNotFound):
		return consts.StatusNotFound
	default:
		return consts.StatusInternalServerError
	}
}

// formInt 解析可选的整数表单字段，字段缺省时返回0
func formInt(ctx *app.RequestContext, name string) (int, error) {
	raw := strings.TrimSpace(ctx.PostForm(name))
	if raw == "" {
		return 0, nil
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("表单字段 %s 需要整数值: %q", name, raw)
	}
	return v, nil
}
