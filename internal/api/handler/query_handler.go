package handler

import (
	"context"

	"valigence/internal/config"
	"valigence/internal/logger"
	"valigence/internal/processor"
	"valigence/internal/types"
)

// QueryHandler 文档问答处理器
type QueryHandler struct {
	cfg    *config.Config
	ragSvc *processor.RAGService
}

// NewQueryHandler 创建问答处理器
func NewQueryHandler(cfg *config.Config, ragSvc *processor.RAGService) *QueryHandler {
	return &QueryHandler{
		cfg:    cfg,
		ragSvc: ragSvc,
	}
}

// HandleQuery 处理一次文档问答请求
func (h *QueryHandler) HandleQuery(ctx context.Context, req types.QueryRequest) (*types.QueryResponse, error) {
	resp, err := h.ragSvc.AnswerQuestion(ctx, req)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("run_uuid", req.RunUUID).
		Bool("conversational", req.SessionID != "").
		Int("sources", len(resp.Sources)).
		Msg("文档问答完成")

	return resp, nil
}

// HandleClearSession 清除指定会话的对话历史
func (h *QueryHandler) HandleClearSession(ctx context.Context, sessionID string) error {
	if err := h.ragSvc.ClearSession(ctx, sessionID); err != nil {
		return err
	}

	logger.Info().Str("session_id", sessionID).Msg("会话历史已清除")
	return nil
}
