package handlers

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/finflow/progress"
	"github.com/BaSui01/finflow/types"
)

// =============================================================================
// 📋 进度快照 Handler
// =============================================================================

// StatusHandler 进度快照处理器。客户端（重）连后用它拉取一致的基线，
// 断线窗口内丢失的推送由这份快照补齐。
type StatusHandler struct {
	registry *progress.Registry
	logger   *zap.Logger
}

// NewStatusHandler 创建进度快照处理器
func NewStatusHandler(registry *progress.Registry, logger *zap.Logger) *StatusHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusHandler{
		registry: registry,
		logger:   logger.With(zap.String("component", "status_handler")),
	}
}

// HandleSnapshot 处理 GET /api/progress/{transaction_id}
// @Summary 查询事务的当前进度快照
// @Tags 进度
// @Produce json
// @Success 200 {object} Response "进度快照"
// @Failure 404 {object} Response "事务不存在或已清理"
// @Router /api/progress/{transaction_id} [get]
func (h *StatusHandler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	transactionID := r.PathValue("transaction_id")
	if transactionID == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "missing transaction_id"), h.logger)
		return
	}

	tracker, ok := h.registry.Tracker(transactionID)
	if !ok {
		WriteError(w, types.NewError(types.ErrTransactionNotFound,
			fmt.Sprintf("transaction %q not found", transactionID)), h.logger)
		return
	}

	WriteSuccess(w, tracker.Snapshot())
}
