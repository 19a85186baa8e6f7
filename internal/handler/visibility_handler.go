package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/photofeed/internal/middleware"
	"github.com/hitoshi/photofeed/internal/model"
)

// VisibilityStore は写真の表示フラグを更新するインターフェース。
type VisibilityStore interface {
	SetVisibility(ctx context.Context, id string, visible *bool) (bool, error)
	FindByID(ctx context.Context, id string) (json.RawMessage, error)
}

// VisibilityHandler は管理者による表示・非表示の切り替えハンドラー。
// 更新はストアの変更通知を経由してフィードキャッシュに反映される。
type VisibilityHandler struct {
	store  VisibilityStore
	logger *slog.Logger
}

// NewVisibilityHandler はVisibilityHandlerを生成する。
func NewVisibilityHandler(store VisibilityStore, logger *slog.Logger) *VisibilityHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &VisibilityHandler{store: store, logger: logger}
}

// SetVisibility は写真の表示フラグを更新し、更新後のレコードを返す。
// ボディは {"visible": true|false|null}。nullは未設定（表示）に戻す。
// PUT /api/photos/{id}/visibility
func (h *VisibilityHandler) SetVisibility(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body map[string]*bool
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("リクエストボディの解析に失敗しました。"))
		return
	}
	visible, ok := body["visible"]
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("visibleを指定してください。"))
		return
	}

	found, err := h.store.SetVisibility(r.Context(), id, visible)
	if err != nil {
		h.logger.Error("failed to update visibility",
			slog.String("photo_id", id),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	if !found {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewPhotoNotFoundError(id))
		return
	}

	record, err := h.store.FindByID(r.Context(), id)
	if err != nil || record == nil {
		h.logger.Error("failed to reload photo after visibility update",
			slog.String("photo_id", id),
			slog.Any("error", err),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	h.logger.Info("photo visibility updated",
		slog.String("photo_id", id),
		slog.Any("visible", visible),
	)
	middleware.WriteJSON(w, http.StatusOK, record)
}
