package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/photofeed/internal/middleware"
	"github.com/hitoshi/photofeed/internal/model"
)

// AssetFinder は保存済みアセットを取得するインターフェース。
type AssetFinder interface {
	FindAsset(ctx context.Context, id string) (*model.Asset, []byte, error)
}

// AssetHandler は保存済みの画像アセットを配信するハンドラー。
type AssetHandler struct {
	assets AssetFinder
	logger *slog.Logger
}

// NewAssetHandler はAssetHandlerを生成する。
func NewAssetHandler(assets AssetFinder, logger *slog.Logger) *AssetHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AssetHandler{assets: assets, logger: logger}
}

// ServeAsset は画像のバイナリを返す。
// アセットIDは内容のハッシュから導出されるため、応答は変更されないものとしてキャッシュさせる。
// GET /assets/{id}
func (h *AssetHandler) ServeAsset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	asset, data, err := h.assets.FindAsset(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to load asset",
			slog.String("asset_id", id),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	if asset == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewAssetNotFoundError(id))
		return
	}

	etag := `"` + asset.ContentHash + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if match := r.Header.Get("If-None-Match"); match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", asset.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(data)
	}
}
