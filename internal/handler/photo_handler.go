package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/photofeed/internal/feedcache"
	"github.com/hitoshi/photofeed/internal/ingest"
	"github.com/hitoshi/photofeed/internal/middleware"
	"github.com/hitoshi/photofeed/internal/model"
)

// Ingester は写真の取り込みを行うインターフェース。
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (*model.Photo, error)
}

// FeedViewer は現在のフィード状態を返すインターフェース。
type FeedViewer interface {
	View() feedcache.View
}

// uploadRequest はアップロードリクエストのボディ。fileはbase64。
type uploadRequest struct {
	File        string `json:"file"`
	Filename    string `json:"filename"`
	Caption     string `json:"caption"`
	Attribution string `json:"attribution"`
}

// feedViewResponse はフィード状態のAPIレスポンス。
type feedViewResponse struct {
	Records []model.Photo `json:"records"`
	Loading bool          `json:"loading"`
	Error   *string       `json:"error"`
}

// PhotoHandler は写真の取り込みとフィード参照のHTTPハンドラー。
type PhotoHandler struct {
	ingester       Ingester
	feed           FeedViewer
	uploadMaxBytes int64
	logger         *slog.Logger
}

// NewPhotoHandler はPhotoHandlerを生成する。
func NewPhotoHandler(ingester Ingester, feed FeedViewer, uploadMaxBytes int64, logger *slog.Logger) *PhotoHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PhotoHandler{
		ingester:       ingester,
		feed:           feed,
		uploadMaxBytes: uploadMaxBytes,
		logger:         logger,
	}
}

// Upload は写真のアップロードを処理する。
// POST /api/photos/upload
//
// 応答は全て {"message": ...} 形式。パイプラインのエラーは全て "failed" のみを返す。
func (h *PhotoHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		middleware.WriteMessage(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if h.uploadMaxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.uploadMaxBytes)
	}

	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			middleware.WriteMessage(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		middleware.WriteMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.File == "" {
		middleware.WriteMessage(w, http.StatusBadRequest, "file is required")
		return
	}
	if strings.TrimSpace(req.Filename) == "" {
		middleware.WriteMessage(w, http.StatusBadRequest, "filename is required")
		return
	}

	binary, err := decodeBase64(req.File)
	if err != nil {
		middleware.WriteMessage(w, http.StatusBadRequest, "file must be base64 encoded")
		return
	}

	photo, err := h.ingester.Ingest(r.Context(), ingest.Request{
		Binary:      binary,
		Filename:    req.Filename,
		Caption:     req.Caption,
		Attribution: req.Attribution,
	})
	if err != nil {
		// 400はハンドラー自身の入力チェックに限る。パイプラインの失敗は分類に関わらず500とし、詳細はログにのみ出す
		h.logger.Error("upload failed",
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
			slog.String("filename", req.Filename),
			slog.String("error", err.Error()),
		)
		middleware.WriteMessage(w, http.StatusInternalServerError, "failed")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, middleware.MessageBody{
		Message: "uploaded",
		Result:  photo,
	})
}

// Snapshot は現在のフィード状態を返す。
// GET /api/photos
func (h *PhotoHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, toFeedViewResponse(h.feed.View()))
}

// decodeBase64 はパディングの有無とdata URLの接頭辞を許容してbase64をデコードする。
func decodeBase64(s string) ([]byte, error) {
	if i := strings.Index(s, ";base64,"); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+len(";base64,"):]
	}
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// toFeedViewResponse はViewをAPIレスポンスに変換する。
// エラーは分類名のみを公開する。
func toFeedViewResponse(v feedcache.View) feedViewResponse {
	resp := feedViewResponse{
		Records: v.Records,
		Loading: v.Loading,
	}
	if resp.Records == nil {
		resp.Records = []model.Photo{}
	}
	if v.Err != nil {
		msg := errorKind(v.Err)
		resp.Error = &msg
	}
	return resp
}

// errorKind はエラーの分類名を返す。
func errorKind(err error) string {
	var kindErr *model.Error
	if errors.As(err, &kindErr) && kindErr.Kind != nil {
		return kindErr.Kind.Error()
	}
	return "internal error"
}
