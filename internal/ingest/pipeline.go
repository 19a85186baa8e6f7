// Package ingest はアップロードされた画像を写真ドキュメントとして取り込む。
//
// 写真IDは画像バイナリのSHA-1から導出されるため、同一内容の画像を何度取り込んでも
// ストア上のドキュメントは1件に収束する（create-or-replace）。
package ingest

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/photofeed/internal/metrics"
	"github.com/hitoshi/photofeed/internal/model"
	"github.com/hitoshi/photofeed/internal/repository"
	"github.com/hitoshi/photofeed/internal/schema"
	"github.com/hitoshi/photofeed/internal/security"
)

// supportedTypes は取り込み可能な画像形式。
var supportedTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
}

// Request は取り込み要求。CaptionとAttributionは省略可能。
type Request struct {
	Binary      []byte
	Filename    string
	Caption     string
	Attribution string
}

// Pipeline は写真取り込みパイプライン。呼び出し間で状態を保持しない。
type Pipeline struct {
	assets    repository.AssetRepository
	photos    repository.PhotoRepository
	validator *schema.Validator
	sanitizer security.MetadataSanitizer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
}

// NewPipeline はPipelineを生成する。metricsCollectorとloggerはnil可。
func NewPipeline(
	assets repository.AssetRepository,
	photos repository.PhotoRepository,
	validator *schema.Validator,
	sanitizer security.MetadataSanitizer,
	metricsCollector metrics.MetricsCollector,
	logger *slog.Logger,
) *Pipeline {
	if metricsCollector == nil {
		metricsCollector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		assets:    assets,
		photos:    photos,
		validator: validator,
		sanitizer: sanitizer,
		metrics:   metricsCollector,
		logger:    logger,
	}
}

// Ingest は画像を取り込み、永続化された写真レコードを返す。
//
// 処理の流れ:
//  1. 入力検証（ストア呼び出し前）
//  2. キャプション・クレジットのサニタイズ
//  3. アセットのアップロード（SHA-1とサイズを取得）
//  4. "photo-" + SHA-1 をIDとしてcreate-or-replace
//  5. 永続化されたレコードのスキーマ検証
func (p *Pipeline) Ingest(ctx context.Context, req Request) (*model.Photo, error) {
	start := time.Now()
	photo, err := p.ingest(ctx, req)
	p.metrics.RecordIngestLatency(time.Since(start))
	p.metrics.RecordIngest(resultLabel(err))

	if err != nil {
		p.logger.Warn("写真の取り込みに失敗しました",
			slog.String("filename", req.Filename),
			slog.Int("size_bytes", len(req.Binary)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	p.logger.Info("写真を取り込みました",
		slog.String("photo_id", photo.ID),
		slog.String("filename", req.Filename),
		slog.Int("width", photo.Photo.Width),
		slog.Int("height", photo.Photo.Height),
	)
	return photo, nil
}

func (p *Pipeline) ingest(ctx context.Context, req Request) (*model.Photo, error) {
	filename := strings.TrimSpace(req.Filename)
	if len(req.Binary) == 0 {
		return nil, model.NewValidationError("ingest", "file is required")
	}
	if filename == "" {
		return nil, model.NewValidationError("ingest", "filename is required")
	}
	if ct := http.DetectContentType(req.Binary); !supportedTypes[ct] {
		return nil, model.NewValidationError("ingest", "unsupported file type: "+ct)
	}

	caption := p.sanitizer.Sanitize(req.Caption)
	attribution := p.sanitizer.Sanitize(req.Attribution)

	asset, err := p.assets.UploadAsset(ctx, repository.AssetKindImage, bytes.NewReader(req.Binary),
		repository.UploadOptions{Filename: filename})
	if err != nil {
		return nil, model.NewUploadError("upload asset", err)
	}

	doc := &model.PhotoDocument{
		ID:          model.PhotoIDFromHash(asset.ContentHash),
		AssetID:     asset.ID,
		Caption:     caption,
		Attribution: attribution,
	}
	raw, err := p.photos.CreateOrReplace(ctx, doc)
	if err != nil {
		return nil, model.NewPersistError("create or replace", err)
	}

	res := p.validator.Record(raw)
	if !res.OK() {
		return nil, res.Err
	}
	return &res.Value, nil
}

// resultLabel はエラー分類をメトリクスのラベル値に変換する。
func resultLabel(err error) string {
	switch {
	case err == nil:
		return metrics.IngestSuccess
	case errors.Is(err, model.ErrValidation):
		return metrics.IngestValidationError
	case errors.Is(err, model.ErrUpload):
		return metrics.IngestUploadError
	case errors.Is(err, model.ErrPersist):
		return metrics.IngestPersistError
	default:
		return metrics.IngestSchemaError
	}
}
