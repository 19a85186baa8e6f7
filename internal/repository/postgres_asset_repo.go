package repository

import (
	"bytes"
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"

	"github.com/hitoshi/photofeed/internal/model"
)

// AssetKindImage は画像アセットの種別。
const AssetKindImage = "image"

// ErrUnsupportedAsset はストアが受け付けないバイナリであることを表す。
var ErrUnsupportedAsset = errors.New("unsupported asset")

// PostgresAssetRepo はPostgreSQLのBYTEA列に画像アセットを保存するリポジトリ。
type PostgresAssetRepo struct {
	db           *sql.DB
	assetBaseURL string
}

// NewPostgresAssetRepo はPostgresAssetRepoを生成する。
func NewPostgresAssetRepo(db *sql.DB, assetBaseURL string) *PostgresAssetRepo {
	return &PostgresAssetRepo{db: db, assetBaseURL: assetBaseURL}
}

// UploadAsset はバイナリをSHA-1を計算しながら読み込み、画像として保存する。
//
// 流れ:
//  1. streaming読み込み + SHA-1
//  2. 画像ヘッダーから寸法と形式を取得
//  3. image-<sha1>-<w>x<h>-<ext> をIDとしてINSERT（既存なら何もしない）
func (r *PostgresAssetRepo) UploadAsset(ctx context.Context, kind string, reader io.Reader, opts UploadOptions) (*model.Asset, error) {
	if kind != AssetKindImage {
		return nil, fmt.Errorf("%w: kind %q", ErrUnsupportedAsset, kind)
	}

	hasher := sha1.New()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.TeeReader(reader, hasher)); err != nil {
		return nil, fmt.Errorf("アセットの読み込みに失敗しました: %w", err)
	}
	data := buf.Bytes()

	asset, err := describeImage(data)
	if err != nil {
		return nil, err
	}
	asset.ContentHash = hex.EncodeToString(hasher.Sum(nil))
	asset.ID = assetID(asset.ContentHash, asset.Width, asset.Height, asset.MimeType)
	asset.Filename = opts.Filename
	asset.URL = r.assetBaseURL + "/assets/" + asset.ID

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO photo_assets (id, sha1, filename, mime_type, size_bytes, width, height, data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT DO NOTHING`,
		asset.ID, asset.ContentHash, asset.Filename, asset.MimeType, asset.SizeBytes,
		asset.Width, asset.Height, data,
	)
	if err != nil {
		return nil, fmt.Errorf("アセットの保存に失敗しました: %w", err)
	}

	if err := r.db.QueryRowContext(ctx,
		`SELECT created_at FROM photo_assets WHERE id = $1`, asset.ID,
	).Scan(&asset.CreatedAt); err != nil {
		return nil, fmt.Errorf("アセットの取得に失敗しました: %w", err)
	}

	return asset, nil
}

// FindAsset はアセットのメタデータと内容を取得する。見つからない場合はnilを返す。
func (r *PostgresAssetRepo) FindAsset(ctx context.Context, id string) (*model.Asset, []byte, error) {
	asset := &model.Asset{}
	var data []byte

	err := r.db.QueryRowContext(ctx,
		`SELECT id, sha1, filename, mime_type, size_bytes, width, height, data, created_at
		 FROM photo_assets WHERE id = $1`,
		id,
	).Scan(
		&asset.ID, &asset.ContentHash, &asset.Filename, &asset.MimeType, &asset.SizeBytes,
		&asset.Width, &asset.Height, &data, &asset.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("アセットの取得に失敗しました: %w", err)
	}

	asset.URL = r.assetBaseURL + "/assets/" + asset.ID
	return asset, data, nil
}

// describeImage は画像ヘッダーを解析し、寸法・MIMEタイプ・サイズを返す。
// 対応形式はPNG、JPEG、GIF。
func describeImage(data []byte) (*model.Asset, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty binary", ErrUnsupportedAsset)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedAsset, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", ErrUnsupportedAsset, cfg.Width, cfg.Height)
	}

	mimeType := "image/" + format
	if detected := http.DetectContentType(data); detected != "application/octet-stream" {
		mimeType = detected
	}

	return &model.Asset{
		MimeType:  mimeType,
		SizeBytes: int64(len(data)),
		Width:     cfg.Width,
		Height:    cfg.Height,
	}, nil
}

// assetID はアセットIDを組み立てる。形式: image-<sha1>-<w>x<h>-<ext>
func assetID(contentHash string, width, height int, mimeType string) string {
	return fmt.Sprintf("image-%s-%dx%d-%s", contentHash, width, height, extensionFor(mimeType))
}

// extensionFor はMIMEタイプからファイル拡張子を返す。
func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	default:
		return "bin"
	}
}

// compile-time interface check
var _ AssetRepository = (*PostgresAssetRepo)(nil)
