// Package model はドメインモデルを定義する。
package model

import "time"

// PhotoIDPrefix は写真ドキュメントIDの接頭辞。
// IDはアップロードされたバイナリのSHA-1ハッシュから導出される（"photo-" + sha1）。
const PhotoIDPrefix = "photo-"

// Photo はフィードに表示される写真レコードを表す。
// スキーマ検証を通過した値のみがこの型で表現される。
type Photo struct {
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"created_at"`
	Visible   *bool      `json:"visible,omitempty"` // nil または true の場合はフィードに含まれる
	Photo     PhotoAsset `json:"photo"`
}

// PhotoAsset は写真レコードに埋め込まれたアセット情報。
type PhotoAsset struct {
	AssetURL    string `json:"asset_url"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Caption     string `json:"caption"`
	Attribution string `json:"attribution"`
}

// IsVisible は写真がフィードに表示可能かを返す。
// visibleが未設定（nil）の場合は表示可能として扱う。
func (p Photo) IsVisible() bool {
	return p.Visible == nil || *p.Visible
}

// PhotoDocument はcreate-or-replaceで永続化する写真ドキュメント。
// created_atはストア側で採番されるため含まない。
type PhotoDocument struct {
	ID          string
	AssetID     string
	Caption     string
	Attribution string
}

// PhotoIDFromHash はコンテンツハッシュから写真IDを導出する。
func PhotoIDFromHash(contentHash string) string {
	return PhotoIDPrefix + contentHash
}

// Asset はストアに保存された画像アセットを表す。
type Asset struct {
	ID          string
	URL         string
	ContentHash string // SHA-1 (hex)
	Filename    string
	MimeType    string
	SizeBytes   int64
	Width       int
	Height      int
	CreatedAt   time.Time
}

// ChangeOp はストアから通知される変更の種類。
type ChangeOp string

const (
	// ChangeOpInsert はドキュメントの新規作成。
	ChangeOpInsert ChangeOp = "INSERT"
	// ChangeOpUpdate はドキュメントの更新（置換・表示切替を含む）。
	ChangeOpUpdate ChangeOp = "UPDATE"
	// ChangeOpDelete はドキュメントの削除。
	ChangeOpDelete ChangeOp = "DELETE"
)

// ChangeEvent はストアの変更通知1件を表す。
// 変更されたドキュメントのIDのみを信頼し、内容は再取得して確認する。
type ChangeEvent struct {
	DocumentID string   `json:"id"`
	Op         ChangeOp `json:"op"`
}
