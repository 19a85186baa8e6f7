// Package repository はドキュメントストアへのアクセスを定義する。
// ストアの応答は生のJSONレコードとして返し、型への変換とスキーマ検証は呼び出し側が行う。
package repository

import (
	"context"
	"encoding/json"
	"io"

	"github.com/hitoshi/photofeed/internal/model"
)

// PhotoRepository は写真ドキュメントの読み書きインターフェース。
type PhotoRepository interface {
	// QueryVisible は表示対象（visible IS DISTINCT FROM false）の写真を
	// created_at降順で全件取得する。
	QueryVisible(ctx context.Context) ([]json.RawMessage, error)

	// FetchVisibleByID はQueryVisibleと同じ条件で指定IDの写真を取得する。
	// 非表示または存在しない場合は空スライスを返す。
	FetchVisibleByID(ctx context.Context, id string) ([]json.RawMessage, error)

	// FindByID は表示状態に関わらず指定IDの写真を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (json.RawMessage, error)

	// CreateOrReplace はIDをキーにドキュメントを原子的に作成または置換し、
	// 永続化後のレコードを返す。created_atは初回作成時の値を維持する。
	CreateOrReplace(ctx context.Context, doc *model.PhotoDocument) (json.RawMessage, error)

	// SetVisibility は写真の表示フラグを更新する。nilは未設定（表示）を表す。
	// 対象が存在しない場合はfalseを返す。
	SetVisibility(ctx context.Context, id string, visible *bool) (bool, error)
}

// UploadOptions はアセットアップロード時の付帯情報。
type UploadOptions struct {
	Filename string
}

// AssetRepository は画像アセットの保存と取得のインターフェース。
type AssetRepository interface {
	// UploadAsset はバイナリをストリームで受け取り保存する。
	// 同一内容のバイナリは同一アセットとして扱われる（冪等）。
	UploadAsset(ctx context.Context, kind string, r io.Reader, opts UploadOptions) (*model.Asset, error)

	// FindAsset はアセットのメタデータと内容を取得する。見つからない場合はnilを返す。
	FindAsset(ctx context.Context, id string) (*model.Asset, []byte, error)
}

// Subscription はストアの変更通知ストリーム。
type Subscription interface {
	// Events は変更通知を配信するチャネルを返す。購読終了時にクローズされる。
	Events() <-chan model.ChangeEvent
	// Errors は通知経路のエラーを配信するチャネルを返す。購読終了時にクローズされる。
	Errors() <-chan error
	// Reconnected は通知経路が切断から復旧するたびに通知するチャネルを返す。
	// 切断中の変更通知は失われている可能性がある。購読終了時にクローズされる。
	Reconnected() <-chan struct{}
	// Close は購読を終了する。複数回呼び出しても安全。
	Close() error
}

// ChangeSubscriber は変更通知の購読を開始するインターフェース。
type ChangeSubscriber interface {
	// Subscribe は写真ドキュメントの変更通知の購読を開始する。
	// ctxのキャンセルでも購読は終了する。
	Subscribe(ctx context.Context) (Subscription, error)
}
