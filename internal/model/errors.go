// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// 同期コアのエラー分類。errors.Isで判定する。
var (
	// ErrValidation は入力形式の不備。ネットワーク呼び出し前に検出される。
	ErrValidation = errors.New("validation error")
	// ErrTransport はストアへの到達失敗または異常応答。
	ErrTransport = errors.New("transport error")
	// ErrSchema はストア応答がスキーマ検証に失敗したことを表す。
	ErrSchema = errors.New("schema error")
	// ErrUpload はアセットのアップロード失敗。ドキュメントは作成されない。
	ErrUpload = errors.New("upload error")
	// ErrPersist はドキュメントの書き込みがストアに拒否されたことを表す。
	ErrPersist = errors.New("persist error")
)

// Error は分類付きのエラー。
// Kindには上記の分類エラーのいずれかを設定する。
type Error struct {
	Kind error  // 分類（ErrValidation など）
	Op   string // 失敗した操作名
	Err  error  // 原因
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap は原因エラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// Is は分類エラーとの比較を可能にする。
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(op, reason string) *Error {
	return &Error{Kind: ErrValidation, Op: op, Err: errors.New(reason)}
}

// NewTransportError はストア通信エラーを生成する。
func NewTransportError(op string, err error) *Error {
	return &Error{Kind: ErrTransport, Op: op, Err: err}
}

// NewSchemaError はスキーマ検証エラーを生成する。
func NewSchemaError(op string, err error) *Error {
	return &Error{Kind: ErrSchema, Op: op, Err: err}
}

// NewUploadError はアップロードエラーを生成する。
func NewUploadError(op string, err error) *Error {
	return &Error{Kind: ErrUpload, Op: op, Err: err}
}

// NewPersistError は永続化エラーを生成する。
func NewPersistError(op string, err error) *Error {
	return &Error{Kind: ErrPersist, Op: op, Err: err}
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, photo, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodePhotoNotFound  = "PHOTO_NOT_FOUND"
	ErrCodeAssetNotFound  = "ASSET_NOT_FOUND"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// NewPhotoNotFoundError は写真未検出エラーを生成する。
func NewPhotoNotFoundError(photoID string) *APIError {
	return &APIError{
		Code:     ErrCodePhotoNotFound,
		Message:  fmt.Sprintf("指定された写真が見つかりません: %s", photoID),
		Category: "photo",
		Action:   "写真IDを確認してください。",
	}
}

// NewAssetNotFoundError はアセット未検出エラーを生成する。
func NewAssetNotFoundError(assetID string) *APIError {
	return &APIError{
		Code:     ErrCodeAssetNotFound,
		Message:  fmt.Sprintf("指定されたアセットが見つかりません: %s", assetID),
		Category: "photo",
		Action:   "アセットURLを確認してください。",
	}
}

// NewInvalidRequestError はリクエスト形式の不備を表すエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewUnauthorizedError は管理者認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "管理者認証が必要です。",
		Category: "auth",
		Action:   "Authorizationヘッダーに管理者トークンを指定してください。",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
