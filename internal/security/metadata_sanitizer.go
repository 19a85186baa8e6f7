// Package security はアプリケーションのセキュリティ機能を提供する。
//
// MetadataSanitizer は写真のキャプション・クレジットなど利用者が入力した
// テキストからHTMLを完全に除去し、プレーンテキストとして保存できる形にする。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// MetadataSanitizer はテキストメタデータのサニタイズ機能のインターフェース。
type MetadataSanitizer interface {
	// Sanitize は全てのタグを除去し、前後の空白を取り除いたプレーンテキストを返す。
	// 結果を再度Sanitizeに渡しても変化しない（冪等）。エスケープされたタグも除去する。
	Sanitize(text string) string
}

// metadataSanitizer はMetadataSanitizerの実装。
// bluemondayのポリシーはスレッドセーフに共有できる。
type metadataSanitizer struct {
	policy *bluemonday.Policy
}

// NewMetadataSanitizer はタグを一切許可しないポリシーでサニタイザーを生成する。
func NewMetadataSanitizer() *metadataSanitizer {
	return &metadataSanitizer{policy: bluemonday.StrictPolicy()}
}

// maxSanitizePasses はエンティティの多重エンコードを剥がす最大回数。
const maxSanitizePasses = 8

// Sanitize はテキストをサニタイズする。
// StrictPolicyはエンティティをエスケープして返すため保存前に戻すが、
// 戻した結果にタグが現れることがあるので、値が変化しなくなるまで繰り返す。
// 収束しない場合はエスケープされたままの値を返す。
func (s *metadataSanitizer) Sanitize(text string) string {
	if text == "" {
		return ""
	}
	current := text
	for i := 0; i < maxSanitizePasses; i++ {
		next := strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(current)))
		if next == current {
			return next
		}
		current = next
	}
	return strings.TrimSpace(s.policy.Sanitize(current))
}

var _ MetadataSanitizer = (*metadataSanitizer)(nil)
