package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/hitoshi/photofeed/internal/model"
)

// NewAdminAuthMiddleware は Authorization: Bearer <token> を検証するミドルウェアを返す。
// tokenが空の場合は管理者APIを無効とし、全てのリクエストを拒否する。
func NewAdminAuthMiddleware(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
