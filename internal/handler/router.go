package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/photofeed/internal/metrics"
	"github.com/hitoshi/photofeed/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Metrics           metrics.MetricsCollector
	MetricsGatherer   prometheus.Gatherer
	AdminToken        string

	// ヘルスチェック
	HealthChecker HealthChecker

	// 写真
	Ingester        Ingester
	Feed            FeedViewer
	FeedCache       FeedAttacher
	VisibilityStore VisibilityStore
	UploadMaxBytes  int64

	// アセット
	AssetFinder AssetFinder

	// Shutdown がクローズされるとWebSocket接続を終了する。nilなら接続の切断まで維持する。
	Shutdown <-chan struct{}
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → SecurityHeaders → CORS → Logging → Recovery → Metrics
//
// アップロードはクライアントごとのレート制限、表示切り替えは管理者トークンの検証を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(collector))

	photoHandler := NewPhotoHandler(deps.Ingester, deps.Feed, deps.UploadMaxBytes, logger)
	streamHandler := NewStreamHandler(deps.FeedCache, deps.CORSAllowedOrigin, deps.Shutdown, logger)
	visibilityHandler := NewVisibilityHandler(deps.VisibilityStore, logger)
	assetHandler := NewAssetHandler(deps.AssetFinder, logger)

	// --- 運用 ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsGatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.MetricsGatherer))
	}

	// --- アセット ---
	r.Get("/assets/{id}", assetHandler.ServeAsset)
	r.Head("/assets/{id}", assetHandler.ServeAsset)

	// --- 写真 ---
	r.Route("/api/photos", func(r chi.Router) {
		r.Get("/", photoHandler.Snapshot)
		r.Get("/stream", streamHandler.Stream)

		// POST以外もハンドラーで405を返すため、全メソッドを受け付ける
		upload := http.HandlerFunc(photoHandler.Upload)
		if deps.RateLimiter != nil {
			r.Handle("/upload", deps.RateLimiter.Middleware()(upload))
		} else {
			r.Handle("/upload", upload)
		}

		r.With(middleware.NewAdminAuthMiddleware(deps.AdminToken)).
			Put("/{id}/visibility", visibilityHandler.SetVisibility)
	})

	return r
}
