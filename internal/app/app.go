package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/photofeed/internal/config"
	"github.com/hitoshi/photofeed/internal/database"
	"github.com/hitoshi/photofeed/internal/feedcache"
	"github.com/hitoshi/photofeed/internal/handler"
	"github.com/hitoshi/photofeed/internal/ingest"
	"github.com/hitoshi/photofeed/internal/logger"
	"github.com/hitoshi/photofeed/internal/metrics"
	"github.com/hitoshi/photofeed/internal/middleware"
	"github.com/hitoshi/photofeed/internal/repository"
	"github.com/hitoshi/photofeed/internal/schema"
	"github.com/hitoshi/photofeed/internal/security"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	log := logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, log, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, known := lookupCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, log, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	if !known {
		log.Warn("unknown command, falling back to serve", slog.String("arg", args[0]))
	}

	log.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("public_base_url", cfg.PublicBaseURL),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg, log)
	default:
		// SIGINTまたはSIGTERMでグレースフルシャットダウンする
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg, log)
	}
}

// server はAPIサーバーの構成要素を保持する。
type server struct {
	http       *http.Server
	cache      *feedcache.Cache
	attachment *feedcache.Attachment
}

// newServer は全依存関係をワイヤリングし、起動前のサーバーを返す。
// フィードキャッシュはサーバー自身が利用者として保持し、起動と同時にロードを開始する。
// ctxがキャンセルされるとWebSocket接続を終了する。
func newServer(ctx context.Context, cfg *config.Config, db *sql.DB, log *slog.Logger) (*server, error) {
	// 1. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	// 2. リポジトリの初期化
	photoRepo := repository.NewPostgresPhotoRepo(db, cfg.PublicBaseURL)
	assetRepo := repository.NewPostgresAssetRepo(db, cfg.PublicBaseURL)
	subscriber := repository.NewPostgresChangeSubscriber(
		cfg.DatabaseURL,
		cfg.ListenMinReconnect, cfg.ListenMaxReconnect,
		cfg.MergeBufferSize,
		log.With(slog.String("component", "listener")),
	)

	// 3. 検証とサニタイズ
	validator, err := schema.New()
	if err != nil {
		return nil, fmt.Errorf("failed to compile record schema: %w", err)
	}
	sanitizer := security.NewMetadataSanitizer()

	// 4. ドメインサービスの初期化
	pipeline := ingest.NewPipeline(assetRepo, photoRepo, validator, sanitizer, collector,
		log.With(slog.String("component", "ingest")))
	cache := feedcache.New(photoRepo, subscriber, validator, feedcache.Options{
		Logger:  log.With(slog.String("component", "feedcache")),
		Metrics: collector,
	})
	attachment := cache.Attach()

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitUpload), log)
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Metrics:           collector,
		MetricsGatherer:   reg,
		AdminToken:        cfg.AdminToken,
		HealthChecker:     db,
		Ingester:          pipeline,
		Feed:              attachment,
		FeedCache:         cache,
		VisibilityStore:   photoRepo,
		UploadMaxBytes:    cfg.UploadMaxBytes,
		AssetFinder:       assetRepo,
		Shutdown:          ctx.Done(),
	})

	if cfg.AdminToken == "" {
		log.Warn("ADMIN_TOKEN is not set; visibility endpoint is disabled")
	}

	return &server{
		http: &http.Server{
			Addr:              ":" + cfg.ServerPort,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		cache:      cache,
		attachment: attachment,
	}, nil
}

// cacheFailed は起動時のフィード初期化が失敗した場合に、その原因を1回だけ送るチャネルを返す。
// failedは最後のDetachまで解消されず、サーバーは自身の参照を手放さないため、プロセスの再起動で回復させる。
// キャッシュがliveになった時点で監視を終える。
func (s *server) cacheFailed(ctx context.Context) <-chan error {
	ch := make(chan error, 1)
	go func() {
		for {
			switch s.cache.State() {
			case feedcache.StateFailed:
				ch <- fmt.Errorf("feed cache failed to initialize: %w", s.attachment.View().Err)
				return
			case feedcache.StateLive:
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-s.attachment.Changed():
			}
		}
	}()
	return ch
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	// 1. DB接続
	sqlDB, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer sqlDB.Close()

	if err := database.Ping(ctx, sqlDB, 5*time.Second); err != nil {
		return err
	}

	log.Info("database connection established")

	srv, err := newServer(ctx, cfg, sqlDB, log)
	if err != nil {
		return err
	}
	// 終了時にフィードキャッシュの購読を停止する
	defer srv.attachment.Detach()

	serveErr := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", srv.http.Addr))
		if err := srv.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var cacheErr error
	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case cacheErr = <-srv.cacheFailed(ctx):
		log.Error("feed cache is unavailable, stopping API server", slog.String("error", cacheErr.Error()))
	case <-ctx.Done():
	}

	log.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if cacheErr != nil {
		return cacheErr
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, log *slog.Logger) error {
	log.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
