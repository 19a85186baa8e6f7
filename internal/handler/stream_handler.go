package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/hitoshi/photofeed/internal/feedcache"
	"github.com/hitoshi/photofeed/internal/middleware"
)

// streamWriteTimeout は1回の送信に許容する時間。
const streamWriteTimeout = 10 * time.Second

// FeedAttacher はフィードキャッシュへの参照を取得するインターフェース。
type FeedAttacher interface {
	Attach() *feedcache.Attachment
}

// StreamHandler はフィードの変化をWebSocketで配信するハンドラー。
// 接続1本がキャッシュの利用者1人に対応する。
type StreamHandler struct {
	cache          FeedAttacher
	originPatterns []string
	shutdown       <-chan struct{}
	logger         *slog.Logger
}

// NewStreamHandler はStreamHandlerを生成する。
// allowedOriginはCORSと同じ許可オリジン（例: http://localhost:3000）。
// shutdownがクローズされると全接続をStatusGoingAwayで終了する。
func NewStreamHandler(cache FeedAttacher, allowedOrigin string, shutdown <-chan struct{}, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	var patterns []string
	if u, err := url.Parse(allowedOrigin); err == nil && u.Host != "" {
		patterns = append(patterns, u.Host)
	}
	return &StreamHandler{
		cache:          cache,
		originPatterns: patterns,
		shutdown:       shutdown,
		logger:         logger,
	}
}

// Stream はWebSocket接続を受け付け、接続直後と変化のたびにフィード状態を送信する。
// GET /api/photos/stream
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With(slog.String("request_id", middleware.RequestIDFromContext(r.Context())))

	// サーバーのRead/WriteTimeoutは長時間の接続には適用しない
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	attachment := h.cache.Attach()
	defer attachment.Detach()

	// クライアントからのメッセージは読み捨て、切断の検知にのみ使う
	ctx := conn.CloseRead(r.Context())

	logger.Info("feed stream connected")
	shuttingDown, err := h.serve(ctx, conn, attachment)
	if err != nil && ctx.Err() == nil {
		logger.Warn("feed stream write failed", slog.String("error", err.Error()))
		return
	}
	logger.Info("feed stream disconnected")
	if shuttingDown {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// serve は切断またはサーバー停止まで状態を送り続ける。サーバー停止で終了した場合はtrueを返す。
func (h *StreamHandler) serve(ctx context.Context, conn *websocket.Conn, a *feedcache.Attachment) (bool, error) {
	if err := writeView(ctx, conn, a.View()); err != nil {
		return false, err
	}
	for {
		select {
		case <-ctx.Done():
			return false, nil
		case <-h.shutdown:
			return true, nil
		case <-a.Changed():
			if err := writeView(ctx, conn, a.View()); err != nil {
				return false, err
			}
		}
	}
}

func writeView(ctx context.Context, conn *websocket.Conn, v feedcache.View) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, toFeedViewResponse(v))
}
