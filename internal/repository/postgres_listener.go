package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/photofeed/internal/model"
)

// ChangeChannel は写真変更通知のNOTIFYチャネル名。
const ChangeChannel = "photo_changes"

// listenerPingInterval はLISTEN接続の死活確認間隔。
const listenerPingInterval = 90 * time.Second

// PostgresChangeSubscriber はLISTEN/NOTIFYで写真の変更通知を購読する。
// 接続断からの再接続はlib/pqのListenerに任せる。
type PostgresChangeSubscriber struct {
	dsn          string
	minReconnect time.Duration
	maxReconnect time.Duration
	bufferSize   int
	logger       *slog.Logger
}

// NewPostgresChangeSubscriber はPostgresChangeSubscriberを生成する。
func NewPostgresChangeSubscriber(dsn string, minReconnect, maxReconnect time.Duration, bufferSize int, logger *slog.Logger) *PostgresChangeSubscriber {
	if bufferSize < 0 {
		bufferSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresChangeSubscriber{
		dsn:          dsn,
		minReconnect: minReconnect,
		maxReconnect: maxReconnect,
		bufferSize:   bufferSize,
		logger:       logger,
	}
}

// Subscribe はphoto_changesチャネルのLISTENを開始する。
func (s *PostgresChangeSubscriber) Subscribe(ctx context.Context) (Subscription, error) {
	sub := &pgSubscription{
		id:          uuid.NewString(),
		events:      make(chan model.ChangeEvent, s.bufferSize),
		errs:        make(chan error, 1),
		reconnected: make(chan struct{}, 1),
		transport:   make(chan error, 8),
		done:        make(chan struct{}),
		finished:    make(chan struct{}),
	}
	sub.logger = s.logger.With(slog.String("subscription_id", sub.id))

	listener := pq.NewListener(s.dsn, s.minReconnect, s.maxReconnect, sub.onListenerEvent)

	// Listenは接続が確立するまで戻らないため、初回接続の失敗を待ち合わせる。
	listenErr := make(chan error, 1)
	go func() { listenErr <- listener.Listen(ChangeChannel) }()

	select {
	case err := <-listenErr:
		if err != nil {
			listener.Close()
			return nil, model.NewTransportError("subscribe", err)
		}
	case err := <-sub.transport:
		listener.Close()
		<-listenErr
		return nil, err
	case <-ctx.Done():
		listener.Close()
		<-listenErr
		return nil, model.NewTransportError("subscribe", ctx.Err())
	}
	sub.listener = listener

	sub.logger.Info("変更通知の購読を開始しました", slog.String("channel", ChangeChannel))
	go sub.run(ctx)
	return sub, nil
}

// pgSubscription はpq.Listener上の1購読。
// events/errsを閉じるのはrunゴルーチンのみ。
type pgSubscription struct {
	id       string
	listener *pq.Listener
	logger   *slog.Logger

	events      chan model.ChangeEvent
	errs        chan error
	reconnected chan struct{}
	transport   chan error

	closeOnce sync.Once
	done      chan struct{}
	finished  chan struct{}
	closeErr  error
}

func (s *pgSubscription) Events() <-chan model.ChangeEvent { return s.events }

func (s *pgSubscription) Errors() <-chan error { return s.errs }

func (s *pgSubscription) Reconnected() <-chan struct{} { return s.reconnected }

// Close は購読を終了し、LISTEN接続が閉じられるまで待つ。
func (s *pgSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	<-s.finished
	return s.closeErr
}

// onListenerEvent はpq.Listenerの接続状態コールバック。
// Listenerの内部ゴルーチンから呼ばれるため、ブロックしない。
func (s *pgSubscription) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		return
	case pq.ListenerEventReconnected:
		s.logger.Info("LISTEN接続が再確立されました")
		return
	}
	if err == nil {
		return
	}
	select {
	case s.transport <- model.NewTransportError("listen", err):
	default:
		s.logger.Warn("通知経路のエラーを破棄しました", slog.String("error", err.Error()))
	}
}

func (s *pgSubscription) run(ctx context.Context) {
	defer close(s.finished)
	defer close(s.errs)
	defer close(s.reconnected)
	defer close(s.events)
	defer func() {
		if err := s.listener.Close(); err != nil {
			s.closeErr = fmt.Errorf("LISTEN接続のクローズに失敗しました: %w", err)
		}
		s.logger.Info("変更通知の購読を終了しました")
	}()

	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			go s.listener.Ping()
		case err := <-s.transport:
			select {
			case s.errs <- err:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			// 再接続直後はnilが届く。切断中の通知は失われている可能性がある。
			if n == nil {
				s.logger.Warn("再接続により変更通知が欠落した可能性があります")
				select {
				case s.reconnected <- struct{}{}:
				default:
				}
				continue
			}
			ev, err := parseChangeEvent(n.Extra)
			if err != nil {
				s.logger.Warn("変更通知のペイロードが不正です",
					slog.String("payload", n.Extra),
					slog.String("error", err.Error()),
				)
				continue
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}
}

// parseChangeEvent はNOTIFYペイロード {"id": "...", "op": "..."} を解析する。
func parseChangeEvent(payload string) (model.ChangeEvent, error) {
	var ev model.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return model.ChangeEvent{}, fmt.Errorf("変更通知の解析に失敗しました: %w", err)
	}
	ev.DocumentID = strings.TrimSpace(ev.DocumentID)
	if ev.DocumentID == "" {
		return model.ChangeEvent{}, fmt.Errorf("変更通知にidがありません")
	}
	switch ev.Op {
	case model.ChangeOpInsert, model.ChangeOpUpdate, model.ChangeOpDelete:
	default:
		return model.ChangeEvent{}, fmt.Errorf("未知の変更種別です: %q", ev.Op)
	}
	return ev, nil
}

// compile-time interface check
var _ ChangeSubscriber = (*PostgresChangeSubscriber)(nil)
