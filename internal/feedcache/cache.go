// Package feedcache はストア上の表示対象の写真を、created_at降順の一覧として
// メモリ上に保持し、変更通知を取り込んで最新に保つ。
//
// Cacheはプロセスに1つだけ生成し、利用者はAttachで得たAttachmentを通して参照する。
// 購読と一括ロードは最初のAttachで一度だけ開始され、最後のDetachで停止する。
package feedcache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/hitoshi/photofeed/internal/metrics"
	"github.com/hitoshi/photofeed/internal/model"
	"github.com/hitoshi/photofeed/internal/repository"
	"github.com/hitoshi/photofeed/internal/schema"
)

// State はキャッシュの状態。
type State int

const (
	// StateUninitialized は利用者がいない状態。購読を持たない。
	StateUninitialized State = iota
	// StateLoading は購読を開始し、一括ロードの完了を待っている状態。
	StateLoading
	// StateLive は一括ロードが完了し、変更通知を取り込んでいる状態。
	StateLive
	// StateFailed は購読開始または一括ロードに失敗した状態。最後のDetachまで維持される。
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Store はキャッシュが参照するストアの読み取り操作。
type Store interface {
	QueryVisible(ctx context.Context) ([]json.RawMessage, error)
	FetchVisibleByID(ctx context.Context, id string) ([]json.RawMessage, error)
}

// View は利用者に公開する状態のスナップショット。
type View struct {
	Records []model.Photo
	Loading bool
	Err     error
}

// Options はCacheの任意設定。
type Options struct {
	Logger  *slog.Logger
	Metrics metrics.MetricsCollector
}

// Cache は写真フィードの共有キャッシュ。
type Cache struct {
	store      Store
	subscriber repository.ChangeSubscriber
	validator  *schema.Validator
	logger     *slog.Logger
	metrics    metrics.MetricsCollector

	mu         sync.Mutex
	refs       int
	state      State
	generation uint64 // 購読の世代。古い世代のゴルーチンは状態を書き換えない
	records    []model.Photo
	loading    bool
	err        error
	cancel     context.CancelFunc
	done       chan struct{}
	watchers   map[*Attachment]struct{}
}

// New はCacheを生成する。購読はAttachされるまで開始しない。
func New(store Store, subscriber repository.ChangeSubscriber, validator *schema.Validator, opts Options) *Cache {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	return &Cache{
		store:      store,
		subscriber: subscriber,
		validator:  validator,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		records:    []model.Photo{},
		watchers:   make(map[*Attachment]struct{}),
	}
}

// Attachment は利用者1人分の参照。Detachで解放する。
type Attachment struct {
	cache   *Cache
	changed chan struct{}
	once    sync.Once
}

// View は現在の状態のコピーを返す。
func (a *Attachment) View() View {
	return a.cache.View()
}

// Changed は状態が変化するたびに通知されるチャネルを返す。
// 通知は合流するため、受信後はViewで最新の状態を読み直すこと。
func (a *Attachment) Changed() <-chan struct{} {
	return a.changed
}

// Detach は参照を解放する。2回目以降の呼び出しは何もしない。
func (a *Attachment) Detach() {
	a.once.Do(func() { a.cache.detach(a) })
}

// Attach は利用者を登録する。
// キャッシュが未初期化なら購読と一括ロードをバックグラウンドで開始する。
// ロード中の追加のAttachは参照数を増やすだけで、ロードを重複して行わない。
func (c *Cache) Attach() *Attachment {
	a := &Attachment{cache: c, changed: make(chan struct{}, 1)}

	c.mu.Lock()
	c.watchers[a] = struct{}{}
	c.refs++
	if c.state == StateUninitialized {
		c.startLocked()
	}
	refs := c.refs
	c.mu.Unlock()

	c.metrics.SetConsumers(refs)
	return a
}

// View は現在の状態のコピーを返す。
func (c *Cache) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return View{
		Records: slices.Clone(c.records),
		Loading: c.loading,
		Err:     c.err,
	}
}

// State は現在の状態を返す。
func (c *Cache) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// startLocked は新しい世代の購読ゴルーチンを開始する。c.muを保持して呼ぶこと。
func (c *Cache) startLocked() {
	c.generation++
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.state = StateLoading
	c.loading = true
	c.err = nil
	c.cancel = cancel
	c.done = done
	c.notifyLocked()

	go c.run(ctx, c.generation, done)
}

// detach は参照数を減らし、0になったら購読を停止して未初期化に戻す。
// 戻った時点で旧世代のマージは状態を書き換えない。
func (c *Cache) detach(a *Attachment) {
	c.mu.Lock()
	delete(c.watchers, a)
	c.refs--
	refs := c.refs

	var cancel context.CancelFunc
	var done chan struct{}
	if c.refs == 0 {
		cancel, done = c.cancel, c.done
		c.cancel, c.done = nil, nil
		c.generation++
		c.state = StateUninitialized
		c.loading = false
	}
	c.mu.Unlock()

	c.metrics.SetConsumers(refs)
	if cancel != nil {
		cancel()
		<-done
		c.logger.Info("フィードキャッシュの購読を停止しました")
	}
}

// run は1世代分の購読・一括ロード・マージループを実行する。
func (c *Cache) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	// 一括ロード中の変更を取りこぼさないよう、先に購読する
	sub, err := c.subscriber.Subscribe(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.fail(gen, err, metrics.BulkLoadTransportError)
		return
	}
	defer func() {
		if err := sub.Close(); err != nil {
			c.logger.Warn("購読のクローズに失敗しました", slog.String("error", err.Error()))
		}
	}()

	if !c.bulkLoad(ctx, gen) {
		return
	}

	errs := sub.Errors()
	reconnected := sub.Reconnected()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-reconnected:
			if !ok {
				reconnected = nil
				continue
			}
			c.resync(ctx, gen)
		case ev, ok := <-sub.Events():
			if !ok {
				c.setErr(gen, model.NewTransportError("subscription", errors.New("change stream closed")))
				return
			}
			c.mergeUpdate(ctx, gen, ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.logger.Warn("変更通知の経路でエラーが発生しました", slog.String("error", err.Error()))
			c.setErr(gen, err)
		}
	}
}

// load は表示対象の全件を取得し、一括で検証する。失敗時はメトリクスのラベル値も返す。
func (c *Cache) load(ctx context.Context) ([]model.Photo, string, error) {
	raws, err := c.store.QueryVisible(ctx)
	if err != nil {
		return nil, metrics.BulkLoadTransportError, model.NewTransportError("bulk load", err)
	}
	res := c.validator.Batch(raws)
	if !res.OK() {
		return nil, metrics.BulkLoadSchemaError, res.Err
	}
	return normalize(res.Value), metrics.BulkLoadSuccess, nil
}

// bulkLoad は初回の一括ロードを行い、検証に成功した場合のみ一覧を置き換える。
func (c *Cache) bulkLoad(ctx context.Context, gen uint64) bool {
	records, result, err := c.load(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		c.fail(gen, err, result)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return false
	}
	c.records = records
	c.loading = false
	c.state = StateLive
	c.notifyLocked()

	c.metrics.RecordBulkLoad(result)
	c.metrics.SetFeedSize(len(records))
	c.logger.Info("フィードを一括ロードしました", slog.Int("records", len(records)))
	return true
}

// resync は通知経路の再接続後に全件を読み直す。切断中に失われた変更を反映し、
// 成功すれば購読中のエラーを解消する。失敗時は一覧を維持してエラーを記録する。
func (c *Cache) resync(ctx context.Context, gen uint64) {
	records, result, err := c.load(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.metrics.RecordBulkLoad(result)
		c.logger.Warn("再接続後の再読み込みに失敗しました", slog.String("error", err.Error()))
		c.setErr(gen, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return
	}
	c.records = records
	c.err = nil
	c.notifyLocked()

	c.metrics.RecordBulkLoad(result)
	c.metrics.SetFeedSize(len(records))
	c.logger.Info("再接続後にフィードを再読み込みしました", slog.Int("records", len(records)))
}

// mergeUpdate は変更通知1件を取り込む。マージループからのみ呼ばれる。
// 通知の内容は信頼せず、IDで再取得した結果を検証してから反映する。
func (c *Cache) mergeUpdate(ctx context.Context, gen uint64, ev model.ChangeEvent) {
	logger := c.logger.With(slog.String("photo_id", ev.DocumentID), slog.String("op", string(ev.Op)))

	raws, err := c.store.FetchVisibleByID(ctx, ev.DocumentID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Warn("変更された写真の再取得に失敗したため通知を破棄しました", slog.String("error", err.Error()))
		c.metrics.RecordMerge(metrics.MergeDropped)
		return
	}

	var photo *model.Photo
	switch len(raws) {
	case 0:
	case 1:
		res := c.validator.Record(raws[0])
		if !res.OK() {
			logger.Warn("変更された写真がスキーマ検証に失敗したため通知を破棄しました", slog.String("error", res.Err.Error()))
			c.metrics.RecordMerge(metrics.MergeDropped)
			return
		}
		if res.Value.ID != ev.DocumentID {
			logger.Warn("再取得した写真のIDが通知と一致しないため通知を破棄しました", slog.String("fetched_id", res.Value.ID))
			c.metrics.RecordMerge(metrics.MergeDropped)
			return
		}
		photo = &res.Value
	default:
		logger.Warn("再取得の結果が複数件のため通知を破棄しました", slog.Int("count", len(raws)))
		c.metrics.RecordMerge(metrics.MergeDropped)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return
	}

	var outcome string
	if photo != nil && photo.IsVisible() {
		c.records = upsert(c.records, *photo)
		outcome = metrics.MergeApplied
	} else {
		var removed bool
		c.records, removed = remove(c.records, ev.DocumentID)
		outcome = metrics.MergeIgnored
		if removed {
			outcome = metrics.MergeRemoved
		}
	}
	if outcome != metrics.MergeIgnored {
		c.notifyLocked()
	}

	c.metrics.RecordMerge(outcome)
	c.metrics.SetFeedSize(len(c.records))
	logger.Debug("変更通知を取り込みました", slog.String("outcome", outcome))
}

// fail は購読開始または一括ロードの失敗を記録する。一覧は直前の値のまま維持する。
func (c *Cache) fail(gen uint64, err error, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return
	}
	c.err = err
	c.loading = false
	c.state = StateFailed
	c.notifyLocked()

	c.metrics.RecordBulkLoad(result)
	c.logger.Error("フィードの初期化に失敗しました", slog.String("error", err.Error()))
}

// setErr は購読中のエラーを記録する。一覧とキャッシュの状態は変えない。
func (c *Cache) setErr(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return
	}
	c.err = err
	c.notifyLocked()
}

// notifyLocked は全利用者に変更を通知する。c.muを保持して呼ぶこと。
func (c *Cache) notifyLocked() {
	for a := range c.watchers {
		select {
		case a.changed <- struct{}{}:
		default:
		}
	}
}
