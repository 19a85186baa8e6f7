package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/hitoshi/photofeed/internal/feedcache"
	"github.com/hitoshi/photofeed/internal/model"
	"github.com/hitoshi/photofeed/internal/repository"
	"github.com/hitoshi/photofeed/internal/schema"
)

// --- フィードキャッシュ用のスタブ ---

// stubStore は固定のレコードを返すfeedcache.Store。
type stubStore struct {
	mu      sync.Mutex
	visible []json.RawMessage
	byID    map[string]json.RawMessage
}

func (s *stubStore) QueryVisible(context.Context) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible, nil
}

func (s *stubStore) FetchVisibleByID(_ context.Context, id string) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if raw, ok := s.byID[id]; ok {
		return []json.RawMessage{raw}, nil
	}
	return nil, nil
}

func (s *stubStore) put(id string, raw json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byID == nil {
		s.byID = make(map[string]json.RawMessage)
	}
	s.byID[id] = raw
}

// stubSubscription はテストから変更通知を送るためのSubscription。
type stubSubscription struct {
	events      chan model.ChangeEvent
	errs        chan error
	reconnected chan struct{}
}

func (s *stubSubscription) Events() <-chan model.ChangeEvent { return s.events }
func (s *stubSubscription) Errors() <-chan error             { return s.errs }
func (s *stubSubscription) Reconnected() <-chan struct{}      { return s.reconnected }
func (s *stubSubscription) Close() error                     { return nil }

type stubSubscriber struct {
	sub *stubSubscription
}

func newStubSubscriber() *stubSubscriber {
	return &stubSubscriber{sub: &stubSubscription{
		events:      make(chan model.ChangeEvent, 8),
		errs:        make(chan error, 1),
		reconnected: make(chan struct{}, 1),
	}}
}

func (s *stubSubscriber) Subscribe(context.Context) (repository.Subscription, error) {
	return s.sub, nil
}

func rawRecord(id string, minute int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"id": %q,
		"created_at": "2026-10-18T09:%02d:00Z",
		"visible": null,
		"photo": {"asset_url": "http://photos.test/assets/image-%s-2x1-png", "width": 2, "height": 1, "caption": null, "attribution": null}
	}`, id, minute, id))
}

// readUntil は条件を満たすビューを受信するまで読み続ける。
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, cond func(feedViewResponse) bool) feedViewResponse {
	t.Helper()
	for {
		var v feedViewResponse
		if err := wsjson.Read(ctx, conn, &v); err != nil {
			t.Fatalf("failed to read view: %v", err)
		}
		if cond(v) {
			return v
		}
	}
}

func TestStreamHandler_SendsViewAndChanges(t *testing.T) {
	store := &stubStore{visible: []json.RawMessage{rawRecord("photo-1", 0)}}
	subscriber := newStubSubscriber()
	cache := feedcache.New(store, subscriber, schema.MustNew(), feedcache.Options{Logger: discardLogger()})

	h := NewStreamHandler(cache, "http://localhost:3000", nil, discardLogger())
	srv := httptest.NewServer(http.HandlerFunc(h.Stream))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.CloseNow()

	loaded := readUntil(t, ctx, conn, func(v feedViewResponse) bool { return !v.Loading })
	if len(loaded.Records) != 1 || loaded.Records[0].ID != "photo-1" {
		t.Fatalf("records = %+v, want [photo-1]", loaded.Records)
	}

	// 新しい写真の変更通知はストリームに反映される
	store.put("photo-2", rawRecord("photo-2", 5))
	subscriber.sub.events <- model.ChangeEvent{DocumentID: "photo-2", Op: model.ChangeOpInsert}

	updated := readUntil(t, ctx, conn, func(v feedViewResponse) bool { return len(v.Records) == 2 })
	if updated.Records[0].ID != "photo-2" {
		t.Errorf("newest record = %q, want photo-2", updated.Records[0].ID)
	}

	conn.Close(websocket.StatusNormalClosure, "")

	// 切断でキャッシュの利用者がいなくなり、購読が停止する
	deadline := time.Now().Add(2 * time.Second)
	for cache.State() != feedcache.StateUninitialized {
		if time.Now().After(deadline) {
			t.Fatalf("cache state = %s, want uninitialized after disconnect", cache.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamHandler_RejectsForeignOrigin(t *testing.T) {
	cache := feedcache.New(&stubStore{}, newStubSubscriber(), schema.MustNew(), feedcache.Options{Logger: discardLogger()})
	h := NewStreamHandler(cache, "http://localhost:3000", nil, discardLogger())
	srv := httptest.NewServer(http.HandlerFunc(h.Stream))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"http://evil.example"}},
	})
	if err == nil {
		t.Fatal("expected dial to fail for foreign origin")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
	if cache.State() != feedcache.StateUninitialized {
		t.Errorf("rejected connection should not attach, state = %s", cache.State())
	}
}

func TestStreamHandler_ClosesOnShutdown(t *testing.T) {
	cache := feedcache.New(&stubStore{}, newStubSubscriber(), schema.MustNew(), feedcache.Options{Logger: discardLogger()})
	shutdown := make(chan struct{})
	h := NewStreamHandler(cache, "http://localhost:3000", shutdown, discardLogger())
	srv := httptest.NewServer(http.HandlerFunc(h.Stream))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.CloseNow()

	readUntil(t, ctx, conn, func(v feedViewResponse) bool { return !v.Loading })
	close(shutdown)

	for {
		var v feedViewResponse
		err := wsjson.Read(ctx, conn, &v)
		if err == nil {
			continue
		}
		if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
			t.Fatalf("close status = %v, want StatusGoingAway (err=%v)", got, err)
		}
		break
	}
}
