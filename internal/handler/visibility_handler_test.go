package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// mockVisibilityStore はVisibilityStoreのモック実装。
type mockVisibilityStore struct {
	setVisibilityFn func(ctx context.Context, id string, visible *bool) (bool, error)
	findByIDFn      func(ctx context.Context, id string) (json.RawMessage, error)
}

func (m *mockVisibilityStore) SetVisibility(ctx context.Context, id string, visible *bool) (bool, error) {
	if m.setVisibilityFn != nil {
		return m.setVisibilityFn(ctx, id, visible)
	}
	return true, nil
}

func (m *mockVisibilityStore) FindByID(ctx context.Context, id string) (json.RawMessage, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return rawRecord(id, 0), nil
}

// decodeJSON はレスポンスボディをパースするヘルパー。
func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestVisibilityHandler_SetVisibility(t *testing.T) {
	tests := []struct {
		name string
		body string
		want *bool
	}{
		{"非表示", `{"visible": false}`, boolPtr(false)},
		{"表示", `{"visible": true}`, boolPtr(true)},
		{"未設定に戻す", `{"visible": null}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotID string
			var gotVisible *bool
			store := &mockVisibilityStore{
				setVisibilityFn: func(ctx context.Context, id string, visible *bool) (bool, error) {
					gotID, gotVisible = id, visible
					return true, nil
				},
			}
			h := NewVisibilityHandler(store, discardLogger())

			req := httptest.NewRequest(http.MethodPut, "/api/photos/photo-1/visibility", strings.NewReader(tt.body))
			req = withChiURLParam(req, "id", "photo-1")
			w := httptest.NewRecorder()
			h.SetVisibility(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200; body=%s", w.Code, w.Body.String())
			}
			if gotID != "photo-1" {
				t.Errorf("id = %q, want photo-1", gotID)
			}
			switch {
			case tt.want == nil && gotVisible != nil:
				t.Errorf("visible = %v, want nil", *gotVisible)
			case tt.want != nil && (gotVisible == nil || *gotVisible != *tt.want):
				t.Errorf("visible = %v, want %v", gotVisible, *tt.want)
			}

			var record map[string]any
			decodeJSON(t, w, &record)
			if record["id"] != "photo-1" {
				t.Errorf("record id = %v, want photo-1", record["id"])
			}
		})
	}
}

func TestVisibilityHandler_SetVisibility_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		setFn      func(ctx context.Context, id string, visible *bool) (bool, error)
		wantStatus int
		wantCode   string
	}{
		{"不正なJSON", `{`, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"visible未指定", `{}`, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"型が不正", `{"visible": "yes"}`, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{
			"存在しない写真", `{"visible": false}`,
			func(context.Context, string, *bool) (bool, error) { return false, nil },
			http.StatusNotFound, "PHOTO_NOT_FOUND",
		},
		{
			"ストアエラー", `{"visible": false}`,
			func(context.Context, string, *bool) (bool, error) { return false, errors.New("db down") },
			http.StatusInternalServerError, "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewVisibilityHandler(&mockVisibilityStore{setVisibilityFn: tt.setFn}, discardLogger())

			req := httptest.NewRequest(http.MethodPut, "/api/photos/photo-x/visibility", strings.NewReader(tt.body))
			req = withChiURLParam(req, "id", "photo-x")
			w := httptest.NewRecorder()
			h.SetVisibility(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var body map[string]string
			decodeJSON(t, w, &body)
			if body["code"] != tt.wantCode {
				t.Errorf("code = %q, want %q", body["code"], tt.wantCode)
			}
		})
	}
}

func boolPtr(b bool) *bool { return &b }
