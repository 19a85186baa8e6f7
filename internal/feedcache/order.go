package feedcache

import (
	"slices"

	"github.com/hitoshi/photofeed/internal/model"
)

// before はaをbより前に並べるかを返す。created_at降順、同時刻はID降順。
func before(a, b model.Photo) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func compare(a, b model.Photo) int {
	switch {
	case before(a, b):
		return -1
	case before(b, a):
		return 1
	default:
		return 0
	}
}

// normalize は一括ロードの結果から非表示を除き、IDの重複を取り除いて並べ替える。
// 重複時は先に現れたものを採用する。
func normalize(photos []model.Photo) []model.Photo {
	seen := make(map[string]struct{}, len(photos))
	out := make([]model.Photo, 0, len(photos))
	for _, p := range photos {
		if !p.IsVisible() {
			continue
		}
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	slices.SortStableFunc(out, compare)
	return out
}

// upsert はIDが既にあれば置き換え、なければ順序を保つ位置に挿入した新しい一覧を返す。
func upsert(records []model.Photo, p model.Photo) []model.Photo {
	out := make([]model.Photo, 0, len(records)+1)
	for _, r := range records {
		if r.ID != p.ID {
			out = append(out, r)
		}
	}
	i := slices.IndexFunc(out, func(r model.Photo) bool { return before(p, r) })
	if i < 0 {
		return append(out, p)
	}
	return slices.Insert(out, i, p)
}

// remove はIDに一致する写真を除いた新しい一覧を返す。
func remove(records []model.Photo, id string) ([]model.Photo, bool) {
	i := slices.IndexFunc(records, func(r model.Photo) bool { return r.ID == id })
	if i < 0 {
		return records, false
	}
	out := make([]model.Photo, 0, len(records)-1)
	out = append(out, records[:i]...)
	return append(out, records[i+1:]...), true
}
