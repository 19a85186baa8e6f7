package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hitoshi/photofeed/internal/model"
)

// photoProjection は写真レコードをストア境界のJSON形状に射影するSQL断片。
// $1 にはアセットURLの基底（PUBLIC_BASE_URL）を渡す。
const photoProjection = `json_build_object(
	'id', p.id,
	'created_at', p.created_at,
	'visible', p.visible,
	'photo', json_build_object(
		'asset_url', $1::text || '/assets/' || a.id,
		'width', a.width,
		'height', a.height,
		'caption', p.caption,
		'attribution', p.attribution
	)
)`

// visiblePredicate はフィードに含める写真の条件。
const visiblePredicate = `p.visible IS DISTINCT FROM false`

// PostgresPhotoRepo はPostgreSQLを使用した写真ドキュメントリポジトリ。
type PostgresPhotoRepo struct {
	db           *sql.DB
	assetBaseURL string
}

// NewPostgresPhotoRepo はPostgresPhotoRepoを生成する。
// assetBaseURLはアセットURLの解決に使用する公開URL（末尾スラッシュなし）。
func NewPostgresPhotoRepo(db *sql.DB, assetBaseURL string) *PostgresPhotoRepo {
	return &PostgresPhotoRepo{db: db, assetBaseURL: assetBaseURL}
}

// QueryVisible は表示対象の写真をcreated_at降順で全件取得する。
func (r *PostgresPhotoRepo) QueryVisible(ctx context.Context) ([]json.RawMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+photoProjection+`
		 FROM photos p JOIN photo_assets a ON a.id = p.asset_id
		 WHERE `+visiblePredicate+`
		 ORDER BY p.created_at DESC, p.id DESC`,
		r.assetBaseURL,
	)
	if err != nil {
		return nil, fmt.Errorf("写真一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return scanRawRecords(rows)
}

// FetchVisibleByID はQueryVisibleと同じ条件で指定IDの写真を取得する。
func (r *PostgresPhotoRepo) FetchVisibleByID(ctx context.Context, id string) ([]json.RawMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+photoProjection+`
		 FROM photos p JOIN photo_assets a ON a.id = p.asset_id
		 WHERE `+visiblePredicate+` AND p.id = $2
		 ORDER BY p.created_at DESC`,
		r.assetBaseURL, id,
	)
	if err != nil {
		return nil, fmt.Errorf("写真の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return scanRawRecords(rows)
}

// FindByID は表示状態に関わらず指定IDの写真を取得する。見つからない場合はnilを返す。
func (r *PostgresPhotoRepo) FindByID(ctx context.Context, id string) (json.RawMessage, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT `+photoProjection+`
		 FROM photos p JOIN photo_assets a ON a.id = p.asset_id
		 WHERE p.id = $2`,
		r.assetBaseURL, id,
	).Scan(&raw)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("写真の取得に失敗しました: %w", err)
	}
	return json.RawMessage(raw), nil
}

// CreateOrReplace はIDをキーにドキュメントを原子的に作成または置換する。
// 置換時はドキュメント全体を差し替えるため、visibleは未設定に戻る。
// created_atは初回作成時の値を維持する。
func (r *PostgresPhotoRepo) CreateOrReplace(ctx context.Context, doc *model.PhotoDocument) (json.RawMessage, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx,
		`WITH p AS (
		     INSERT INTO photos (id, asset_id, caption, attribution)
		     VALUES ($2, $3, $4, $5)
		     ON CONFLICT (id) DO UPDATE SET
		         asset_id = EXCLUDED.asset_id,
		         caption = EXCLUDED.caption,
		         attribution = EXCLUDED.attribution,
		         visible = NULL,
		         updated_at = clock_timestamp()
		     RETURNING id, asset_id, caption, attribution, visible, created_at
		 )
		 SELECT `+photoProjection+`
		 FROM p JOIN photo_assets a ON a.id = p.asset_id`,
		r.assetBaseURL, doc.ID, doc.AssetID, nullString(doc.Caption), nullString(doc.Attribution),
	).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("写真ドキュメントの作成または置換に失敗しました: %w", err)
	}
	return json.RawMessage(raw), nil
}

// SetVisibility は写真の表示フラグを更新する。
func (r *PostgresPhotoRepo) SetVisibility(ctx context.Context, id string, visible *bool) (bool, error) {
	var v sql.NullBool
	if visible != nil {
		v = sql.NullBool{Bool: *visible, Valid: true}
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE photos SET visible = $2, updated_at = clock_timestamp() WHERE id = $1`,
		id, v,
	)
	if err != nil {
		return false, fmt.Errorf("表示フラグの更新に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// scanRawRecords はJSON列1つの結果セットを読み取る。
func scanRawRecords(rows *sql.Rows) ([]json.RawMessage, error) {
	records := []json.RawMessage{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("写真行の読み取りに失敗しました: %w", err)
		}
		records = append(records, json.RawMessage(raw))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("写真一覧の走査に失敗しました: %w", err)
	}
	return records, nil
}

// nullString は空文字列をNULLとして扱うsql.NullStringを返す。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// compile-time interface check
var _ PhotoRepository = (*PostgresPhotoRepo)(nil)
