// Package schema はストアから受け取った生レコードを検証し、model.Photoへ変換する。
// 検証を通過しなかった値がこのパッケージの外へ出ることはない。
package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/hitoshi/photofeed/internal/model"
)

//go:embed photo.schema.json
var photoSchemaJSON []byte

const photoSchemaURL = "https://photofeed.local/schemas/photo.schema.json"

// Result は検証結果。Errがnilの場合のみValueが有効。
type Result[T any] struct {
	Value T
	Err   error
}

// OK は検証に成功したかを返す。
func (r Result[T]) OK() bool {
	return r.Err == nil
}

func ok[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

func fail[T any](op string, err error) Result[T] {
	return Result[T]{Err: model.NewSchemaError(op, err)}
}

// Validator は写真レコードのスキーマ検証器。並行利用して安全。
type Validator struct {
	schema *jsonschema.Schema
}

// New は埋め込みスキーマをコンパイルしてValidatorを生成する。
func New() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(photoSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("スキーマの読み込みに失敗しました: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(photoSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("スキーマの登録に失敗しました: %w", err)
	}
	sch, err := c.Compile(photoSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("スキーマのコンパイルに失敗しました: %w", err)
	}
	return &Validator{schema: sch}, nil
}

// MustNew はNewと同じだが、失敗時にpanicする。
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// rawRecord はストア境界のJSON形状。captionとattributionはnullを取り得る。
type rawRecord struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Visible   *bool     `json:"visible"`
	Photo     struct {
		AssetURL    string  `json:"asset_url"`
		Width       int     `json:"width"`
		Height      int     `json:"height"`
		Caption     *string `json:"caption"`
		Attribution *string `json:"attribution"`
	} `json:"photo"`
}

// Record は生レコード1件を検証して変換する。
func (v *Validator) Record(raw json.RawMessage) Result[model.Photo] {
	photo, err := v.decode(raw)
	if err != nil {
		return fail[model.Photo]("validate record", err)
	}
	return ok(photo)
}

// Batch は生レコードの列を一括で検証する。
// 1件でも失敗した場合は全体を不合格とし、部分的な結果は返さない。
func (v *Validator) Batch(raws []json.RawMessage) Result[[]model.Photo] {
	photos := make([]model.Photo, 0, len(raws))
	for i, raw := range raws {
		photo, err := v.decode(raw)
		if err != nil {
			return fail[[]model.Photo]("validate batch", fmt.Errorf("records[%d]: %w", i, err))
		}
		photos = append(photos, photo)
	}
	return ok(photos)
}

func (v *Validator) decode(raw json.RawMessage) (model.Photo, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return model.Photo{}, fmt.Errorf("JSONの解析に失敗しました: %w", err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return model.Photo{}, err
	}

	var r rawRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return model.Photo{}, fmt.Errorf("レコードの変換に失敗しました: %w", err)
	}

	return model.Photo{
		ID:        r.ID,
		CreatedAt: r.CreatedAt,
		Visible:   r.Visible,
		Photo: model.PhotoAsset{
			AssetURL:    r.Photo.AssetURL,
			Width:       r.Photo.Width,
			Height:      r.Photo.Height,
			Caption:     deref(r.Photo.Caption),
			Attribution: deref(r.Photo.Attribution),
		},
	}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
