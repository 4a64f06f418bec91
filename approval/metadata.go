package approval

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"

	"github.com/pkg/errors"
)

// Metadata 提交方附带的数据(比如提交内容的快照), 引擎只负责原样保存和返回, 不解释内容
type Metadata struct {
	data map[string]any
}

// NewMetadata 从 map 创建, nil 表示空
func NewMetadata(m map[string]any) *Metadata {
	if m == nil {
		m = make(map[string]any)
	}
	return &Metadata{data: m}
}

// NewMetadataFromBytes 从 json 字节创建, 解析失败当成空处理
func NewMetadataFromBytes(b []byte) *Metadata {
	md := &Metadata{data: make(map[string]any)}
	if len(b) > 0 {
		if data, err := decodeMetadata(b); err == nil {
			md.data = data
		}
	}
	return md
}

// decodeMetadata 数字解析成 json.Number, 超过 2^53 的整数不会丢精度
func decodeMetadata(b []byte) (map[string]any, error) {
	data := make(map[string]any)
	decoder := json.NewDecoder(bytes.NewReader(b))
	decoder.UseNumber()
	if err := decoder.Decode(&data); err != nil {
		return nil, err
	}
	if data == nil {
		data = make(map[string]any)
	}
	return data, nil
}

// Get 获取值，支持嵌套路径
// 例如: Get("ai_prompt", "goal") 获取 ai_prompt.goal
func (m *Metadata) Get(keys ...string) (any, bool) {
	if m == nil || len(keys) == 0 {
		return nil, false
	}
	current := any(m.data)
	for _, key := range keys {
		currentMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, exists := currentMap[key]
		if !exists {
			return nil, false
		}
		current = val
	}
	return current, true
}

func (m *Metadata) GetString(keys ...string) (string, bool) {
	val, ok := m.Get(keys...)
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// GetFloat64 json 解析出来的数字是 json.Number
func (m *Metadata) GetFloat64(keys ...string) (float64, bool) {
	val, ok := m.Get(keys...)
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

func (m *Metadata) GetInt64(keys ...string) (int64, bool) {
	val, ok := m.Get(keys...)
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case json.Number:
		i, err := v.Int64()
		return i, err == nil
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

// Set 设置值，中间路径不存在或者不是 map 会被覆盖成 map
func (m *Metadata) Set(keys []string, value any) error {
	if len(keys) == 0 {
		return errors.New("keys cannot be empty")
	}
	current := m.data
	for _, key := range keys[:len(keys)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[key] = next
		}
		current = next
	}
	current[keys[len(keys)-1]] = value
	return nil
}

func (m *Metadata) Len() int {
	if m == nil {
		return 0
	}
	return len(m.data)
}

// ToMap 返回底层 map（注意：返回的是引用）
func (m *Metadata) ToMap() map[string]any {
	if m == nil {
		return nil
	}
	return m.data
}

// Clone 深拷贝, 不能编码成 json 的值(NaN, chan 之类)返回错误
func (m *Metadata) Clone() (*Metadata, error) {
	if m == nil {
		return NewMetadata(nil), nil
	}
	b, err := m.MarshalJSON()
	if err != nil {
		return nil, errors.WithMessage(err, "marshal metadata failed")
	}
	data, err := decodeMetadata(b)
	if err != nil {
		return nil, errors.WithMessage(err, "unmarshal metadata failed")
	}
	return &Metadata{data: data}, nil
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	if m.data == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m.data)
}

func (m *Metadata) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		m.data = make(map[string]any)
		return nil
	}
	data, err := decodeMetadata(b)
	if err != nil {
		return errors.WithMessage(err, "unmarshal metadata failed")
	}
	m.data = data
	return nil
}

// Value 实现 driver.Valuer, 以 json 文本落库
func (m Metadata) Value() (driver.Value, error) {
	if m.data == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m.data)
	if err != nil {
		return nil, errors.WithMessage(err, "marshal metadata failed")
	}
	return string(b), nil
}

// Scan 实现 sql.Scanner
func (m *Metadata) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		m.data = make(map[string]any)
		return nil
	case []byte:
		return m.UnmarshalJSON(v)
	case string:
		return m.UnmarshalJSON([]byte(v))
	}
	return errors.Errorf("unsupported metadata column type %T", src)
}
