// Package model 定义信任与安全决策服务的数据模型
package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

var errScanType = errors.New("type assertion to []byte/string failed")

// NowMilli 当前毫秒时间戳
func NowMilli() int64 {
	return time.Now().UnixMilli()
}

// scanBytes 兼容 postgres ([]byte) 与 sqlite (string)
func scanBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, errScanType
	}
}

// JSONMap 任意 JSON 对象 (jsonb)
type JSONMap map[string]interface{}

// Value 实现 driver.Valuer 接口
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan 实现 sql.Scanner 接口
func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	data, err := scanBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, j)
}

// StringList 字符串数组 (jsonb)
type StringList []string

// Value 实现 driver.Valuer 接口
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(s))
}

// Scan 实现 sql.Scanner 接口
func (s *StringList) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	data, err := scanBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, (*[]string)(s))
}

// Contains 是否包含
func (s StringList) Contains(v string) bool {
	for _, item := range s {
		if item == v {
			return true
		}
	}
	return false
}

// JSONRaw 原始 JSON (jsonb), 解析延迟到使用方
type JSONRaw json.RawMessage

// Value 实现 driver.Valuer 接口
func (r JSONRaw) Value() (driver.Value, error) {
	if len(r) == 0 {
		return nil, nil
	}
	return []byte(r), nil
}

// Scan 实现 sql.Scanner 接口
func (r *JSONRaw) Scan(value interface{}) error {
	if value == nil {
		*r = nil
		return nil
	}
	data, err := scanBytes(value)
	if err != nil {
		return err
	}
	*r = append((*r)[0:0], data...)
	return nil
}

// MarshalJSON 原样输出
func (r JSONRaw) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON 原样保存
func (r *JSONRaw) UnmarshalJSON(data []byte) error {
	*r = append((*r)[0:0], data...)
	return nil
}
