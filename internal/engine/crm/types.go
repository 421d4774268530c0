package crm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Record is a CRM entity as returned by the API. Numeric fields arrive as
// either JSON numbers or strings depending on the endpoint.
type Record map[string]interface{}

func (r Record) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func (r Record) Int64(key string) (int64, bool) {
	return ParseID(r[key])
}

// Empty reports whether a field is missing, null, blank or an empty list.
func (r Record) Empty(key string) bool {
	v, ok := r[key]
	if !ok || v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) == "" || t == "0"
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	case bool:
		return !t
	}
	return false
}

// ParseID accepts ids as numbers or numeric strings.
func ParseID(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	case int64:
		return t, true
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	}
	return 0, false
}

type Category struct {
	ID   int64
	Name string
	Sort int
}

type Stage struct {
	StatusID  string `json:"status_id"`
	Name      string `json:"name"`
	Sort      int    `json:"sort"`
	Semantics string `json:"semantics,omitempty"`
}

// StageSpec describes a stage to create with a new category.
type StageSpec struct {
	Name      string
	Sort      int
	Semantics string // P process, S success, F failure
	Color     string
}

// File is attachment content ready to send.
type File struct {
	Name    string
	Content []byte
}

// ListParams drives crm.deal.list.
type ListParams struct {
	Filter map[string]interface{}
	Order  map[string]string
	Select []string
}
