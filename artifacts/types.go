package artifacts

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/BaSui01/enzymeflow/types"
)

// Kind 产物类型
type Kind string

const (
	KindTable    Kind = "table"
	KindDocument Kind = "document"
)

// 产物引用来源
const (
	SourceStep     = "step"
	SourceOverride = "override"
	SourceDefault  = "default"
)

// Schema 产物的数据契约：名称、版本、类型与必需列
type Schema struct {
	Name    string   `json:"name" yaml:"name"`
	Version int      `json:"version" yaml:"version"`
	Kind    Kind     `json:"kind" yaml:"kind"`
	Columns []string `json:"columns,omitempty" yaml:"columns,omitempty"`
}

func (s Schema) String() string {
	return fmt.Sprintf("%s@v%d", s.Name, s.Version)
}

// Validate 校验 schema 自身是否合法
func (s Schema) Validate() error {
	if s.Name == "" {
		return types.NewError(types.ErrInvalidContract, "schema name is empty")
	}
	if s.Version < 1 {
		return types.Errorf(types.ErrInvalidContract, "schema %s: version must be >= 1", s.Name)
	}
	switch s.Kind {
	case KindTable:
	case KindDocument:
		if len(s.Columns) > 0 {
			return types.Errorf(types.ErrInvalidContract, "schema %s: documents cannot declare columns", s.Name)
		}
	default:
		return types.Errorf(types.ErrInvalidContract, "schema %s: unknown kind %q", s.Name, s.Kind)
	}
	return nil
}

// Ref 对已持久化产物版本的引用，清单条目与步骤输入均以此定位产物
type Ref struct {
	Name     string `json:"name"`
	Hash     string `json:"hash"`
	Root     string `json:"root"`
	SubArea  string `json:"subarea"`
	Filename string `json:"filename"`
	Schema   Schema `json:"schema"`
	Source   string `json:"source,omitempty"`
}

// Location 返回 root/subarea/filename 形式的逻辑位置
func (r Ref) Location() string {
	return r.Root + "/" + r.SubArea + "/" + r.Filename
}

// ShortHash 返回哈希前 12 位，用于日志
func (r Ref) ShortHash() string {
	if len(r.Hash) > 12 {
		return r.Hash[:12]
	}
	return r.Hash
}

// Artifact 一个已写入的产物版本的完整描述，同时作为 sidecar 内容
type Artifact struct {
	Name        string    `json:"name"`
	Step        string    `json:"step,omitempty"`
	Kind        Kind      `json:"kind"`
	Schema      Schema    `json:"schema"`
	Hash        string    `json:"hash"`
	Root        string    `json:"root"`
	SubArea     string    `json:"subarea"`
	Filename    string    `json:"filename"`
	Path        string    `json:"path"`
	VersionPath string    `json:"version_path"`
	Size        int64     `json:"size"`
	Columns     []string  `json:"columns,omitempty"`
	Rows        int       `json:"rows,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Ref 生成指向该版本的引用
func (a *Artifact) Ref(source string) Ref {
	return Ref{
		Name:     a.Name,
		Hash:     a.Hash,
		Root:     a.Root,
		SubArea:  a.SubArea,
		Filename: a.Filename,
		Schema:   a.Schema,
		Source:   source,
	}
}

// WriteRequest 写入请求，Table 与 Document 二选一，由 Schema.Kind 决定
type WriteRequest struct {
	Root     string
	SubArea  string
	Filename string
	Name     string
	Step     string
	Schema   Schema
	Table    *Table
	Document any
}

// Table 有序列名与行组成的表格数据
type Table struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// NewTable 以给定列名创建空表
func NewTable(columns ...string) *Table {
	return &Table{Columns: slices.Clone(columns)}
}

// Append 追加一行，值个数必须与列数一致
func (t *Table) Append(values ...string) error {
	if len(values) != len(t.Columns) {
		return types.Errorf(types.ErrInvalidOutput, "row has %d values, table has %d columns", len(values), len(t.Columns))
	}
	t.Rows = append(t.Rows, slices.Clone(values))
	return nil
}

// Len 返回行数
func (t *Table) Len() int { return len(t.Rows) }

// ColumnIndex 返回列下标
func (t *Table) ColumnIndex(name string) (int, bool) {
	i := slices.Index(t.Columns, name)
	return i, i >= 0
}

// Value 返回第 row 行 column 列的值，列不存在时返回空串
func (t *Table) Value(row int, column string) string {
	i, ok := t.ColumnIndex(column)
	if !ok || row < 0 || row >= len(t.Rows) {
		return ""
	}
	return t.Rows[row][i]
}

// Column 返回整列的值
func (t *Table) Column(name string) []string {
	i, ok := t.ColumnIndex(name)
	if !ok {
		return nil
	}
	out := make([]string, len(t.Rows))
	for r, row := range t.Rows {
		out[r] = row[i]
	}
	return out
}

// Records 以列名映射返回前 max 行；max <= 0 表示全部
func (t *Table) Records(max int) []map[string]string {
	n := len(t.Rows)
	if max > 0 && max < n {
		n = max
	}
	out := make([]map[string]string, 0, n)
	for _, row := range t.Rows[:n] {
		rec := make(map[string]string, len(t.Columns))
		for i, col := range t.Columns {
			rec[col] = row[i]
		}
		out = append(out, rec)
	}
	return out
}

// MissingColumns 返回 required 中表头不包含的列
func (t *Table) MissingColumns(required []string) []string {
	var missing []string
	for _, col := range required {
		if !slices.Contains(t.Columns, col) {
			missing = append(missing, col)
		}
	}
	return missing
}

func (t *Table) validate() error {
	if len(t.Columns) == 0 {
		return types.NewError(types.ErrInvalidOutput, "table has no columns")
	}
	seen := make(map[string]struct{}, len(t.Columns))
	for _, col := range t.Columns {
		if col == "" {
			return types.NewError(types.ErrInvalidOutput, "table has an empty column name")
		}
		if strings.Contains(col, "\r\n") {
			return types.Errorf(types.ErrInvalidOutput, "column name %q contains a CRLF line break", col)
		}
		if _, dup := seen[col]; dup {
			return types.Errorf(types.ErrInvalidOutput, "duplicate column %q", col)
		}
		seen[col] = struct{}{}
	}
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return types.Errorf(types.ErrInvalidOutput, "row %d has %d values, want %d", i, len(row), len(t.Columns))
		}
		for j, v := range row {
			if strings.Contains(v, "\r\n") {
				return types.Errorf(types.ErrInvalidOutput, "row %d column %q contains a CRLF line break", i, t.Columns[j]).
					WithDetail("row", i).
					WithDetail("column", t.Columns[j])
			}
		}
	}
	return nil
}

// NormalizeLineEndings 把 CRLF 换行改为 LF。CSV 读取会把字段内的 CRLF 折叠成 LF，
// 含 CRLF 的值无法原样读回，外部文本写入表格前应先经过这里。
func NormalizeLineEndings(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// Payload 读取结果：表格或 JSON 文档
type Payload struct {
	Kind     Kind            `json:"kind"`
	Schema   Schema          `json:"schema"`
	Table    *Table          `json:"table,omitempty"`
	Document json.RawMessage `json:"document,omitempty"`
}

// Decode 将文档载荷解码到 v
func (p *Payload) Decode(v any) error {
	if p.Kind != KindDocument {
		return types.Errorf(types.ErrSchemaMismatch, "payload %s is a %s, not a document", p.Schema, p.Kind)
	}
	if err := json.Unmarshal(p.Document, v); err != nil {
		return types.NewError(types.ErrCorruptDocument, "decode document").WithCause(err)
	}
	return nil
}
