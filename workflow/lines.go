package workflow

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/BaSui01/enzymeflow/artifacts"
	"github.com/BaSui01/enzymeflow/types"
)

// LinesFromFile 读取每行一个值的文本输入，去掉首尾空白，跳过空行与 # 注释。
// 文件不存在返回 MISSING_INPUT。
func LinesFromFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, types.Errorf(types.ErrMissingInput, "lines file %s does not exist", path).WithDetail("path", path)
	}
	if err != nil {
		return nil, types.Errorf(types.ErrStorageIO, "open %s", path).WithCause(err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, types.Errorf(types.ErrStorageIO, "read %s", path).WithCause(err)
	}
	return lines, nil
}

// LinesValue 把文本行转成单列表格值，列名取 schema 的第一个必需列，否则为 value
func LinesValue(lines []string, schema artifacts.Schema) (Value, error) {
	if schema.Kind != artifacts.KindTable {
		return Value{Document: lines}, nil
	}
	if len(schema.Columns) > 1 {
		return Value{}, types.Errorf(types.ErrSchemaMismatch, "schema %s needs %d columns, a lines file has one", schema, len(schema.Columns))
	}
	column := "value"
	if len(schema.Columns) == 1 {
		column = schema.Columns[0]
	}
	t := artifacts.NewTable(column)
	for _, line := range lines {
		if err := t.Append(line); err != nil {
			return Value{}, err
		}
	}
	return Value{Table: t}, nil
}
