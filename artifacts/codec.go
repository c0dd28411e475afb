package artifacts

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"

	"github.com/BaSui01/enzymeflow/types"
)

// encoded 序列化结果
type encoded struct {
	data []byte
	hash string
	ext  string
}

func encode(req WriteRequest) (*encoded, error) {
	var (
		data []byte
		ext  string
		err  error
	)
	switch req.Schema.Kind {
	case KindTable:
		if req.Table == nil {
			return nil, types.Errorf(types.ErrInvalidOutput, "artifact %s: table payload is nil", req.Name)
		}
		if missing := req.Table.MissingColumns(req.Schema.Columns); len(missing) > 0 {
			return nil, types.Errorf(types.ErrInvalidOutput, "artifact %s: missing required columns", req.Name).
				WithDetail("missing_columns", missing)
		}
		data, err = encodeTable(req.Table)
		ext = ".csv"
	case KindDocument:
		if req.Document == nil {
			return nil, types.Errorf(types.ErrInvalidOutput, "artifact %s: document payload is nil", req.Name)
		}
		data, err = json.MarshalIndent(req.Document, "", "  ")
		if err != nil {
			err = types.Errorf(types.ErrInvalidOutput, "artifact %s: document is not JSON-serialisable", req.Name).WithCause(err)
		}
		ext = ".json"
	default:
		return nil, types.Errorf(types.ErrInvalidContract, "artifact %s: unknown kind %q", req.Name, req.Schema.Kind)
	}
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return &encoded{data: data, hash: hex.EncodeToString(sum[:]), ext: ext}, nil
}

// encodeTable 写出带表头的 CSV。
// 单列且值为空的行写成 `""`，否则会变成空行并在读回时被跳过。
func encodeTable(t *Table) ([]byte, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	write := func(record []string) error {
		if len(record) == 1 && record[0] == "" {
			w.Flush()
			_, err := buf.WriteString("\"\"\n")
			return err
		}
		return w.Write(record)
	}
	if err := write(t.Columns); err != nil {
		return nil, err
	}
	for _, row := range t.Rows {
		if err := write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeTable(data []byte) (*Table, error) {
	r := csv.NewReader(bytes.NewReader(data))
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, types.NewError(types.ErrCorruptDocument, "table is empty: missing header")
	}
	if err != nil {
		return nil, types.NewError(types.ErrCorruptDocument, "parse table header").WithCause(err)
	}
	r.FieldsPerRecord = len(header)
	t := &Table{Columns: header}
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, types.NewError(types.ErrCorruptDocument, "parse table row").WithCause(err)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func decodePayload(schema Schema, data []byte) (*Payload, error) {
	switch schema.Kind {
	case KindTable:
		t, err := decodeTable(data)
		if err != nil {
			return nil, err
		}
		return &Payload{Kind: KindTable, Schema: schema, Table: t}, nil
	case KindDocument:
		if !json.Valid(data) {
			return nil, types.Errorf(types.ErrCorruptDocument, "document %s is not valid JSON", schema)
		}
		return &Payload{Kind: KindDocument, Schema: schema, Document: json.RawMessage(data)}, nil
	default:
		return nil, types.Errorf(types.ErrInvalidContract, "unknown kind %q", schema.Kind)
	}
}
