package legacy

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Spreadsheet reads one sheet of an exported workbook. The first row is the
// header; column names are the integration contract with the export.
type Spreadsheet struct {
	Path  string
	Sheet string // first sheet when empty
	// KeyColumn names the column that must be non-empty for a row to be
	// kept. Defaults to the first header column.
	KeyColumn string
}

func (s *Spreadsheet) Describe() string {
	if s.Sheet == "" {
		return s.Path
	}
	return s.Path + "#" + s.Sheet
}

func (s *Spreadsheet) Extract(_ context.Context) (*Batch, error) {
	f, err := excelize.OpenFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open workbook %s: %w", s.Path, err)
	}
	defer f.Close()

	sheet := s.Sheet
	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	idx, err := f.GetSheetIndex(sheet)
	if err != nil || idx < 0 {
		return nil, fmt.Errorf("workbook %s has no sheet %q", s.Path, sheet)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q of %s: %w", sheet, s.Path, err)
	}
	return zipRows(rows, s.KeyColumn, s.Describe())
}

// CSV reads an exported comma-separated file with the same header contract
// as Spreadsheet.
type CSV struct {
	Path      string
	KeyColumn string
}

func (c *CSV) Describe() string { return c.Path }

func (c *CSV) Extract(_ context.Context) (*Batch, error) {
	raw, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c.Path, err)
	}
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", c.Path, err)
	}
	return zipRows(rows, c.KeyColumn, c.Path)
}

// zipRows pairs every data row with the header positionally. Short rows are
// padded with empty values and cells beyond the header are dropped. Row
// numbers in Skipped are 1-based and count the header.
func zipRows(rows [][]string, keyColumn, name string) (*Batch, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: no header row", name)
	}
	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = strings.TrimSpace(h)
	}
	if keyColumn == "" {
		keyColumn = header[0]
	}
	key := -1
	for i, h := range header {
		if h == keyColumn {
			key = i
			break
		}
	}
	if key < 0 {
		return nil, fmt.Errorf("%s: key column %q not in header %v", name, keyColumn, header)
	}

	batch := &Batch{}
	for n, row := range rows[1:] {
		rowNum := n + 2
		rec := make(Record, len(header))
		for i, h := range header {
			if h == "" {
				continue
			}
			if i < len(row) {
				rec[h] = row[i]
			} else {
				rec[h] = ""
			}
		}
		if strings.TrimSpace(rec.String(keyColumn)) == "" {
			batch.Skipped = append(batch.Skipped, Skip{Row: rowNum, Reason: fmt.Sprintf("empty key column %q", keyColumn)})
			continue
		}
		batch.Records = append(batch.Records, rec)
	}
	return batch, nil
}

// JSONDump reads a saved API response or record array from disk. It accepts
// a bare array, an OData {"value": [...]} envelope or a FileMaker Data API
// {"response": {"data": [...]}} envelope.
type JSONDump struct {
	Path string
}

func (j *JSONDump) Describe() string { return j.Path }

func (j *JSONDump) Extract(_ context.Context) (*Batch, error) {
	f, err := os.Open(j.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", j.Path, err)
	}
	defer f.Close()
	records, _, err := decodeRecords(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", j.Path, err)
	}
	return &Batch{Records: records}, nil
}

type fmMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type fmRecord struct {
	FieldData  map[string]any `json:"fieldData"`
	PortalData map[string]any `json:"portalData"`
	RecordID   any            `json:"recordId"`
}

type envelope struct {
	Value    []map[string]any `json:"value"`
	Response *struct {
		Data []fmRecord `json:"data"`
	} `json:"response"`
	Messages []fmMessage `json:"messages"`
}

// decodeRecords decodes any supported payload shape. Numbers are kept as
// json.Number so numeric ids survive unchanged. The returned messages are
// the FileMaker result messages, if any.
func decodeRecords(r io.Reader) ([]Record, []fmMessage, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}
	trimmed := bytes.TrimSpace(body)
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	if bytes.HasPrefix(trimmed, []byte("[")) {
		var arr []map[string]any
		if err := dec.Decode(&arr); err != nil {
			return nil, nil, err
		}
		out := make([]Record, len(arr))
		for i, m := range arr {
			out[i] = Record(m)
		}
		return out, nil, nil
	}

	var env envelope
	if err := dec.Decode(&env); err != nil {
		return nil, nil, err
	}
	if env.Response != nil {
		out := make([]Record, 0, len(env.Response.Data))
		for _, fm := range env.Response.Data {
			rec := make(Record, len(fm.FieldData)+2)
			for k, v := range fm.FieldData {
				rec[k] = v
			}
			if fm.RecordID != nil {
				rec["recordId"] = Stringify(fm.RecordID)
			}
			if len(fm.PortalData) > 0 {
				rec[PortalKey] = fm.PortalData
			}
			out = append(out, rec)
		}
		return out, env.Messages, nil
	}
	out := make([]Record, len(env.Value))
	for i, m := range env.Value {
		out[i] = Record(m)
	}
	return out, env.Messages, nil
}
