package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/transaction_gateway/internal/transact"
)

// Tabular format separators.
const (
	CellDelimiter = "｜"
	RowDelimiter  = "↵"
	MetaDelimiter = "＾"
)

// Header cells of an input group table.
const (
	HeaderFieldID = "REQ_FIELD_ID"
	HeaderValue   = "REQ_FIELD_DAT"
)

// DefaultFieldID replaces empty field ids in tabular input.
const DefaultFieldID = "DEFAULT"

var (
	numericPattern   = regexp.MustCompile(`(?i)^\s*-?(\d*\.?\d+|\d+\.?\d*)(e[-+]?\d+)?\s*$`)
	timestampPattern = regexp.MustCompile(`^\d{4}-[01]\d-[0-3]\dT[0-2]\d:[0-5]\d(:[0-5]\d(\.\d+)?)?([+-][0-2]\d:[0-5]\d|Z)$`)
	timestampLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04Z07:00"}
)

// Sniff converts a tabular cell to the most specific value it denotes:
// bool, int64, float64, time.Time, or the string itself.
func Sniff(cell string) interface{} {
	switch cell {
	case "true", "True", "TRUE":
		return true
	case "false", "False", "FALSE":
		return false
	}

	if numericPattern.MatchString(cell) {
		trimmed := strings.TrimSpace(cell)
		if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return f
		}
		return cell
	}

	if timestampPattern.MatchString(cell) {
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, cell); err == nil {
				return ts
			}
		}
	}
	return cell
}

// Table is a decoded tabular block.
type Table struct {
	Header []string
	Rows   [][]interface{}
}

// ParseTable splits text into header and sniffed rows. Blank records are
// skipped; short records are padded with empty strings.
func ParseTable(text string) (*Table, error) {
	lines := strings.Split(text, RowDelimiter)
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, fmt.Errorf("tabular data has no header")
	}

	header := strings.Split(lines[0], CellDelimiter)
	for i := range header {
		header[i] = strings.Trim(header[i], " \t\r\n\"")
	}

	t := &Table{Header: header}
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		cells := strings.Split(line, CellDelimiter)
		if len(cells) > len(header) {
			return nil, fmt.Errorf("tabular record has %d cells, header has %d", len(cells), len(header))
		}
		row := make([]interface{}, len(header))
		for j := range header {
			cell := ""
			if j < len(cells) {
				cell = cells[j]
			}
			row[j] = Sniff(cell)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// DecodeInputs parses one tabular input group whose header is
// REQ_FIELD_ID｜REQ_FIELD_DAT.
func DecodeInputs(text string) ([]RequestInput, error) {
	t, err := ParseTable(text)
	if err != nil {
		return nil, err
	}
	idCol, valCol := -1, -1
	for i, h := range t.Header {
		switch h {
		case HeaderFieldID:
			idCol = i
		case HeaderValue:
			valCol = i
		}
	}
	if idCol < 0 || valCol < 0 {
		return nil, fmt.Errorf("tabular input header must contain %s and %s", HeaderFieldID, HeaderValue)
	}

	inputs := make([]RequestInput, 0, len(t.Rows))
	for _, row := range t.Rows {
		id := cellString(row[idCol])
		if id == "" {
			inputs = append(inputs, RequestInput{FieldID: DefaultFieldID, Value: ""})
			continue
		}
		inputs = append(inputs, RequestInput{FieldID: id, Value: row[valCol]})
	}
	return inputs, nil
}

// EncodeInputs renders an input group in tabular form.
func EncodeInputs(inputs []RequestInput) string {
	var b strings.Builder
	b.WriteString(HeaderFieldID)
	b.WriteString(CellDelimiter)
	b.WriteString(HeaderValue)
	for _, in := range inputs {
		b.WriteString(RowDelimiter)
		b.WriteString(in.FieldID)
		b.WriteString(CellDelimiter)
		b.WriteString(FormatCell(in.Value))
	}
	return b.String()
}

// EncodeGroup renders a bound group in tabular form.
func EncodeGroup(g transact.Group) string {
	inputs := make([]RequestInput, len(g))
	for i, f := range g {
		inputs[i] = RequestInput{FieldID: f.ID, Value: f.Value}
	}
	return EncodeInputs(inputs)
}

// DecodeGroup parses a tabular group into fields. Types are those the
// sniffer infers; lengths are unknown.
func DecodeGroup(text string) (transact.Group, error) {
	inputs, err := DecodeInputs(text)
	if err != nil {
		return nil, err
	}
	g := make(transact.Group, len(inputs))
	for i, in := range inputs {
		g[i] = transact.Field{ID: in.FieldID, DataType: sniffedType(in.Value), Length: -1, Value: in.Value}
	}
	return g, nil
}

// FormatCell renders a value as a tabular cell.
func FormatCell(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case json.RawMessage:
		return gjson.ParseBytes(x).String()
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	}
}

// EncodeResult renders a JSON object or array result as a tabular block
// prefixed with meta. The header follows the property order of the first
// record. String cells starting or ending with a quote get that quote doubled.
func EncodeResult(meta string, result json.RawMessage) (string, error) {
	parsed := gjson.ParseBytes(result)
	var records []gjson.Result
	switch {
	case parsed.IsObject():
		records = []gjson.Result{parsed}
	case parsed.IsArray():
		records = parsed.Array()
	default:
		return "", fmt.Errorf("tabular result must be an object or array")
	}

	var header []string
	if len(records) > 0 {
		records[0].ForEach(func(key, _ gjson.Result) bool {
			header = append(header, key.String())
			return true
		})
	}

	var b bytes.Buffer
	b.WriteString(meta)
	b.WriteString(MetaDelimiter)
	b.WriteString(strings.Join(header, CellDelimiter))
	for _, rec := range records {
		cells := make(map[string]gjson.Result, len(header))
		rec.ForEach(func(key, value gjson.Result) bool {
			cells[key.String()] = value
			return true
		})
		b.WriteString(RowDelimiter)
		for i, name := range header {
			if i > 0 {
				b.WriteString(CellDelimiter)
			}
			b.WriteString(resultCell(cells[name]))
		}
	}
	return b.String(), nil
}

func resultCell(v gjson.Result) string {
	switch v.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		s := v.String()
		cell := s
		if strings.HasPrefix(s, `"`) {
			cell = `"` + cell
		}
		// A lone quote is both prefix and suffix; double it once.
		if len(s) > 1 && strings.HasSuffix(s, `"`) {
			cell += `"`
		}
		return cell
	case gjson.JSON:
		return v.Raw
	default:
		return v.String()
	}
}

func cellString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return FormatCell(v)
}

func sniffedType(v interface{}) string {
	switch v.(type) {
	case bool:
		return "Boolean"
	case int64:
		return "Int64"
	case float64:
		return "Double"
	case time.Time:
		return "DateTime"
	default:
		return "String"
	}
}
