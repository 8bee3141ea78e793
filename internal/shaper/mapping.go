package shaper

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/transaction_gateway/internal/envelope"
)

// CodeHelpFieldID names the input field that labels a code help result.
const CodeHelpFieldID = "CodeHelpID"

// DefaultCodeHelpID labels a code help result when no CodeHelpID is supplied.
const DefaultCodeHelpID = "CODEHELP"

// SQLTextFieldID labels the single output of a SQLText reply.
const SQLTextFieldID = "SQLText"

// CodeHelp maps a code help reply onto one output labelled with the CodeHelpID
// field of the first raw input group.
func CodeHelp(raw json.RawMessage, firstGroup []envelope.RequestInput) []envelope.ResultOutput {
	id := DefaultCodeHelpID
	for _, in := range firstGroup {
		if in.FieldID == CodeHelpFieldID {
			if s := envelope.FormatCell(in.Value); s != "" {
				id = s
			}
			break
		}
	}
	return []envelope.ResultOutput{{FieldID: id, Data: nullable(raw)}}
}

// SchemeOnly maps every top level property of raw onto its own output whose
// data is the compact JSON text of the property value.
func SchemeOnly(raw json.RawMessage) ([]envelope.ResultOutput, error) {
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("scheme result must be a JSON object")
	}

	var outs []envelope.ResultOutput
	var err error
	parsed.ForEach(func(key, value gjson.Result) bool {
		var buf bytes.Buffer
		if err = json.Compact(&buf, []byte(value.Raw)); err != nil {
			return false
		}
		outs = append(outs, envelope.ResultOutput{FieldID: key.String(), Data: buf.String()})
		return true
	})
	if err != nil {
		return nil, err
	}
	return outs, nil
}

// SQLText maps a SQL text reply onto a single output.
func SQLText(raw json.RawMessage) []envelope.ResultOutput {
	return []envelope.ResultOutput{{FieldID: SQLTextFieldID, Data: nullable(raw)}}
}

func nullable(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
