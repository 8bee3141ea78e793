// Package shaper validates backend results against output contracts and maps
// them onto response output groups.
package shaper

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/transaction_gateway/internal/contract"
	"github.com/R3E-Network/transaction_gateway/internal/envelope"
	gwerrors "github.com/R3E-Network/transaction_gateway/internal/errors"
	"github.com/R3E-Network/transaction_gateway/internal/logging"
)

// Result is one entry of a Json backend reply.
type Result struct {
	FieldID string
	Data    json.RawMessage
}

// Shaped holds the output groups and the diagnostics split off a reply.
type Shaped struct {
	Outputs     []envelope.ResultOutput
	Diagnostics []envelope.AdditionalMessage
}

// ParseResults decodes a Json reply, a list of {FieldID, Value}. A string
// Value holding JSON text is used as that JSON; any other Value is taken as is.
func ParseResults(raw json.RawMessage) ([]Result, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("result is not valid JSON")
	}
	parsed := gjson.ParseBytes(raw)
	if parsed.Type == gjson.Null {
		return nil, nil
	}
	if !parsed.IsArray() {
		return nil, fmt.Errorf("result must be a list of FieldID/Value entries")
	}

	var results []Result
	for i, item := range parsed.Array() {
		if !item.IsObject() {
			return nil, fmt.Errorf("result entry %d is not an object", i)
		}
		value := item.Get("Value")
		r := Result{FieldID: item.Get("FieldID").String()}
		switch {
		case !value.Exists():
			r.Data = json.RawMessage("null")
		case value.Type == gjson.String && gjson.Valid(value.Str):
			r.Data = json.RawMessage(value.Str)
		default:
			r.Data = json.RawMessage(value.Raw)
		}
		results = append(results, r)
	}
	return results, nil
}

// Shaper maps results onto output contracts. Models are looked up in the
// contract the service belongs to.
type Shaper struct {
	log *logging.Logger
}

// New creates a Shaper.
func New(log *logging.Logger) *Shaper {
	if log == nil {
		log = logging.Default()
	}
	return &Shaper{log: log}
}

// Shape checks results against outputs and returns the response groups. When
// outputs declare an Addition group, the last result is the diagnostics block.
func (s *Shaper) Shape(results []Result, outputs []contract.OutputContract, c *contract.BusinessContract) (*Shaped, error) {
	shaped := &Shaped{
		Outputs:     make([]envelope.ResultOutput, 0, len(results)),
		Diagnostics: []envelope.AdditionalMessage{},
	}

	if hasDynamic(outputs) {
		for _, r := range results {
			shaped.Outputs = append(shaped.Outputs, envelope.ResultOutput{FieldID: r.FieldID, Data: r.Data})
		}
		return shaped, nil
	}

	data, additions := dataOutputs(outputs)
	expected := len(data)
	if additions > 0 {
		expected++
	}
	if len(results) != expected {
		return nil, gwerrors.ContractMismatch(fmt.Sprintf(
			"output contract count %d does not match result count %d", expected, len(results)))
	}

	for i, r := range results {
		if additions > 0 && i == len(results)-1 {
			shaped.Diagnostics = s.diagnostics(r.Data)
			continue
		}
		if err := checkStructure(i, data[i], r.Data, c); err != nil {
			return nil, err
		}
		shaped.Outputs = append(shaped.Outputs, envelope.ResultOutput{FieldID: r.FieldID, Data: r.Data})
	}
	return shaped, nil
}

// Validate checks accumulated outputs against the declared outputs of a
// service. Diagnostics are not part of outs.
func (s *Shaper) Validate(outs []envelope.ResultOutput, outputs []contract.OutputContract, c *contract.BusinessContract) error {
	if hasDynamic(outputs) {
		return nil
	}
	data, _ := dataOutputs(outputs)
	if len(outs) != len(data) {
		return gwerrors.ContractMismatch(fmt.Sprintf(
			"output contract count %d does not match result count %d", len(data), len(outs)))
	}
	for i, o := range outs {
		raw, ok := o.RawJSON()
		if !ok {
			continue
		}
		if err := checkStructure(i, data[i], raw, c); err != nil {
			return err
		}
	}
	return nil
}

type diagnostic struct {
	Code string `json:"MSG_CD"`
	Text string `json:"MSG_TXT"`
}

func (s *Shaper) diagnostics(raw json.RawMessage) []envelope.AdditionalMessage {
	out := []envelope.AdditionalMessage{}
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return out
	}

	var list []diagnostic
	if err := json.Unmarshal(raw, &list); err != nil {
		s.log.WithError(err).Warn("diagnostics block could not be parsed")
		return append(out, envelope.AdditionalMessage{Code: envelope.DiagnosticParseFailure, Text: err.Error()})
	}
	for _, d := range list {
		out = append(out, envelope.AdditionalMessage{Code: d.Code, Text: d.Text})
	}
	return out
}

func hasDynamic(outputs []contract.OutputContract) bool {
	for _, o := range outputs {
		if o.Type == contract.ShapeDynamic {
			return true
		}
	}
	return false
}

// dataOutputs returns the non-Addition outputs in order and the number of
// Addition outputs.
func dataOutputs(outputs []contract.OutputContract) ([]contract.OutputContract, int) {
	data := make([]contract.OutputContract, 0, len(outputs))
	additions := 0
	for _, o := range outputs {
		if o.Type == contract.ShapeAddition {
			additions++
			continue
		}
		data = append(data, o)
	}
	return data, additions
}

func checkStructure(index int, oc contract.OutputContract, raw json.RawMessage, c *contract.BusinessContract) error {
	if oc.ModelID == contract.ModelDynamic {
		return nil
	}

	var record gjson.Result
	switch oc.Type {
	case contract.ShapeForm:
		record = gjson.ParseBytes(raw)
		if record.IsArray() {
			record = record.Get("0")
		}
	case contract.ShapeGrid, contract.ShapeDataSet:
		parsed := gjson.ParseBytes(raw)
		if parsed.IsObject() {
			record = parsed
		} else {
			record = parsed.Get("0")
		}
	default:
		return nil
	}
	if !record.IsObject() {
		return nil
	}

	allowed, owner, err := allowedNames(oc, c)
	if err != nil {
		return err
	}
	if allowed == nil {
		return nil
	}

	var bad string
	record.ForEach(func(key, _ gjson.Result) bool {
		if !allowed[key.String()] {
			bad = key.String()
			return false
		}
		return true
	})
	if bad != "" {
		return gwerrors.ContractMismatch(fmt.Sprintf("output %d property '%s' is not declared by %s", index, bad, owner))
	}
	return nil
}

// allowedNames returns the property names a record may carry. A nil map
// disables the check.
func allowedNames(oc contract.OutputContract, c *contract.BusinessContract) (map[string]bool, string, error) {
	if oc.ModelID == contract.ModelUnknown || oc.ModelID == "" {
		if len(oc.Fields) == 0 {
			return nil, "", nil
		}
		allowed := make(map[string]bool, len(oc.Fields))
		for _, f := range oc.Fields {
			allowed[f] = true
		}
		return allowed, "the output fields", nil
	}

	var model *contract.Model
	if c != nil {
		model = c.Model(oc.ModelID)
	}
	if model == nil {
		return nil, "", gwerrors.ContractMismatch(fmt.Sprintf("output model '%s' is not declared in the contract", oc.ModelID))
	}
	allowed := make(map[string]bool, len(model.Columns))
	for _, col := range model.Columns {
		allowed[col.Name] = true
	}
	return allowed, fmt.Sprintf("model '%s'", oc.ModelID), nil
}
