// Package binder reconciles raw envelope fields with the input contracts of a
// service and produces the typed groups sent downstream.
package binder

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/transaction_gateway/internal/contract"
	"github.com/R3E-Network/transaction_gateway/internal/envelope"
	gwerrors "github.com/R3E-Network/transaction_gateway/internal/errors"
	"github.com/R3E-Network/transaction_gateway/internal/transact"
)

const (
	// PassThroughFieldID is accepted in every group even when no contract
	// declares it.
	PassThroughFieldID = "Flag"
	// NullSentinel is a literal value that always binds as null.
	NullSentinel = "[DbNull]"
	// BearerFieldPrefix marks fields synthesized from token claims.
	BearerFieldPrefix = "$"
)

// Input carries everything one Bind call needs.
type Input struct {
	Contract *contract.BusinessContract
	// Service must be a private copy; Bind never mutates it.
	Service   *contract.TransactionInfo
	Envelope  *envelope.Request
	RequestID string
	// Claims holds the additional bearer claims, if a token was supplied.
	Claims map[string]json.RawMessage
}

// Binder builds transact.Requests. The zero value is usable.
type Binder struct {
	// Now returns the fallback time for unparsable DateTime defaults.
	Now func() time.Time
}

// New returns a Binder using the wall clock.
func New() *Binder {
	return &Binder{Now: time.Now}
}

// Bind validates the envelope payload against in.Service.Inputs and returns
// the normalized request.
func (b *Binder) Bind(in Input) (*transact.Request, error) {
	c, svc, env := in.Contract, in.Service, in.Envelope
	txID := transact.TransactionPath(c.ApplicationID, c.TransactionProjectID, env.TH.TransactionCode)
	label := txID + "|" + env.TH.FunctionCode

	out := &transact.Request{
		RequestID:        in.RequestID,
		GlobalID:         env.SH.GlobalID,
		TransactionID:    txID,
		ServiceID:        env.TH.FunctionCode,
		ReturnType:       svc.ReturnType,
		TransactionScope: svc.TransactionScope,
		LoadOptions:      env.LoadOptions,
	}

	if len(svc.Inputs) == 0 {
		return out, nil
	}

	counts := env.DAT.InputCounts
	if len(svc.Inputs) != len(counts) {
		return nil, gwerrors.ContractMismatch(fmt.Sprintf("'%s' declares %d input groups but REQ_INPUT_CNT has %d",
			label, len(svc.Inputs), len(counts)))
	}

	bearer, err := bearerFields(in.Claims)
	if err != nil {
		return nil, err
	}

	raw := env.DAT.Inputs
	offset := 0
	out.Counts = make([]int, len(svc.Inputs))

	for i := range svc.Inputs {
		ic := &svc.Inputs[i]
		model := c.Model(ic.ModelID)
		if model == nil && !contract.IsSchemaless(ic.ModelID) {
			return nil, gwerrors.ContractMismatch(fmt.Sprintf("'%s' input model '%s' is not declared in the contract", label, ic.ModelID))
		}

		count := counts[i]
		if count < 0 {
			return nil, gwerrors.ContractMismatch(fmt.Sprintf("'%s' input %d has a negative count", label, i))
		}
		if ic.Type == contract.CardinalityRow && count != 1 {
			return nil, gwerrors.ContractMismatch(fmt.Sprintf("'%s' input %d is a single row but %d rows were supplied", label, i, count))
		}

		var groups [][]envelope.RequestInput
		if count == 0 {
			switch ic.ParameterHandling {
			case contract.HandlingByPassing:
				continue
			case contract.HandlingDefaultValue:
				g, err := b.defaultGroup(ic, model, label)
				if err != nil {
					return nil, err
				}
				groups = [][]envelope.RequestInput{g}
			default:
				return nil, gwerrors.ContractMismatch(fmt.Sprintf("'%s' input %d requires at least one row", label, i))
			}
		} else {
			if offset+count > len(raw) {
				return nil, gwerrors.ContractMismatch(fmt.Sprintf("'%s' input %d expects %d rows but only %d remain",
					label, i, count, len(raw)-offset))
			}
			groups = raw[offset : offset+count]
			offset += count
		}

		for _, g := range groups {
			bound, err := bindGroup(g, ic, model, label)
			if err != nil {
				return nil, err
			}
			bound = append(bound, bearer...)
			out.Inputs = append(out.Inputs, bound)
		}
		out.Counts[i] = len(groups)
	}

	return out, nil
}

// defaultGroup synthesizes one group from the declared fields and defaults.
func (b *Binder) defaultGroup(ic *contract.InputContract, model *contract.Model, label string) ([]envelope.RequestInput, error) {
	if ic.DefaultValues == nil {
		return nil, gwerrors.ContractMismatch(fmt.Sprintf("'%s' input '%s' has no default values", label, ic.ModelID))
	}
	group := make([]envelope.RequestInput, 0, len(ic.Fields))
	for idx, id := range ic.Fields {
		var dv contract.DefaultValue
		if idx < len(ic.DefaultValues) {
			dv = ic.DefaultValues[idx]
		}
		col := columnFor(model, id)
		if col == nil {
			return nil, gwerrors.ContractMismatch(fmt.Sprintf("input model '%s' does not declare '%s'", model.Name, id))
		}
		group = append(group, envelope.RequestInput{FieldID: id, Value: b.defaultValue(dv, col)})
	}
	return group, nil
}

func (b *Binder) defaultValue(dv contract.DefaultValue, col *contract.Column) interface{} {
	switch col.DataType {
	case "String":
		return dv.String
	case "Int32":
		return dv.Integer
	case "Boolean":
		return dv.Boolean
	case "DateTime":
		if t, err := time.Parse(time.RFC3339Nano, dv.String); err == nil {
			return t
		}
		if b.Now != nil {
			return b.Now()
		}
		return time.Now()
	}
	return ""
}

func bindGroup(g []envelope.RequestInput, ic *contract.InputContract, model *contract.Model, label string) (transact.Group, error) {
	bound := make(transact.Group, 0, len(g))
	for _, item := range g {
		if model != nil && !ic.HasField(item.FieldID) && item.FieldID != PassThroughFieldID {
			return nil, gwerrors.ContractMismatch(fmt.Sprintf("'%s' input field '%s' is not declared in the contract", label, item.FieldID))
		}
		col := columnFor(model, item.FieldID)
		if col == nil && item.FieldID == PassThroughFieldID {
			col = stringColumn(item.FieldID)
		}
		if col == nil {
			return nil, gwerrors.ContractMismatch(fmt.Sprintf("input model '%s' does not declare '%s'", model.Name, item.FieldID))
		}
		bound = append(bound, transact.Field{
			ID:       item.FieldID,
			DataType: col.DataType,
			Length:   col.Length,
			Value:    bindValue(item.Value, col),
		})
	}
	return bound, nil
}

// bindValue applies the null rules: nil takes the column default when the
// column is required, and the sentinel is always null.
func bindValue(v interface{}, col *contract.Column) interface{} {
	if v == nil {
		if col.Require {
			return col.Default
		}
		return nil
	}
	if s, ok := v.(string); ok && s == NullSentinel {
		return nil
	}
	return v
}

// columnFor returns the declared column, or a free String column when model
// is nil.
func columnFor(model *contract.Model, id string) *contract.Column {
	if model == nil {
		return stringColumn(id)
	}
	return model.Column(id)
}

func stringColumn(id string) *contract.Column {
	return &contract.Column{Name: id, DataType: "String", Length: -1, Default: ""}
}

// bearerFields converts additional claims into "$"-prefixed String fields.
// Scalars bind as their text, objects as compact JSON and arrays as slices.
func bearerFields(claims map[string]json.RawMessage) (transact.Group, error) {
	if len(claims) == 0 {
		return nil, nil
	}
	keys := sortedKeys(claims)
	fields := make(transact.Group, 0, len(keys))
	for _, k := range keys {
		id := BearerFieldPrefix + k
		raw := claims[k]
		if len(raw) == 0 || !gjson.ValidBytes(raw) {
			return nil, gwerrors.ContractMismatch(fmt.Sprintf("bearer field '%s' is not valid", id))
		}
		col := stringColumn(id)
		fields = append(fields, transact.Field{
			ID:       id,
			DataType: col.DataType,
			Length:   col.Length,
			Value:    bindValue(claimValue(gjson.ParseBytes(raw)), col),
		})
	}
	return fields, nil
}

func claimValue(r gjson.Result) interface{} {
	switch {
	case r.Type == gjson.Null:
		return nil
	case r.Type == gjson.String:
		return r.Str
	case r.IsArray():
		items := r.Array()
		values := make([]interface{}, len(items))
		for i, item := range items {
			values[i] = item.Value()
		}
		return values
	}
	// numbers, booleans and objects keep their JSON text
	return r.Raw
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
