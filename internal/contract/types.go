// Package contract holds business contracts and the in-memory store that
// serves them to the transaction pipeline.
package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Sentinel model ids that disable schema enforcement.
const (
	ModelUnknown = "Unknown"
	ModelDynamic = "Dynamic"
)

// IsSchemaless reports whether modelID names no real model.
func IsSchemaless(modelID string) bool {
	return modelID == ModelUnknown || modelID == ModelDynamic
}

// BusinessContract describes one (application, project, transaction).
type BusinessContract struct {
	ApplicationID        string            `json:"ApplicationID"`
	ProjectID            string            `json:"ProjectID"`
	TransactionID        string            `json:"TransactionID"`
	TransactionProjectID string            `json:"TransactionProjectID"`
	Description          string            `json:"Description,omitempty"`
	Models               []Model           `json:"Models"`
	Services             []TransactionInfo `json:"Services"`
}

// Key returns the store lookup key of the contract.
func (c *BusinessContract) Key() string {
	return tripleKey(c.ApplicationID, c.ProjectID, c.TransactionID)
}

// Model returns the model with the given name, or nil.
func (c *BusinessContract) Model(name string) *Model {
	for i := range c.Models {
		if c.Models[i].Name == name {
			return &c.Models[i]
		}
	}
	return nil
}

// Model is a named, ordered column list.
type Model struct {
	Name    string   `json:"Name"`
	Columns []Column `json:"Columns"`
}

// Column returns the column with the given name, or nil.
func (m *Model) Column(name string) *Column {
	if m == nil {
		return nil
	}
	for i := range m.Columns {
		if m.Columns[i].Name == name {
			return &m.Columns[i]
		}
	}
	return nil
}

// Column is one declared field of a model.
type Column struct {
	Name     string      `json:"Name"`
	DataType string      `json:"DataType"`
	Length   int         `json:"Length"`
	Default  interface{} `json:"Default"`
	Require  bool        `json:"Require"`
}

// TransactionInfo is one service of a contract.
type TransactionInfo struct {
	ServiceID         string           `json:"ServiceID"`
	Authorize         bool             `json:"Authorize"`
	ReturnType        ReturnType       `json:"ReturnType"`
	TransactionScope  bool             `json:"TransactionScope"`
	TransactionType   TransactionKind  `json:"TransactionType"`
	TransactionLog    bool             `json:"TransactionLog"`
	AccessScreenID    []string         `json:"AccessScreenID"`
	Inputs            []InputContract  `json:"Inputs"`
	Outputs           []OutputContract `json:"Outputs"`
	SequentialOptions []SequentialStep `json:"SequentialOptions"`
}

// InputContract declares one logical input group.
type InputContract struct {
	ModelID           string             `json:"ModelID"`
	Fields            []string           `json:"Fields"`
	TestValues        []interface{}      `json:"TestValues,omitempty"`
	DefaultValues     []DefaultValue     `json:"DefaultValues"`
	Type              Cardinality        `json:"Type"`
	BaseFieldMappings []BaseFieldMapping `json:"BaseFieldMappings"`
	ParameterHandling ParameterHandling  `json:"ParameterHandling"`
	IgnoreResult      bool               `json:"IgnoreResult"`
	// AdHoc marks contracts synthesized per request from a type descriptor.
	AdHoc bool `json:"-"`
}

// HasField reports whether id is one of the declared fields.
func (ic *InputContract) HasField(id string) bool {
	for _, f := range ic.Fields {
		if f == id {
			return true
		}
	}
	return false
}

// DefaultValue holds the typed defaults for one declared field.
type DefaultValue struct {
	String  string `json:"String"`
	Integer int32  `json:"Integer"`
	Boolean bool   `json:"Boolean"`
}

// BaseFieldMapping maps a previous query result field to a parameter.
type BaseFieldMapping struct {
	BaseSequence  string `json:"BaseSequence"`
	SourceFieldID string `json:"SourceFieldID"`
	TargetFieldID string `json:"TargetFieldID"`
}

// OutputContract declares one output group.
type OutputContract struct {
	ModelID string      `json:"ModelID"`
	Fields  []string    `json:"Fields"`
	Type    OutputShape `json:"Type"`
	AdHoc   bool        `json:"-"`
}

// SequentialStep is one call of a sequential service.
type SequentialStep struct {
	TransactionProjectID string          `json:"TransactionProjectID"`
	TransactionID        string          `json:"TransactionID"`
	ServiceID            string          `json:"ServiceID"`
	TransactionType      TransactionKind `json:"TransactionType"`
	ServiceInputFields   []int           `json:"ServiceInputFields"`
	ServiceOutputs       []StepOutputRef `json:"ServiceOutputs"`
	ResultHandling       ResultHandling  `json:"ResultHandling"`
	TargetInputFields    []int           `json:"TargetInputFields"`
	ResultOutputFields   []int           `json:"ResultOutputFields"`
}

// StepOutputRef names an output of the parent service by index, or declares
// one inline.
type StepOutputRef struct {
	Index  int
	Inline *OutputContract
}

func (r *StepOutputRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var oc OutputContract
		if err := json.Unmarshal(data, &oc); err != nil {
			return fmt.Errorf("ServiceOutputs: %w", err)
		}
		r.Index = -1
		r.Inline = &oc
		return nil
	}
	var idx int
	if err := json.Unmarshal(data, &idx); err != nil {
		return fmt.Errorf("ServiceOutputs: expected index or object: %w", err)
	}
	r.Index = idx
	r.Inline = nil
	return nil
}

func (r StepOutputRef) MarshalJSON() ([]byte, error) {
	if r.Inline != nil {
		return json.Marshal(r.Inline)
	}
	return json.Marshal(r.Index)
}

// Resolve returns the output contract r refers to within parent.
func (r StepOutputRef) Resolve(parent []OutputContract) (OutputContract, error) {
	if r.Inline != nil {
		return *r.Inline, nil
	}
	if r.Index < 0 || r.Index >= len(parent) {
		return OutputContract{}, fmt.Errorf("output index %d out of range (%d outputs)", r.Index, len(parent))
	}
	return parent[r.Index], nil
}

// PublicTransaction is one entry of the public transactions allow-list.
type PublicTransaction struct {
	ApplicationID string `json:"ApplicationID"`
	ProjectID     string `json:"ProjectID"`
	TransactionID string `json:"TransactionID"`
}

func tripleKey(app, project, transaction string) string {
	return app + "|" + project + "|" + transaction
}
