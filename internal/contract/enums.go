package contract

import (
	"encoding/json"
	"fmt"
)

// TransactionKind selects how a service is dispatched.
type TransactionKind string

const (
	KindConsole     TransactionKind = "C"
	KindTask        TransactionKind = "T"
	KindDynamic     TransactionKind = "D"
	KindApplication TransactionKind = "A"
	KindFunction    TransactionKind = "F"
	KindSequential  TransactionKind = "S"
	// KindRepository is accepted in contract files but has no dispatch route.
	KindRepository TransactionKind = "R"
)

// Valid reports whether k is a known kind.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindConsole, KindTask, KindDynamic, KindApplication, KindFunction, KindSequential, KindRepository:
		return true
	}
	return false
}

// SingleCall reports whether k is dispatched as one downstream request.
func (k TransactionKind) SingleCall() bool {
	switch k {
	case KindConsole, KindTask, KindDynamic, KindApplication, KindFunction:
		return true
	}
	return false
}

func (k *TransactionKind) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(data, "TransactionType", (*string)(k), func(s string) bool {
		return TransactionKind(s).Valid()
	}, true)
}

// ReturnType is the declared shape of a backend reply.
type ReturnType string

const (
	ReturnDataSet     ReturnType = "DataSet"
	ReturnScalar      ReturnType = "Scalar"
	ReturnNonQuery    ReturnType = "NonQuery"
	ReturnXml         ReturnType = "Xml"
	ReturnJson        ReturnType = "Json"
	ReturnDynamicJson ReturnType = "DynamicJson"
	ReturnCodeHelp    ReturnType = "CodeHelp"
	ReturnSchemeOnly  ReturnType = "SchemeOnly"
	ReturnSQLText     ReturnType = "SQLText"
)

func (r ReturnType) Valid() bool {
	switch r {
	case ReturnDataSet, ReturnScalar, ReturnNonQuery, ReturnXml, ReturnJson,
		ReturnDynamicJson, ReturnCodeHelp, ReturnSchemeOnly, ReturnSQLText:
		return true
	}
	return false
}

// Raw reports whether the reply is passed to the caller without an envelope.
func (r ReturnType) Raw() bool {
	switch r {
	case ReturnDataSet, ReturnScalar, ReturnNonQuery, ReturnXml, ReturnDynamicJson:
		return true
	}
	return false
}

func (r *ReturnType) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(data, "ReturnType", (*string)(r), func(s string) bool {
		return ReturnType(s).Valid()
	}, false)
}

// OutputShape is the declared shape of one output group.
type OutputShape string

const (
	ShapeForm     OutputShape = "Form"
	ShapeGrid     OutputShape = "Grid"
	ShapeChart    OutputShape = "Chart"
	ShapeDynamic  OutputShape = "Dynamic"
	ShapeDataSet  OutputShape = "DataSet"
	ShapeAddition OutputShape = "Addition"
)

func (s OutputShape) Valid() bool {
	switch s {
	case ShapeForm, ShapeGrid, ShapeChart, ShapeDynamic, ShapeDataSet, ShapeAddition:
		return true
	}
	return false
}

func (s *OutputShape) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(data, "output Type", (*string)(s), func(v string) bool {
		return OutputShape(v).Valid()
	}, false)
}

// ParameterHandling is the missing value policy of an input contract.
type ParameterHandling string

const (
	HandlingRejected     ParameterHandling = "Rejected"
	HandlingByPassing    ParameterHandling = "ByPassing"
	HandlingDefaultValue ParameterHandling = "DefaultValue"
)

func (p ParameterHandling) Valid() bool {
	switch p {
	case HandlingRejected, HandlingByPassing, HandlingDefaultValue:
		return true
	}
	return false
}

func (p *ParameterHandling) UnmarshalJSON(data []byte) error {
	if err := unmarshalEnum(data, "ParameterHandling", (*string)(p), func(v string) bool {
		return ParameterHandling(v).Valid()
	}, true); err != nil {
		return err
	}
	if *p == "" {
		*p = HandlingRejected
	}
	return nil
}

// Cardinality is Row (exactly one group) or List (any number of groups).
type Cardinality string

const (
	CardinalityRow  Cardinality = "Row"
	CardinalityList Cardinality = "List"
)

func (c *Cardinality) UnmarshalJSON(data []byte) error {
	if err := unmarshalEnum(data, "input Type", (*string)(c), func(v string) bool {
		return v == string(CardinalityRow) || v == string(CardinalityList)
	}, true); err != nil {
		return err
	}
	if *c == "" {
		*c = CardinalityList
	}
	return nil
}

// ResultHandling decides what a sequential step does with its result.
type ResultHandling string

const (
	HandlingResultSet    ResultHandling = "ResultSet"
	HandlingFieldMapping ResultHandling = "FieldMapping"
)

func (h *ResultHandling) UnmarshalJSON(data []byte) error {
	if err := unmarshalEnum(data, "ResultHandling", (*string)(h), func(v string) bool {
		return v == string(HandlingResultSet) || v == string(HandlingFieldMapping)
	}, true); err != nil {
		return err
	}
	if *h == "" {
		*h = HandlingResultSet
	}
	return nil
}

func unmarshalEnum(data []byte, name string, dst *string, valid func(string) bool, allowEmpty bool) error {
	if string(data) == "null" {
		if allowEmpty {
			*dst = ""
			return nil
		}
		return fmt.Errorf("%s must not be null", name)
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if s == "" && allowEmpty {
		*dst = ""
		return nil
	}
	if !valid(s) {
		return fmt.Errorf("%s %q is not recognized", name, s)
	}
	*dst = s
	return nil
}
