package contract

import (
	"fmt"
	"strings"
)

// AdHocContracts builds input and output contracts from the compact
// "inputTypes|outputTypes" descriptor carried by a request, e.g.
// "Row,List|Form,Grid". Either half may be empty.
func AdHocContracts(descriptor string) ([]InputContract, []OutputContract, error) {
	descriptor = strings.TrimSpace(descriptor)
	if descriptor == "" {
		return nil, nil, nil
	}

	parts := strings.Split(descriptor, "|")
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("descriptor %q must have the form inputs|outputs", descriptor)
	}

	var inputs []InputContract
	for _, tok := range splitTokens(parts[0]) {
		card := Cardinality(tok)
		if card != CardinalityRow && card != CardinalityList {
			return nil, nil, fmt.Errorf("descriptor input type %q is not recognized", tok)
		}
		handling := HandlingByPassing
		if card == CardinalityRow {
			handling = HandlingRejected
		}
		inputs = append(inputs, InputContract{
			ModelID:           ModelDynamic,
			Type:              card,
			ParameterHandling: handling,
			AdHoc:             true,
		})
	}

	var outputs []OutputContract
	for _, tok := range splitTokens(parts[1]) {
		shape := OutputShape(tok)
		if !shape.Valid() {
			return nil, nil, fmt.Errorf("descriptor output type %q is not recognized", tok)
		}
		outputs = append(outputs, OutputContract{
			ModelID: ModelDynamic,
			Type:    shape,
			AdHoc:   true,
		})
	}
	return inputs, outputs, nil
}

// ApplyAdHoc fills empty input or output lists of t from descriptor. Declared
// contracts always win.
func (t *TransactionInfo) ApplyAdHoc(descriptor string) error {
	if len(t.Inputs) > 0 && len(t.Outputs) > 0 {
		return nil
	}
	inputs, outputs, err := AdHocContracts(descriptor)
	if err != nil {
		return err
	}
	if len(t.Inputs) == 0 {
		t.Inputs = inputs
	}
	if len(t.Outputs) == 0 {
		t.Outputs = outputs
	}
	return nil
}

func splitTokens(s string) []string {
	var out []string
	for _, tok := range strings.Split(s, ",") {
		if tok = strings.TrimSpace(tok); tok != "" {
			out = append(out, tok)
		}
	}
	return out
}
