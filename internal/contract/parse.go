package contract

import (
	"encoding/json"
	"fmt"
)

// Parse decodes and validates a contract document.
func Parse(data []byte) (*BusinessContract, error) {
	var c BusinessContract
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode contract: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate normalizes enum defaults and checks structural invariants.
func (c *BusinessContract) Validate() error {
	if c.ApplicationID == "" || c.ProjectID == "" || c.TransactionID == "" {
		return fmt.Errorf("contract requires ApplicationID, ProjectID and TransactionID")
	}
	if c.TransactionProjectID == "" {
		c.TransactionProjectID = c.ProjectID
	}

	seen := make(map[string]bool, len(c.Services))
	for i := range c.Services {
		svc := &c.Services[i]
		if svc.ServiceID == "" {
			return fmt.Errorf("%s: service %d has no ServiceID", c.Key(), i)
		}
		if seen[svc.ServiceID] {
			return fmt.Errorf("%s: duplicate ServiceID %s", c.Key(), svc.ServiceID)
		}
		seen[svc.ServiceID] = true

		if !svc.TransactionType.Valid() {
			return fmt.Errorf("%s/%s: TransactionType is required", c.Key(), svc.ServiceID)
		}
		if svc.ReturnType == "" {
			svc.ReturnType = ReturnJson
		}
		for j := range svc.Inputs {
			in := &svc.Inputs[j]
			if in.Type == "" {
				in.Type = CardinalityList
			}
			if in.ParameterHandling == "" {
				in.ParameterHandling = HandlingRejected
			}
			if in.ModelID == "" {
				in.ModelID = ModelUnknown
			}
		}
		for j := range svc.Outputs {
			out := &svc.Outputs[j]
			if out.ModelID == "" {
				out.ModelID = ModelUnknown
			}
			if out.Type == "" {
				return fmt.Errorf("%s/%s: output %d has no Type", c.Key(), svc.ServiceID, j)
			}
		}
		if svc.TransactionType == KindSequential {
			if err := validateSteps(svc); err != nil {
				return fmt.Errorf("%s/%s: %w", c.Key(), svc.ServiceID, err)
			}
		}
	}
	return nil
}

func validateSteps(svc *TransactionInfo) error {
	if len(svc.SequentialOptions) == 0 {
		return fmt.Errorf("sequential service declares no SequentialOptions")
	}
	for i := range svc.SequentialOptions {
		step := &svc.SequentialOptions[i]
		if step.ResultHandling == "" {
			step.ResultHandling = HandlingResultSet
		}
		for _, idx := range step.ServiceInputFields {
			if idx < 0 || idx >= len(svc.Inputs) {
				return fmt.Errorf("step %d: input index %d out of range", i, idx)
			}
		}
		for _, idx := range step.TargetInputFields {
			if idx < 0 || idx >= len(svc.Inputs) {
				return fmt.Errorf("step %d: target input index %d out of range", i, idx)
			}
		}
		for _, ref := range step.ServiceOutputs {
			if _, err := ref.Resolve(svc.Outputs); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		}
	}
	return nil
}

// ParsePublicTransactions decodes the public transactions allow-list.
func ParsePublicTransactions(data []byte) ([]PublicTransaction, error) {
	var list []PublicTransaction
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode public transactions: %w", err)
	}
	return list, nil
}

// Clone returns a deep copy of the contract.
func (c *BusinessContract) Clone() *BusinessContract {
	if c == nil {
		return nil
	}
	out := *c
	if c.Models != nil {
		out.Models = make([]Model, len(c.Models))
		for i, m := range c.Models {
			m.Columns = append([]Column(nil), m.Columns...)
			out.Models[i] = m
		}
	}
	if c.Services != nil {
		out.Services = make([]TransactionInfo, len(c.Services))
		for i := range c.Services {
			out.Services[i] = *c.Services[i].Clone()
		}
	}
	return &out
}

// Clone returns a deep copy so per-request mutation never reaches the store.
func (t *TransactionInfo) Clone() *TransactionInfo {
	if t == nil {
		return nil
	}
	out := *t
	out.AccessScreenID = append([]string(nil), t.AccessScreenID...)

	out.Inputs = make([]InputContract, len(t.Inputs))
	for i, in := range t.Inputs {
		in.Fields = append([]string(nil), in.Fields...)
		in.TestValues = append([]interface{}(nil), in.TestValues...)
		in.DefaultValues = append([]DefaultValue(nil), in.DefaultValues...)
		in.BaseFieldMappings = append([]BaseFieldMapping(nil), in.BaseFieldMappings...)
		out.Inputs[i] = in
	}

	out.Outputs = make([]OutputContract, len(t.Outputs))
	for i, o := range t.Outputs {
		o.Fields = append([]string(nil), o.Fields...)
		out.Outputs[i] = o
	}

	out.SequentialOptions = make([]SequentialStep, len(t.SequentialOptions))
	for i, s := range t.SequentialOptions {
		s.ServiceInputFields = append([]int(nil), s.ServiceInputFields...)
		s.TargetInputFields = append([]int(nil), s.TargetInputFields...)
		s.ResultOutputFields = append([]int(nil), s.ResultOutputFields...)
		refs := make([]StepOutputRef, len(s.ServiceOutputs))
		for j, r := range s.ServiceOutputs {
			if r.Inline != nil {
				oc := *r.Inline
				oc.Fields = append([]string(nil), oc.Fields...)
				r.Inline = &oc
			}
			refs[j] = r
		}
		s.ServiceOutputs = refs
		out.SequentialOptions[i] = s
	}
	return &out
}
