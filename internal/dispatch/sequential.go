package dispatch

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/transaction_gateway/internal/contract"
	"github.com/R3E-Network/transaction_gateway/internal/downstream"
	"github.com/R3E-Network/transaction_gateway/internal/envelope"
	gwerrors "github.com/R3E-Network/transaction_gateway/internal/errors"
	"github.com/R3E-Network/transaction_gateway/internal/shaper"
	"github.com/R3E-Network/transaction_gateway/internal/transact"
)

// sequential runs the steps of a sequential service in order. Outputs of
// ResultSet steps accumulate across the chain; FieldMapping steps feed the
// bound input groups of later steps. The first failing step ends the chain.
func (e *Engine) sequential(ctx context.Context, call Call) (*Outcome, error) {
	svc, env := call.Service, call.Envelope
	th := env.TH

	if svc.ReturnType != contract.ReturnJson {
		return nil, gwerrors.Configuration(fmt.Sprintf("'%s|%s' sequential transactions support Json responses only",
			th.TransactionCode, svc.ServiceID))
	}

	outcome := &Outcome{
		Outputs:     []envelope.ResultOutput{},
		Diagnostics: []envelope.AdditionalMessage{},
	}

	for i := range svc.SequentialOptions {
		step := &svc.SequentialOptions[i]
		log := e.log.WithContext(ctx).WithField("step", i).WithField("service", svc.ServiceID)

		shaped, meta, err := e.runStep(ctx, call, step)
		if err != nil {
			log.WithError(err).Warn("sequential step failed")
			return nil, err
		}
		outcome.Diagnostics = append(outcome.Diagnostics, shaped.Diagnostics...)

		switch step.ResultHandling {
		case contract.HandlingFieldMapping:
			if err := mapFields(call, step, shaped.Outputs); err != nil {
				return nil, err
			}
		default:
			place(outcome, step.ResultOutputFields, shaped.Outputs, meta)
		}
		log.WithField("outputs", len(shaped.Outputs)).Debug("sequential step completed")
	}

	// Steps may declare only inline outputs; the service-level check needs
	// declared outputs to compare against.
	if len(svc.Outputs) > 0 {
		if err := e.shaper.Validate(outcome.Outputs, svc.Outputs, call.Contract); err != nil {
			return nil, err
		}
	}
	return outcome, nil
}

func (e *Engine) runStep(ctx context.Context, call Call, step *contract.SequentialStep) (*shaper.Shaped, []string, error) {
	svc, env, req := call.Service, call.Envelope, call.Request
	th := env.TH

	project := step.TransactionProjectID
	if project == "" {
		project = th.BusinessID
	}
	transaction := step.TransactionID
	if transaction == "" {
		transaction = th.TransactionCode
	}
	serviceID := step.ServiceID
	if serviceID == "" {
		serviceID = svc.ServiceID
	}

	transactionProject := project
	if step.TransactionType == contract.KindApplication {
		target, ok := e.store.Resolve(th.ProgramID, project, transaction)
		if !ok {
			return nil, nil, gwerrors.Configuration(fmt.Sprintf("'%s|%s|%s' step contract not found",
				th.ProgramID, project, transaction))
		}
		transactionProject = target.TransactionProjectID
	}

	inputs := make([]contract.InputContract, len(step.ServiceInputFields))
	groups := make([][]transact.Group, len(step.ServiceInputFields))
	for j, idx := range step.ServiceInputFields {
		inputs[j] = svc.Inputs[idx]
		groups[j] = req.GroupsOf(idx)
	}

	outputs := make([]contract.OutputContract, 0, len(step.ServiceOutputs))
	for _, ref := range step.ServiceOutputs {
		oc, err := ref.Resolve(svc.Outputs)
		if err != nil {
			return nil, nil, gwerrors.Configuration(err.Error())
		}
		outputs = append(outputs, oc)
	}

	stepTx := transact.TransactionPath(th.ProgramID, transactionProject, transaction)
	dreq := downstream.NewRequest(env, req, downstream.Call{
		TransactionID: stepTx,
		ServiceID:     serviceID,
		Inputs:        inputs,
		Groups:        groups,
		Outputs:       outputs,
	}, e.hashed)
	dreq.ReturnType = contract.ReturnJson

	target := downstream.Target{
		ProgramID:            th.ProgramID,
		BusinessID:           th.BusinessID,
		Environment:          env.SH.Environment,
		Kind:                 step.TransactionType,
		TransactionProjectID: transactionProject,
		TransactionID:        transaction,
	}

	reply, err := e.sender.Send(ctx, target, dreq)
	if err != nil {
		return nil, nil, err
	}
	shaped, err := e.shape(reply, outputs, call.Contract)
	if err != nil {
		return nil, nil, err
	}
	return shaped, reply.ResultMeta, nil
}

// place puts outs into the accumulated outputs. positions[i] names the slot of
// outs[i]; an existing slot is replaced and anything else is appended.
func place(outcome *Outcome, positions []int, outs []envelope.ResultOutput, meta []string) {
	for i, o := range outs {
		m := metaAt(meta, i)
		if i < len(positions) && positions[i] >= 0 && positions[i] < len(outcome.Outputs) {
			pos := positions[i]
			outcome.Outputs[pos] = o
			for len(outcome.Meta) <= pos {
				outcome.Meta = append(outcome.Meta, "")
			}
			outcome.Meta[pos] = m
			continue
		}
		for len(outcome.Meta) < len(outcome.Outputs) {
			outcome.Meta = append(outcome.Meta, "")
		}
		outcome.Outputs = append(outcome.Outputs, o)
		outcome.Meta = append(outcome.Meta, m)
	}
}

// mapFields copies the scalar properties of the first result object into
// same-named fields of the target input groups.
func mapFields(call Call, step *contract.SequentialStep, outs []envelope.ResultOutput) error {
	if len(outs) == 0 {
		return nil
	}
	raw, ok := outs[0].RawJSON()
	if !ok {
		return nil
	}
	source := gjson.ParseBytes(raw)
	if source.IsArray() {
		source = source.Get("0")
	}
	if !source.IsObject() {
		return gwerrors.ContractMismatch(fmt.Sprintf("'%s|%s' field mapping source is not a JSON object",
			call.Envelope.TH.TransactionCode, call.Service.ServiceID))
	}

	for _, idx := range step.TargetInputFields {
		groups := call.Request.GroupsOf(idx)
		if len(groups) == 0 {
			continue
		}
		row := call.Service.Inputs[idx].Type == contract.CardinalityRow

		source.ForEach(func(key, value gjson.Result) bool {
			v, scalar := scalarValue(value)
			if !scalar {
				return true
			}
			name := key.String()
			if row {
				groups[0].Set(name, v)
				return true
			}
			if _, ok := groups[0].Get(name); !ok {
				return true
			}
			for _, g := range groups {
				g.Set(name, v)
			}
			return true
		})
	}
	return nil
}

func scalarValue(v gjson.Result) (interface{}, bool) {
	switch v.Type {
	case gjson.Null:
		return nil, true
	case gjson.True:
		return true, true
	case gjson.False:
		return false, true
	case gjson.String:
		return v.Str, true
	case gjson.Number:
		if f := v.Num; f == float64(int64(f)) {
			return v.Int(), true
		}
		return v.Num, true
	}
	return nil, false
}

func metaAt(meta []string, i int) string {
	if i < len(meta) {
		return meta[i]
	}
	return ""
}
