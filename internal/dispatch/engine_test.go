package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/transaction_gateway/internal/config"
	"github.com/R3E-Network/transaction_gateway/internal/contract"
	"github.com/R3E-Network/transaction_gateway/internal/downstream"
	"github.com/R3E-Network/transaction_gateway/internal/envelope"
	gwerrors "github.com/R3E-Network/transaction_gateway/internal/errors"
	"github.com/R3E-Network/transaction_gateway/internal/logging"
	"github.com/R3E-Network/transaction_gateway/internal/transact"
)

type sent struct {
	target downstream.Target
	req    *downstream.Request
}

// fakeSender answers calls from a queue of replies and records what it got.
type fakeSender struct {
	mu      sync.Mutex
	calls   []sent
	replies []func() (*downstream.Reply, error)
}

func (f *fakeSender) Send(_ context.Context, target downstream.Target, req *downstream.Request) (*downstream.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sent{target: target, req: req})
	if len(f.replies) == 0 {
		return nil, gwerrors.Downstream("no reply queued", nil)
	}
	next := f.replies[0]
	f.replies = f.replies[1:]
	return next()
}

func (f *fakeSender) reply(r *downstream.Reply) *fakeSender {
	f.replies = append(f.replies, func() (*downstream.Reply, error) { return r, nil })
	return f
}

func (f *fakeSender) fail(err error) *fakeSender {
	f.replies = append(f.replies, func() (*downstream.Reply, error) { return nil, err })
	return f
}

func jsonReply(raw string) *downstream.Reply {
	return &downstream.Reply{Acknowledge: envelope.AckSuccess, ResultJson: json.RawMessage(raw)}
}

var testContract = &contract.BusinessContract{
	ApplicationID:        "HDS",
	ProjectID:            "SYS",
	TransactionID:        "SYS010",
	TransactionProjectID: "SYP",
	Models: []contract.Model{{
		Name:    "Member",
		Columns: []contract.Column{{Name: "MemberNo", DataType: "String"}, {Name: "Name", DataType: "String"}},
	}},
}

func testEnvelope() *envelope.Request {
	return &envelope.Request{
		Environment: "D",
		Version:     "001",
		SH:          &envelope.SessionHeader{GlobalID: "G1", Environment: "D"},
		TH: &envelope.TransactionHeader{ProgramID: "HDS", BusinessID: "SYS", TransactionCode: "SYS010",
			FunctionCode: "G01", ScreenID: "SYS010"},
		DAT: &envelope.RequestData{},
	}
}

func newEngine(sender downstream.Sender, store *contract.Store) *Engine {
	if store == nil {
		store = contract.NewStore("", "", logging.NewDiscard())
	}
	return NewEngine(sender, store, config.Default(), logging.NewDiscard())
}

func memberGroup(no, name string) transact.Group {
	return transact.Group{
		{ID: "MemberNo", DataType: "String", Length: 10, Value: no},
		{ID: "Name", DataType: "String", Length: 50, Value: name},
	}
}

func TestDispatch_SingleJson(t *testing.T) {
	svc := &contract.TransactionInfo{
		ServiceID:       "G01",
		TransactionType: contract.KindDynamic,
		ReturnType:      contract.ReturnJson,
		Inputs:          []contract.InputContract{{ModelID: "Member", Type: contract.CardinalityList}},
		Outputs: []contract.OutputContract{
			{ModelID: "Member", Type: contract.ShapeGrid},
			{ModelID: contract.ModelUnknown, Type: contract.ShapeAddition},
		},
	}
	req := &transact.Request{
		GlobalID:      "G1",
		TransactionID: "HDS|SYP|SYS010",
		ServiceID:     "G01",
		ReturnType:    contract.ReturnJson,
		Counts:        []int{2},
		Inputs:        []transact.Group{memberGroup("1", "a"), memberGroup("2", "b")},
	}
	sender := (&fakeSender{}).reply(&downstream.Reply{
		Acknowledge: envelope.AckSuccess,
		ResultMeta:  []string{"grid-meta"},
		ResultJson: json.RawMessage(`[
			{"FieldID":"GridData","Value":"[{\"MemberNo\":\"1\",\"Name\":\"a\"}]"},
			{"FieldID":"Messages","Value":[{"MSG_CD":"I01","MSG_TXT":"two rows"}]}
		]`),
	})

	out, err := newEngine(sender, nil).Dispatch(context.Background(),
		Call{Envelope: testEnvelope(), Contract: testContract, Service: svc, Request: req})
	require.NoError(t, err)

	require.Len(t, sender.calls, 1)
	call := sender.calls[0]
	assert.Equal(t, downstream.Target{ProgramID: "HDS", BusinessID: "SYS", Environment: "D",
		Kind: contract.KindDynamic, TransactionProjectID: "SYP", TransactionID: "SYS010"}, call.target)
	require.Len(t, call.req.DynamicObjects, 2)
	assert.Equal(t, "HDS|SYP|SYS010|G0100", call.req.DynamicObjects[0].QueryID)
	assert.Equal(t, []string{"GridJson", "AdditionJson"}, call.req.DynamicObjects[0].JsonObjects)

	assert.Nil(t, out.Raw)
	require.Len(t, out.Outputs, 1)
	assert.Equal(t, "GridData", out.Outputs[0].FieldID)
	assert.Equal(t, []string{"grid-meta"}, out.Meta)
	assert.Equal(t, []envelope.AdditionalMessage{{Code: "I01", Text: "two rows"}}, out.Diagnostics)
}

func TestDispatch_RawReturnTypes(t *testing.T) {
	tests := []struct {
		returnType  contract.ReturnType
		reply       *downstream.Reply
		contentType string
		body        string
	}{
		{contract.ReturnDataSet, &downstream.Reply{ResultObject: []byte{0x01, 0x02}}, ContentTypeOctetStream, "\x01\x02"},
		{contract.ReturnScalar, &downstream.Reply{ResultObject: float64(42)}, ContentTypeHTML, "42"},
		{contract.ReturnScalar, &downstream.Reply{}, ContentTypeHTML, ""},
		{contract.ReturnNonQuery, &downstream.Reply{ResultInteger: 7}, ContentTypeHTML, "7"},
		{contract.ReturnXml, &downstream.Reply{ResultObject: "<a/>"}, ContentTypeXML, "<a/>"},
		{contract.ReturnDynamicJson, &downstream.Reply{ResultJson: json.RawMessage(`{"x":1}`)}, ContentTypeJSON, `{"x":1}`},
	}

	for _, tt := range tests {
		t.Run(string(tt.returnType), func(t *testing.T) {
			svc := &contract.TransactionInfo{ServiceID: "G01", TransactionType: contract.KindTask, ReturnType: tt.returnType}
			sender := (&fakeSender{}).reply(tt.reply)
			out, err := newEngine(sender, nil).Dispatch(context.Background(),
				Call{Envelope: testEnvelope(), Contract: testContract, Service: svc, Request: &transact.Request{ReturnType: tt.returnType}})
			require.NoError(t, err)
			require.NotNil(t, out.Raw)
			assert.Equal(t, tt.contentType, out.Raw.ContentType)
			assert.Equal(t, tt.body, string(out.Raw.Body))
		})
	}
}

func TestDispatch_SingleCallMappings(t *testing.T) {
	env := testEnvelope()
	env.DAT.Inputs = [][]envelope.RequestInput{{{FieldID: "CodeHelpID", Value: "CH01"}}}

	svc := &contract.TransactionInfo{ServiceID: "G01", TransactionType: contract.KindFunction, ReturnType: contract.ReturnCodeHelp}
	out, err := newEngine((&fakeSender{}).reply(jsonReply(`[{"CD":"A"}]`)), nil).Dispatch(context.Background(),
		Call{Envelope: env, Contract: testContract, Service: svc, Request: &transact.Request{}})
	require.NoError(t, err)
	require.Len(t, out.Outputs, 1)
	assert.Equal(t, "CH01", out.Outputs[0].FieldID)

	svc.ReturnType = contract.ReturnSchemeOnly
	out, err = newEngine((&fakeSender{}).reply(jsonReply(`{"A":[1, 2],"B":{"c":true}}`)), nil).Dispatch(context.Background(),
		Call{Envelope: env, Contract: testContract, Service: svc, Request: &transact.Request{}})
	require.NoError(t, err)
	require.Len(t, out.Outputs, 2)
	assert.Equal(t, "[1,2]", out.Outputs[0].Data)

	svc.ReturnType = contract.ReturnSQLText
	out, err = newEngine((&fakeSender{}).reply(jsonReply(`"SELECT 1"`)), nil).Dispatch(context.Background(),
		Call{Envelope: env, Contract: testContract, Service: svc, Request: &transact.Request{}})
	require.NoError(t, err)
	assert.Equal(t, "SQLText", out.Outputs[0].FieldID)
}

func TestDispatch_UnroutableKinds(t *testing.T) {
	for _, kind := range []contract.TransactionKind{contract.KindRepository, "X"} {
		sender := &fakeSender{}
		svc := &contract.TransactionInfo{ServiceID: "G01", TransactionType: kind, ReturnType: contract.ReturnJson}
		_, err := newEngine(sender, nil).Dispatch(context.Background(),
			Call{Envelope: testEnvelope(), Contract: testContract, Service: svc, Request: &transact.Request{}})
		require.Error(t, err)
		assert.True(t, gwerrors.Is(err, gwerrors.CodeConfiguration))
		assert.Contains(t, err.Error(), "TransactionType check required")
		assert.Empty(t, sender.calls)
	}
}

func TestDispatch_DownstreamErrorPassesThrough(t *testing.T) {
	svc := &contract.TransactionInfo{ServiceID: "G01", TransactionType: contract.KindConsole, ReturnType: contract.ReturnJson}
	sender := (&fakeSender{}).fail(gwerrors.DownstreamRejected("duplicate key"))
	_, err := newEngine(sender, nil).Dispatch(context.Background(),
		Call{Envelope: testEnvelope(), Contract: testContract, Service: svc, Request: &transact.Request{}})
	require.Error(t, err)
	assert.Equal(t, "duplicate key", err.Error())
}

func sequentialService() *contract.TransactionInfo {
	return &contract.TransactionInfo{
		ServiceID:       "G01",
		TransactionType: contract.KindSequential,
		ReturnType:      contract.ReturnJson,
		Inputs: []contract.InputContract{
			{ModelID: contract.ModelDynamic, Type: contract.CardinalityRow},
			{ModelID: "Member", Type: contract.CardinalityList},
		},
		Outputs: []contract.OutputContract{{ModelID: "Member", Type: contract.ShapeGrid}},
		SequentialOptions: []contract.SequentialStep{
			{
				ServiceID:          "S1",
				TransactionType:    contract.KindDynamic,
				ServiceInputFields: []int{0},
				ServiceOutputs: []contract.StepOutputRef{{Index: -1, Inline: &contract.OutputContract{
					ModelID: contract.ModelDynamic, Type: contract.ShapeForm}}},
				ResultHandling:    contract.HandlingFieldMapping,
				TargetInputFields: []int{1},
			},
			{
				ServiceID:          "S2",
				TransactionType:    contract.KindDynamic,
				ServiceInputFields: []int{1},
				ServiceOutputs:     []contract.StepOutputRef{{Index: 0}},
				ResultHandling:     contract.HandlingResultSet,
			},
		},
	}
}

func sequentialRequest() *transact.Request {
	return &transact.Request{
		GlobalID:      "G1",
		TransactionID: "HDS|SYP|SYS010",
		ServiceID:     "G01",
		ReturnType:    contract.ReturnJson,
		Counts:        []int{1, 2},
		Inputs: []transact.Group{
			{{ID: "Key", DataType: "String", Value: "k"}},
			memberGroup("", "a"),
			memberGroup("", "b"),
		},
	}
}

func TestSequential_FieldMappingFeedsLaterSteps(t *testing.T) {
	sender := (&fakeSender{}).
		reply(jsonReply(`[{"FieldID":"Lookup","Value":{"MemberNo":"99","Nested":{"x":1},"Unrelated":true}}]`)).
		reply(jsonReply(`[{"FieldID":"Members","Value":[{"MemberNo":"99","Name":"a"}]}]`))

	req := sequentialRequest()
	out, err := newEngine(sender, nil).Dispatch(context.Background(),
		Call{Envelope: testEnvelope(), Contract: testContract, Service: sequentialService(), Request: req})
	require.NoError(t, err)

	require.Len(t, sender.calls, 2)
	first := sender.calls[0]
	assert.Equal(t, "HDS|SYS|SYS010|S100", first.req.DynamicObjects[0].QueryID)
	assert.Equal(t, contract.ReturnJson, first.req.ReturnType)

	second := sender.calls[1].req.DynamicObjects
	require.Len(t, second, 2)
	for _, q := range second {
		assert.Equal(t, "HDS|SYS|SYS010|S200", q.QueryID)
		assert.Equal(t, "99", q.Parameters[0].Value)
	}
	_, added := req.Inputs[1].Get("Unrelated")
	assert.False(t, added)

	require.Len(t, out.Outputs, 1)
	assert.Equal(t, "Members", out.Outputs[0].FieldID)
}

func TestSequential_AbortsOnFirstFailure(t *testing.T) {
	svc := sequentialService()
	svc.SequentialOptions = append(svc.SequentialOptions, svc.SequentialOptions[1])

	sender := (&fakeSender{}).
		reply(jsonReply(`[{"FieldID":"Lookup","Value":{"MemberNo":"1"}}]`)).
		fail(gwerrors.DownstreamRejected("member is locked"))

	_, err := newEngine(sender, nil).Dispatch(context.Background(),
		Call{Envelope: testEnvelope(), Contract: testContract, Service: svc, Request: sequentialRequest()})
	require.Error(t, err)
	assert.Equal(t, "member is locked", err.Error())
	assert.Len(t, sender.calls, 2)
}

func TestSequential_RequiresJson(t *testing.T) {
	svc := sequentialService()
	svc.ReturnType = contract.ReturnDataSet
	_, err := newEngine(&fakeSender{}, nil).Dispatch(context.Background(),
		Call{Envelope: testEnvelope(), Contract: testContract, Service: svc, Request: sequentialRequest()})
	require.Error(t, err)
	assert.Equal(t, "'SYS010|G01' sequential transactions support Json responses only", err.Error())
}

func TestSequential_ResultSetPlacement(t *testing.T) {
	svc := &contract.TransactionInfo{
		ServiceID:       "G01",
		TransactionType: contract.KindSequential,
		ReturnType:      contract.ReturnJson,
		Outputs: []contract.OutputContract{
			{ModelID: contract.ModelDynamic, Type: contract.ShapeGrid},
			{ModelID: contract.ModelDynamic, Type: contract.ShapeForm},
		},
		SequentialOptions: []contract.SequentialStep{
			{ServiceID: "S1", TransactionType: contract.KindTask, ServiceOutputs: []contract.StepOutputRef{{Index: 0}, {Index: 1}}},
			{ServiceID: "S2", TransactionType: contract.KindTask, ServiceOutputs: []contract.StepOutputRef{{Index: 1}},
				ResultOutputFields: []int{1}},
		},
	}
	sender := (&fakeSender{}).
		reply(jsonReply(`[{"FieldID":"A","Value":[]},{"FieldID":"B","Value":{}}]`)).
		reply(jsonReply(`[{"FieldID":"B2","Value":{"x":1}}]`))

	out, err := newEngine(sender, nil).Dispatch(context.Background(),
		Call{Envelope: testEnvelope(), Contract: testContract, Service: svc, Request: &transact.Request{}})
	require.NoError(t, err)
	require.Len(t, out.Outputs, 2)
	assert.Equal(t, "A", out.Outputs[0].FieldID)
	assert.Equal(t, "B2", out.Outputs[1].FieldID)
	assert.Len(t, out.Meta, 2)
}

func TestSequential_ApplicationStepResolvesContract(t *testing.T) {
	dir := t.TempDir()
	doc := `{"ApplicationID":"HDS","ProjectID":"ORD","TransactionID":"ORD100","TransactionProjectID":"ORP",
		"Models":[],"Services":[{"ServiceID":"L01","TransactionType":"D","ReturnType":"Json"}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ORD100.json"), []byte(doc), 0o644))
	store := contract.NewStore(dir, "", logging.NewDiscard())
	require.NoError(t, store.ReloadAll())

	svc := &contract.TransactionInfo{
		ServiceID:       "G01",
		TransactionType: contract.KindSequential,
		ReturnType:      contract.ReturnJson,
		Outputs:         []contract.OutputContract{{ModelID: contract.ModelDynamic, Type: contract.ShapeGrid}},
		SequentialOptions: []contract.SequentialStep{{
			TransactionProjectID: "ORD",
			TransactionID:        "ORD100",
			ServiceID:            "L01",
			TransactionType:      contract.KindApplication,
			ServiceOutputs:       []contract.StepOutputRef{{Index: 0}},
		}},
	}
	sender := (&fakeSender{}).reply(jsonReply(`[{"FieldID":"Orders","Value":[]}]`))

	_, err := newEngine(sender, store).Dispatch(context.Background(),
		Call{Envelope: testEnvelope(), Contract: testContract, Service: svc, Request: &transact.Request{}})
	require.NoError(t, err)
	require.Len(t, sender.calls, 1)
	assert.Equal(t, "ORP", sender.calls[0].target.TransactionProjectID)
	assert.Equal(t, "ORD100", sender.calls[0].target.TransactionID)
	assert.Equal(t, "SYS", sender.calls[0].target.BusinessID)
	assert.Equal(t, "HDS|ORP|ORD100|L0100", sender.calls[0].req.DynamicObjects[0].QueryID)

	svc.SequentialOptions[0].TransactionID = "MISSING"
	_, err = newEngine(&fakeSender{}, store).Dispatch(context.Background(),
		Call{Envelope: testEnvelope(), Contract: testContract, Service: svc, Request: &transact.Request{}})
	assert.True(t, gwerrors.Is(err, gwerrors.CodeConfiguration))
}

func TestSequential_InlineOutputsOnly(t *testing.T) {
	svc := &contract.TransactionInfo{
		ServiceID:       "G01",
		TransactionType: contract.KindSequential,
		ReturnType:      contract.ReturnJson,
		SequentialOptions: []contract.SequentialStep{{
			ServiceID:       "S1",
			TransactionType: contract.KindTask,
			ServiceOutputs: []contract.StepOutputRef{{Index: -1, Inline: &contract.OutputContract{
				ModelID: contract.ModelDynamic, Type: contract.ShapeGrid}}},
		}},
	}
	sender := (&fakeSender{}).reply(jsonReply(`[{"FieldID":"Rows","Value":[{"a":1}]}]`))

	out, err := newEngine(sender, nil).Dispatch(context.Background(),
		Call{Envelope: testEnvelope(), Contract: testContract, Service: svc, Request: &transact.Request{}})
	require.NoError(t, err)
	require.Len(t, sender.calls, 1)
	require.Len(t, out.Outputs, 1)
	assert.Equal(t, "Rows", out.Outputs[0].FieldID)
}

func TestSequential_DeclaredOutputsStillValidated(t *testing.T) {
	svc := &contract.TransactionInfo{
		ServiceID:       "G01",
		TransactionType: contract.KindSequential,
		ReturnType:      contract.ReturnJson,
		Outputs: []contract.OutputContract{
			{ModelID: contract.ModelDynamic, Type: contract.ShapeGrid},
			{ModelID: contract.ModelDynamic, Type: contract.ShapeForm},
		},
		SequentialOptions: []contract.SequentialStep{{
			ServiceID:       "S1",
			TransactionType: contract.KindTask,
			ServiceOutputs:  []contract.StepOutputRef{{Index: 0}},
		}},
	}
	sender := (&fakeSender{}).reply(jsonReply(`[{"FieldID":"Rows","Value":[]}]`))

	_, err := newEngine(sender, nil).Dispatch(context.Background(),
		Call{Envelope: testEnvelope(), Contract: testContract, Service: svc, Request: &transact.Request{}})
	require.Error(t, err)
	assert.True(t, gwerrors.Is(err, gwerrors.CodeContractMismatch))
}
