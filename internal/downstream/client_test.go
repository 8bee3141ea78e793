package downstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/transaction_gateway/internal/config"
	"github.com/R3E-Network/transaction_gateway/internal/contract"
	"github.com/R3E-Network/transaction_gateway/internal/envelope"
	gwerrors "github.com/R3E-Network/transaction_gateway/internal/errors"
	"github.com/R3E-Network/transaction_gateway/internal/logging"
	"github.com/R3E-Network/transaction_gateway/internal/metrics"
	"github.com/R3E-Network/transaction_gateway/internal/transact"
)

func target(kind contract.TransactionKind) Target {
	return Target{ProgramID: "HDS", BusinessID: "SYS", Environment: "D", Kind: kind,
		TransactionProjectID: "SYP", TransactionID: "SYS010"}
}

func newTestClient(t *testing.T, format config.MessageDataType, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(ClientConfig{
		Routes:  map[string]string{"HDSSYSD": srv.URL + "/"},
		Format:  format,
		Timeout: 5 * time.Second,
		Metrics: metrics.New(),
		Logger:  logging.NewDiscard(),
	})
	return c, srv
}

func TestTargetSegment(t *testing.T) {
	tests := map[contract.TransactionKind]string{
		contract.KindConsole:     "/console",
		contract.KindTask:        "/task",
		contract.KindDynamic:     "/dynamic",
		contract.KindApplication: "/webapi/HDS/SYP/SYS010",
		contract.KindFunction:    "/function",
	}
	for kind, want := range tests {
		got, err := target(kind).Segment()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	for _, kind := range []contract.TransactionKind{contract.KindRepository, contract.KindSequential, "Z"} {
		_, err := target(kind).Segment()
		assert.Equal(t, gwerrors.CategoryContract, gwerrors.CategoryOf(err))
	}
}

func TestRouteTable_Missing(t *testing.T) {
	_, err := NewRouteTable(nil).URL(target(contract.KindDynamic))
	require.Error(t, err)
	assert.Equal(t, "D_MessageServerUrl route not configured", err.Error())
	assert.True(t, gwerrors.Is(err, gwerrors.CodeRouteNotFound))
}

func TestNewRequest(t *testing.T) {
	env := &envelope.Request{AccessToken: "tok", Action: "SYN", Environment: "D", RequestID: "R1", Version: "001"}
	req := &transact.Request{GlobalID: "G1", ReturnType: contract.ReturnJson, TransactionScope: true,
		LoadOptions: map[string]string{"a": "b"}}
	call := Call{
		TransactionID: "HDS|SYP|SYS010",
		ServiceID:     "G01",
		Inputs: []contract.InputContract{
			{BaseFieldMappings: []contract.BaseFieldMapping{{BaseSequence: "0", SourceFieldID: "A", TargetFieldID: "B"}}, IgnoreResult: true},
			{},
		},
		Groups: [][]transact.Group{
			{
				{{ID: "A", DataType: "String", Length: 10, Value: "x"}},
				{{ID: "A", DataType: "String", Length: 10, Value: "y"}},
			},
			nil,
		},
		Outputs: []contract.OutputContract{{Type: contract.ShapeGrid}, {Type: contract.ShapeAddition}},
	}

	out := NewRequest(env, req, call, false)
	assert.Equal(t, "tok", out.AccessTokenID)
	assert.Equal(t, "G1", out.GlobalID)
	assert.True(t, out.IsTransaction)
	assert.Equal(t, contract.ReturnJson, out.ReturnType)

	require.Len(t, out.DynamicObjects, 3)
	q0 := out.DynamicObjects[0]
	assert.Equal(t, "HDS|SYP|SYS010|G0100", q0.QueryID)
	assert.Equal(t, "AdditionJson", q0.JsonObject)
	assert.Equal(t, []string{"GridJson", "AdditionJson"}, q0.JsonObjects)
	assert.True(t, q0.IgnoreResult)
	require.Len(t, q0.Parameters, 1)
	assert.Equal(t, Parameter{ParameterName: "A", DbType: "String", Value: "x", Length: 10}, q0.Parameters[0])
	assert.Equal(t, "y", out.DynamicObjects[1].Parameters[0].Value)
	assert.Equal(t, q0.QueryID, out.DynamicObjects[1].QueryID)

	empty := out.DynamicObjects[2]
	assert.Equal(t, "HDS|SYP|SYS010|G0101", empty.QueryID)
	assert.Empty(t, empty.Parameters)
	assert.False(t, empty.IgnoreResult)

	hashed := NewRequest(env, req, call, true)
	assert.Equal(t, HashQueryID("HDS|SYP|SYS010|G0100"), hashed.DynamicObjects[0].QueryID)
	assert.Len(t, hashed.DynamicObjects[0].QueryID, 32)
}

func TestNewRequest_NoInputs(t *testing.T) {
	out := NewRequest(&envelope.Request{}, &transact.Request{}, Call{TransactionID: "T", ServiceID: "S"}, false)
	require.Len(t, out.DynamicObjects, 1)
	assert.Equal(t, "T|S00", out.DynamicObjects[0].QueryID)
}

func TestClient_SendJSON(t *testing.T) {
	var got Request
	c, _ := newTestClient(t, config.MessageJSON, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/dynamic", r.URL.Path)
		assert.Equal(t, ContentTypeJSON, r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", ContentTypeJSON)
		_, _ = io.WriteString(w, `{"Acknowledge":1,"ResultMeta":["m"],"ResultJson":[{"FieldID":"F1","Value":"{\"a\":1}"}]}`)
	})

	reply, err := c.Send(context.Background(), target(contract.KindDynamic), &Request{GlobalID: "G1", ReturnType: contract.ReturnJson})
	require.NoError(t, err)
	assert.Equal(t, "G1", got.GlobalID)
	assert.Equal(t, []string{"m"}, reply.ResultMeta)
	assert.JSONEq(t, `[{"FieldID":"F1","Value":"{\"a\":1}"}]`, string(reply.ResultJson))
}

func TestClient_SendJSONStringResult(t *testing.T) {
	c, _ := newTestClient(t, config.MessageJSON, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"Acknowledge":1,"ResultJson":"{\"x\":1}"}`)
	})
	reply, err := c.Send(context.Background(), target(contract.KindDynamic), &Request{ReturnType: contract.ReturnSchemeOnly})
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(reply.ResultJson))
}

func TestClient_SendMsgpack(t *testing.T) {
	c, _ := newTestClient(t, config.MessageMsgpack, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ContentTypeStream, r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req Request
		require.NoError(t, envelope.UnmarshalMsgpack(body, &req))
		assert.Equal(t, "G2", req.GlobalID)

		data, err := envelope.MarshalMsgpack(map[string]interface{}{
			"Acknowledge":   1,
			"ResultInteger": 5,
			"ResultJson":    []interface{}{map[string]interface{}{"FieldID": "F1", "Value": "[]"}},
		})
		require.NoError(t, err)
		w.Header().Set("Content-Type", ContentTypeStream)
		_, _ = w.Write(data)
	})

	reply, err := c.Send(context.Background(), target(contract.KindTask), &Request{GlobalID: "G2", ReturnType: contract.ReturnNonQuery})
	require.NoError(t, err)
	assert.Equal(t, int64(5), reply.ResultInteger)
	assert.JSONEq(t, `[{"FieldID":"F1","Value":"[]"}]`, string(reply.ResultJson))
}

func TestClient_RawReturnTypes(t *testing.T) {
	c, _ := newTestClient(t, config.MessageJSON, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<root/>"))
	})

	reply, err := c.Send(context.Background(), target(contract.KindDynamic), &Request{ReturnType: contract.ReturnDataSet})
	require.NoError(t, err)
	assert.Equal(t, []byte("<root/>"), reply.ResultObject)

	reply, err = c.Send(context.Background(), target(contract.KindDynamic), &Request{ReturnType: contract.ReturnXml})
	require.NoError(t, err)
	assert.Equal(t, "<root/>", reply.ResultObject)
}

func TestClient_NegativeAcknowledge(t *testing.T) {
	body := `{"Acknowledge":0,"ExceptionText":"backend said no"}`
	c, _ := newTestClient(t, config.MessageJSON, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, body)
	})

	_, err := c.Send(context.Background(), target(contract.KindDynamic), &Request{GlobalID: "G9", ReturnType: contract.ReturnJson})
	require.Error(t, err)
	assert.Equal(t, "backend said no", err.Error())
	assert.True(t, gwerrors.Is(err, gwerrors.CodeDownstreamRejected))

	body = `{"Acknowledge":0}`
	_, err = c.Send(context.Background(), target(contract.KindDynamic), &Request{GlobalID: "G9", ReturnType: contract.ReturnJson})
	require.Error(t, err)
	assert.Equal(t, "GlobalID: G9 transaction check required", err.Error())
}

func TestClient_HTTPFailure(t *testing.T) {
	c, _ := newTestClient(t, config.MessageJSON, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	_, err := c.Send(context.Background(), target(contract.KindDynamic), &Request{ReturnType: contract.ReturnDataSet})
	require.Error(t, err)
	assert.Equal(t, gwerrors.CategoryDownstream, gwerrors.CategoryOf(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestClient_Deadline(t *testing.T) {
	release := make(chan struct{})
	c, _ := newTestClient(t, config.MessageJSON, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	c.timeout = 50 * time.Millisecond

	_, err := c.Send(context.Background(), target(contract.KindDynamic), &Request{ReturnType: contract.ReturnJson})
	require.Error(t, err)
	assert.Equal(t, gwerrors.CategoryDownstream, gwerrors.CategoryOf(err))
}

func TestClient_MalformedReply(t *testing.T) {
	c, _ := newTestClient(t, config.MessageJSON, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `not json`)
	})
	_, err := c.Send(context.Background(), target(contract.KindDynamic), &Request{ReturnType: contract.ReturnJson})
	assert.True(t, gwerrors.Is(err, gwerrors.CodeDownstreamFailure))
}
