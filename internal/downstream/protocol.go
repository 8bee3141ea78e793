// Package downstream implements the request/reply protocol spoken with the
// backend execution services.
package downstream

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"

	"github.com/R3E-Network/transaction_gateway/internal/contract"
	"github.com/R3E-Network/transaction_gateway/internal/envelope"
	"github.com/R3E-Network/transaction_gateway/internal/transact"
)

// Content markers of the backend protocol.
const (
	ContentTypeJSON   = "gateway/json-message"
	ContentTypeStream = "gateway/stream-message"
)

// Request is the body posted to a backend.
type Request struct {
	AccessTokenID  string
	Action         string
	ClientTag      string
	Environment    string
	RequestID      string
	GlobalID       string
	Version        string
	LoadOptions    map[string]string
	IsTransaction  bool
	ReturnType     contract.ReturnType
	DynamicObjects []Query
}

// Query is one statement execution inside a Request.
type Query struct {
	QueryID           string
	JsonObject        string
	JsonObjects       []string
	Parameters        []Parameter
	BaseFieldMappings []contract.BaseFieldMapping
	IgnoreResult      bool
}

// Parameter is one typed statement parameter.
type Parameter struct {
	ParameterName string
	DbType        string
	Value         interface{}
	Length        int
}

// Reply is the decoded backend answer. ResultJson is always JSON text; for
// DataSet replies ResultObject holds the raw bytes and for Xml the body text.
type Reply struct {
	Acknowledge   envelope.Acknowledge
	ExceptionText string
	ResultMeta    []string
	ResultJson    json.RawMessage
	ResultObject  interface{}
	ResultInteger int64
}

// Call selects what one backend request carries.
type Call struct {
	// TransactionID and ServiceID seed the query ids.
	TransactionID string
	ServiceID     string
	Inputs        []contract.InputContract
	// Groups holds the bound groups of each entry of Inputs.
	Groups  [][]transact.Group
	Outputs []contract.OutputContract
}

// NewRequest builds the backend request for call. Every input contract
// yields one query per bound group, or one parameterless query when it bound
// none. A call without input contracts yields a single parameterless query.
func NewRequest(env *envelope.Request, req *transact.Request, call Call, hashQueryIDs bool) *Request {
	out := &Request{
		AccessTokenID: env.AccessToken,
		Action:        env.Action,
		ClientTag:     env.ClientTag,
		Environment:   env.Environment,
		RequestID:     env.RequestID,
		GlobalID:      req.GlobalID,
		Version:       env.Version,
		LoadOptions:   req.LoadOptions,
		IsTransaction: req.TransactionScope,
		ReturnType:    req.ReturnType,
	}

	jsonObject, jsonObjects := outputObjects(call.Outputs)
	queryID := func(i int) string {
		id := transact.QueryID(call.TransactionID, call.ServiceID, i)
		if hashQueryIDs {
			return HashQueryID(id)
		}
		return id
	}
	empty := func(i int) Query {
		return Query{
			QueryID:           queryID(i),
			JsonObject:        jsonObject,
			JsonObjects:       jsonObjects,
			Parameters:        []Parameter{},
			BaseFieldMappings: []contract.BaseFieldMapping{},
		}
	}

	if len(call.Inputs) == 0 {
		out.DynamicObjects = []Query{empty(0)}
		return out
	}

	for i, ic := range call.Inputs {
		var groups []transact.Group
		if i < len(call.Groups) {
			groups = call.Groups[i]
		}
		if len(groups) == 0 {
			out.DynamicObjects = append(out.DynamicObjects, empty(i))
			continue
		}
		for _, g := range groups {
			q := Query{
				QueryID:           queryID(i),
				JsonObject:        jsonObject,
				JsonObjects:       jsonObjects,
				Parameters:        make([]Parameter, 0, len(g)),
				BaseFieldMappings: ic.BaseFieldMappings,
				IgnoreResult:      ic.IgnoreResult,
			}
			if q.BaseFieldMappings == nil {
				q.BaseFieldMappings = []contract.BaseFieldMapping{}
			}
			for _, f := range g {
				q.Parameters = append(q.Parameters, Parameter{
					ParameterName: f.ID,
					DbType:        f.DataType,
					Value:         f.Value,
					Length:        f.Length,
				})
			}
			out.DynamicObjects = append(out.DynamicObjects, q)
		}
	}
	return out
}

// HashQueryID returns the opaque form of a query id.
func HashQueryID(id string) string {
	sum := md5.Sum([]byte(id))
	return hex.EncodeToString(sum[:])
}

func outputObjects(outputs []contract.OutputContract) (string, []string) {
	jsonObject := ""
	objects := make([]string, 0, len(outputs))
	for _, o := range outputs {
		name := string(o.Type) + "Json"
		objects = append(objects, name)
		if o.Type == contract.ShapeAddition {
			jsonObject = name
		}
	}
	return jsonObject, objects
}
