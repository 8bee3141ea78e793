// Package dispatch executes a bound transaction against the backends its
// service kind routes to.
package dispatch

import (
	"context"
	"fmt"
	"strconv"

	"github.com/R3E-Network/transaction_gateway/internal/config"
	"github.com/R3E-Network/transaction_gateway/internal/contract"
	"github.com/R3E-Network/transaction_gateway/internal/downstream"
	"github.com/R3E-Network/transaction_gateway/internal/envelope"
	gwerrors "github.com/R3E-Network/transaction_gateway/internal/errors"
	"github.com/R3E-Network/transaction_gateway/internal/logging"
	"github.com/R3E-Network/transaction_gateway/internal/shaper"
	"github.com/R3E-Network/transaction_gateway/internal/transact"
)

// Content types of raw replies.
const (
	ContentTypeOctetStream = "application/octet-stream"
	ContentTypeHTML        = "text/html"
	ContentTypeXML         = "application/xml"
	ContentTypeJSON        = "application/json"
)

// Call is one transaction ready for dispatch.
type Call struct {
	Envelope *envelope.Request
	Contract *contract.BusinessContract
	Service  *contract.TransactionInfo
	Request  *transact.Request
}

// Raw is a reply handed to the caller without an envelope.
type Raw struct {
	ContentType string
	Body        []byte
}

// Outcome is the result of a dispatch. Exactly one of Raw or Outputs is set.
type Outcome struct {
	Raw         *Raw
	Outputs     []envelope.ResultOutput
	Meta        []string
	Diagnostics []envelope.AdditionalMessage
}

// Engine dispatches calls through a downstream.Sender.
type Engine struct {
	sender downstream.Sender
	store  *contract.Store
	shaper *shaper.Shaper
	hashed bool
	log    *logging.Logger
}

// NewEngine creates an Engine. store resolves the contracts of application
// route steps in sequential services.
func NewEngine(sender downstream.Sender, store *contract.Store, cfg *config.Config, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.Default()
	}
	return &Engine{
		sender: sender,
		store:  store,
		shaper: shaper.New(log),
		hashed: cfg.QueryIDHashing,
		log:    log,
	}
}

// Dispatch executes call according to its service kind.
func (e *Engine) Dispatch(ctx context.Context, call Call) (*Outcome, error) {
	svc := call.Service
	switch svc.TransactionType {
	case contract.KindConsole, contract.KindTask, contract.KindDynamic, contract.KindApplication, contract.KindFunction:
		return e.single(ctx, call)
	case contract.KindSequential:
		return e.sequential(ctx, call)
	case contract.KindRepository:
		return nil, gwerrors.Configuration(fmt.Sprintf("'%s|%s' TransactionType '%s' has no dispatcher, TransactionType check required",
			call.Envelope.TH.TransactionCode, svc.ServiceID, svc.TransactionType))
	default:
		return nil, gwerrors.Configuration(fmt.Sprintf("'%s|%s' TransactionType check required",
			call.Envelope.TH.TransactionCode, svc.ServiceID))
	}
}

func (e *Engine) single(ctx context.Context, call Call) (*Outcome, error) {
	svc, req, th := call.Service, call.Request, call.Envelope.TH

	groups := make([][]transact.Group, len(svc.Inputs))
	for i := range svc.Inputs {
		groups[i] = req.GroupsOf(i)
	}
	dreq := downstream.NewRequest(call.Envelope, req, downstream.Call{
		TransactionID: req.TransactionID,
		ServiceID:     svc.ServiceID,
		Inputs:        svc.Inputs,
		Groups:        groups,
		Outputs:       svc.Outputs,
	}, e.hashed)

	target := downstream.Target{
		ProgramID:            th.ProgramID,
		BusinessID:           th.BusinessID,
		Environment:          call.Envelope.SH.Environment,
		Kind:                 svc.TransactionType,
		TransactionProjectID: call.Contract.TransactionProjectID,
		TransactionID:        th.TransactionCode,
	}

	reply, err := e.sender.Send(ctx, target, dreq)
	if err != nil {
		return nil, err
	}
	return e.mapReply(call, reply)
}

func (e *Engine) mapReply(call Call, reply *downstream.Reply) (*Outcome, error) {
	svc := call.Service
	switch svc.ReturnType {
	case contract.ReturnDataSet:
		return &Outcome{Raw: &Raw{ContentType: ContentTypeOctetStream, Body: objectBytes(reply.ResultObject)}}, nil
	case contract.ReturnScalar:
		return &Outcome{Raw: &Raw{ContentType: ContentTypeHTML, Body: objectBytes(reply.ResultObject)}}, nil
	case contract.ReturnNonQuery:
		return &Outcome{Raw: &Raw{ContentType: ContentTypeHTML, Body: []byte(strconv.FormatInt(reply.ResultInteger, 10))}}, nil
	case contract.ReturnXml:
		return &Outcome{Raw: &Raw{ContentType: ContentTypeXML, Body: objectBytes(reply.ResultObject)}}, nil
	case contract.ReturnDynamicJson:
		body := []byte(reply.ResultJson)
		if len(body) == 0 {
			body = []byte("null")
		}
		return &Outcome{Raw: &Raw{ContentType: ContentTypeJSON, Body: body}}, nil
	case contract.ReturnCodeHelp:
		var first []envelope.RequestInput
		if inputs := call.Envelope.DAT.Inputs; len(inputs) > 0 {
			first = inputs[0]
		}
		return &Outcome{Outputs: shaper.CodeHelp(reply.ResultJson, first), Meta: reply.ResultMeta}, nil
	case contract.ReturnSchemeOnly:
		outs, err := shaper.SchemeOnly(reply.ResultJson)
		if err != nil {
			return nil, gwerrors.Downstream("malformed scheme reply", err)
		}
		return &Outcome{Outputs: outs, Meta: reply.ResultMeta}, nil
	case contract.ReturnSQLText:
		return &Outcome{Outputs: shaper.SQLText(reply.ResultJson), Meta: reply.ResultMeta}, nil
	case contract.ReturnJson:
		shaped, err := e.shape(reply, svc.Outputs, call.Contract)
		if err != nil {
			return nil, err
		}
		return &Outcome{Outputs: shaped.Outputs, Diagnostics: shaped.Diagnostics, Meta: reply.ResultMeta}, nil
	}
	return nil, gwerrors.Configuration(fmt.Sprintf("'%s|%s' ReturnType '%s' is not supported",
		call.Envelope.TH.TransactionCode, svc.ServiceID, svc.ReturnType))
}

func (e *Engine) shape(reply *downstream.Reply, outputs []contract.OutputContract, c *contract.BusinessContract) (*shaper.Shaped, error) {
	results, err := shaper.ParseResults(reply.ResultJson)
	if err != nil {
		return nil, gwerrors.Downstream("malformed Json reply", err)
	}
	return e.shaper.Shape(results, outputs, c)
}

// objectBytes renders a raw reply object; nil renders empty.
func objectBytes(v interface{}) []byte {
	switch x := v.(type) {
	case nil:
		return []byte{}
	case []byte:
		return x
	case string:
		return []byte(x)
	default:
		return []byte(envelope.FormatCell(x))
	}
}
