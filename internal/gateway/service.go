// Package gateway runs the transaction pipeline: decode, guard, bind,
// dispatch, shape and encode.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/transaction_gateway/internal/binder"
	"github.com/R3E-Network/transaction_gateway/internal/cache"
	"github.com/R3E-Network/transaction_gateway/internal/config"
	"github.com/R3E-Network/transaction_gateway/internal/contract"
	"github.com/R3E-Network/transaction_gateway/internal/dispatch"
	"github.com/R3E-Network/transaction_gateway/internal/downstream"
	"github.com/R3E-Network/transaction_gateway/internal/envelope"
	gwerrors "github.com/R3E-Network/transaction_gateway/internal/errors"
	"github.com/R3E-Network/transaction_gateway/internal/guard"
	"github.com/R3E-Network/transaction_gateway/internal/logging"
	"github.com/R3E-Network/transaction_gateway/internal/metrics"
	"github.com/R3E-Network/transaction_gateway/internal/shaper"
)

// Result is the encoded answer to one transaction.
type Result struct {
	Status      int
	ContentType string
	Body        []byte
}

// Options wires a Service. Config, Store and Sender are required.
type Options struct {
	Config     *config.Config
	Store      *contract.Store
	Sender     downstream.Sender
	Cache      *cache.ResponseCache
	Compressor envelope.Compressor
	Decryptor  guard.FieldDecryptor
	Audit      *logging.AuditLogger
	Metrics    *metrics.Metrics
	Logger     *logging.Logger
}

// Service executes transactions. It is safe for concurrent use.
type Service struct {
	cfg        *config.Config
	store      *contract.Store
	guard      *guard.Guard
	binder     *binder.Binder
	engine     *dispatch.Engine
	cache      *cache.ResponseCache
	compressor envelope.Compressor
	audit      *logging.AuditLogger
	metrics    *metrics.Metrics
	log        *logging.Logger

	// Now is the clock used for timestamps.
	Now func() time.Time
}

// New creates a Service.
func New(opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	compressor := opts.Compressor
	if compressor == nil {
		compressor = envelope.NewFlateBase64()
	}
	return &Service{
		cfg:        opts.Config,
		store:      opts.Store,
		guard:      guard.New(opts.Store, opts.Config, opts.Decryptor, log),
		binder:     binder.New(),
		engine:     dispatch.NewEngine(opts.Sender, opts.Store, opts.Config, log),
		cache:      opts.Cache,
		compressor: compressor,
		audit:      opts.Audit,
		metrics:    opts.Metrics,
		log:        log,
		Now:        time.Now,
	}
}

// Cache returns the response cache, or nil when caching is off.
func (s *Service) Cache() *cache.ResponseCache {
	return s.cache
}

// Store returns the contract store.
func (s *Service) Store() *contract.Store {
	return s.store
}

// execution holds the state of one transaction.
type execution struct {
	start    time.Time
	kind     envelope.MediaKind
	req      *envelope.Request
	resp     *envelope.Response
	contract *contract.BusinessContract
	svc      *contract.TransactionInfo
	claims   *guard.Claims
	label    string
}

// Execute runs one transaction. It never returns nil and never panics.
func (s *Service) Execute(ctx context.Context, contentType string, body []byte) (result *Result) {
	x := &execution{
		start: s.Now(),
		resp:  envelope.NewFailureResponse(s.cfg.SystemCode, s.cfg.HostName),
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.WithContext(ctx).WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("transaction panicked")
			result = s.fail(ctx, x, gwerrors.Internal("unexpected error", fmt.Errorf("%v", r)))
		}
	}()

	req, kind, err := envelope.DecodeRequest(contentType, body)
	x.kind = kind
	if req != nil {
		x.req = req
		envelope.CopyHeader(req, x.resp)
	}
	if err != nil {
		return s.fail(ctx, x, err)
	}

	ctx = logging.WithGlobalID(ctx, req.SH.GlobalID)
	if req.TH.OperatorID != "" {
		ctx = logging.WithUserID(ctx, req.TH.OperatorID)
	}
	x.label = strings.Join([]string{req.TH.ProgramID, req.TH.BusinessID, req.TH.TransactionCode, req.TH.FunctionCode}, "|")

	err = envelope.Normalize(req, s.compressor)
	// Normalize fills header defaults such as DAT_FMT.
	envelope.CopyHeader(req, x.resp)
	if err != nil {
		return s.fail(ctx, x, err)
	}
	if err := s.checkRequest(ctx, x); err != nil {
		return s.fail(ctx, x, err)
	}

	key, eligible, err := s.cacheKey(x)
	if err != nil {
		return s.fail(ctx, x, err)
	}
	if !eligible {
		return s.process(ctx, x)
	}

	var filled *Result
	entry, hit, err := s.cache.Do(key, func() ([]byte, string, bool, error) {
		filled = s.process(ctx, x)
		stored := filled.Status == http.StatusOK && x.resp.Acknowledge == envelope.AckSuccess &&
			!x.svc.ReturnType.Raw()
		return filled.Body, filled.ContentType, stored, nil
	})
	if err != nil {
		return s.fail(ctx, x, err)
	}
	if hit {
		s.log.WithContext(ctx).WithField("key", key).Debug("response served from cache")
		s.record(x, "cache_hit")
	}
	if filled != nil {
		return filled
	}
	if entry == nil {
		// The shared fill was not stored; its envelope carries another
		// caller's headers.
		return s.process(ctx, x)
	}
	return &Result{Status: http.StatusOK, ContentType: entry.ContentType, Body: entry.Payload}
}

// checkRequest runs the guard stages.
func (s *Service) checkRequest(ctx context.Context, x *execution) error {
	if err := s.guard.ValidateProtocol(x.req); err != nil {
		return err
	}
	if err := s.guard.DecryptSegments(ctx, x.req); err != nil {
		return err
	}

	c, svc, err := s.guard.Resolve(x.req)
	if err != nil {
		return err
	}
	x.contract, x.svc = c, svc

	if err := s.guard.CheckScreenAccess(x.req, c, svc); err != nil {
		return err
	}
	if s.auditing(x) {
		s.audit.Record(x.label, x.req.SH.GlobalID, "request", x.req)
	}

	claims, err := s.guard.Authorize(ctx, x.req, c, svc)
	if err != nil {
		return err
	}
	x.claims = claims
	return nil
}

// cacheKey reports whether the request is served through the response cache.
func (s *Service) cacheKey(x *execution) (string, bool, error) {
	cc := s.cfg.CodeCache
	th := x.req.TH
	if s.cache == nil || !cc.Enabled || th.TransactionCode != cc.TransactionCode || th.ScreenID == cc.ExcludedScreen {
		return "", false, nil
	}
	if len(x.req.DAT.Inputs) == 0 {
		return "", false, gwerrors.ContractMismatch(fmt.Sprintf("'%s' cached transaction requires an input group", x.label))
	}
	key := strings.Join([]string{
		th.ProgramID, th.BusinessID, th.FunctionCode,
		x.kind.ContentType(), th.DataFormat, th.CryptoType,
		cache.KeyFromGroup(x.req.DAT.Inputs[0]),
	}, "|")
	return key, true, nil
}

// process binds, dispatches and encodes one resolved transaction.
func (s *Service) process(ctx context.Context, x *execution) *Result {
	req, svc := x.req, x.svc

	if err := svc.ApplyAdHoc(req.DTI); err != nil {
		return s.fail(ctx, x, gwerrors.ContractMismatch(fmt.Sprintf("'%s' %s", x.label, err.Error())))
	}

	var additional map[string]json.RawMessage
	if x.claims != nil {
		additional = x.claims.Additional
	}
	now := s.Now()
	bound, err := s.binder.Bind(binder.Input{
		Contract:  x.contract,
		Service:   svc,
		Envelope:  req,
		RequestID: s.cfg.SystemCode + s.cfg.HostName + req.SH.Environment + req.TH.ScreenID + envelope.Timestamp(now),
		Claims:    additional,
	})
	if err != nil {
		return s.fail(ctx, x, err)
	}

	outcome, err := s.engine.Dispatch(ctx, dispatch.Call{
		Envelope: req,
		Contract: x.contract,
		Service:  svc,
		Request:  bound,
	})
	if err != nil {
		return s.fail(ctx, x, err)
	}

	if outcome.Raw != nil {
		if s.auditing(x) {
			s.audit.Record(x.label, req.SH.GlobalID, "response", string(outcome.Raw.Body))
		}
		s.record(x, "success")
		return &Result{Status: http.StatusOK, ContentType: outcome.Raw.ContentType, Body: outcome.Raw.Body}
	}

	resp := x.resp
	resp.DAT.OutputMapID = req.DAT.InputMapID
	resp.DAT.Outputs = outcome.Outputs
	if resp.DAT.Outputs == nil {
		resp.DAT.Outputs = []envelope.ResultOutput{}
	}
	resp.MDO.Additional = outcome.Diagnostics
	if resp.MDO.Additional == nil {
		resp.MDO.Additional = []envelope.AdditionalMessage{}
	}
	envelope.MarkSuccess(resp, s.cfg.SystemCode, s.cfg.HostName, string(svc.ReturnType), s.Now())

	if err := shaper.Reencode(resp, outcome.Meta, req.TH.DataFormat, req.TH.Compressed(), s.compressor); err != nil {
		return s.fail(ctx, x, gwerrors.Internal("response could not be re-encoded", err))
	}
	if s.auditing(x) {
		s.audit.Record(x.label, req.SH.GlobalID, "response", resp)
	}

	data, ct, err := envelope.EncodeResponse(x.kind, resp)
	if err != nil {
		return s.fail(ctx, x, gwerrors.Internal("response could not be encoded", err))
	}
	s.record(x, "success")
	return &Result{Status: http.StatusOK, ContentType: ct, Body: data}
}

// fail turns err into the failure envelope.
func (s *Service) fail(ctx context.Context, x *execution, err error) *Result {
	se := gwerrors.GetServiceError(err)
	if se == nil {
		se = gwerrors.Internal("unexpected error", err)
	}

	entry := s.log.WithContext(ctx).WithError(err).WithFields(logrus.Fields{
		"transaction": x.label,
		"category":    se.Category,
		"code":        se.Code,
	})
	if se.Category == gwerrors.CategoryUnexpected {
		entry.Error("transaction failed")
	} else {
		entry.Warn("transaction rejected")
	}

	resp := x.resp
	resp.Acknowledge = envelope.AckFailure
	resp.ExceptionText = se.Message
	if s.cfg.ExceptionDetailText && se.Err != nil {
		resp.ExceptionText = se.Error()
	}
	resp.MDO.ResultCode = envelope.ResultError
	resp.MDO.MessageCode = envelope.MessageCodeFailure
	resp.MDO.MessageText = envelope.MessageTextFailure
	resp.DAT.Outputs = []envelope.ResultOutput{}
	resp.SH.MessageSystemCode = envelope.MessageSystemGateway
	if x.contract != nil {
		resp.SH.MessageSystemCode = envelope.MessageSystemContract
	}
	now := s.Now()
	resp.SH.ResultCode = "N"
	resp.SH.ResponseAt = envelope.Timestamp(now)
	resp.ResponseID = envelope.ResponseID(s.cfg.SystemCode, s.cfg.HostName, resp.SH.Environment, now)

	if x.req != nil && s.auditing(x) {
		s.audit.Record(x.label, resp.SH.GlobalID, "response", resp)
	}
	s.record(x, string(se.Category))

	status := http.StatusOK
	if se.Code == gwerrors.CodeUnsupportedMedia {
		status = se.HTTPStatus
	}
	data, ct, encErr := envelope.EncodeResponse(x.kind, resp)
	if encErr != nil {
		s.log.WithContext(ctx).WithError(encErr).Error("failure response could not be encoded")
		return &Result{
			Status:      http.StatusInternalServerError,
			ContentType: "application/json",
			Body:        []byte(`{"Acknowledge":0,"ExceptionText":"response could not be encoded"}`),
		}
	}
	return &Result{Status: status, ContentType: ct, Body: data}
}

func (s *Service) auditing(x *execution) bool {
	if s.audit == nil {
		return false
	}
	return s.cfg.TransactionLogging || (x.svc != nil && x.svc.TransactionLog)
}

func (s *Service) record(x *execution, outcome string) {
	if s.metrics == nil {
		return
	}
	kind := ""
	if x.svc != nil {
		kind = string(x.svc.TransactionType)
	}
	s.metrics.RecordTransaction(kind, outcome, s.Now().Sub(x.start))
}
