package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/R3E-Network/transaction_gateway/internal/config"
	"github.com/R3E-Network/transaction_gateway/internal/contract"
	"github.com/R3E-Network/transaction_gateway/internal/envelope"
	gwerrors "github.com/R3E-Network/transaction_gateway/internal/errors"
	"github.com/R3E-Network/transaction_gateway/internal/httputil"
	"github.com/R3E-Network/transaction_gateway/internal/logging"
	"github.com/R3E-Network/transaction_gateway/internal/metrics"
)

const (
	maxReplyBytes = 64 << 20
	maxErrorBytes = 64 << 10
)

// Sender sends one backend request. *Client implements it; the dispatch
// engine depends on this interface.
type Sender interface {
	Send(ctx context.Context, target Target, req *Request) (*Reply, error)
}

// Client posts requests to routed backends. It never retries.
type Client struct {
	httpClient *http.Client
	routes     RouteTable
	format     config.MessageDataType
	timeout    time.Duration
	metrics    *metrics.Metrics
	log        *logging.Logger
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Routes     map[string]string
	Format     config.MessageDataType
	Timeout    time.Duration
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Logger     *logging.Logger
}

// NewClient creates a backend client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	format := cfg.Format
	if format == "" {
		format = config.MessageJSON
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Client{
		httpClient: httpClient,
		routes:     NewRouteTable(cfg.Routes),
		format:     format,
		timeout:    timeout,
		metrics:    cfg.Metrics,
		log:        log,
	}
}

// Send posts req to the backend of target and decodes the reply according to
// req.ReturnType. A negative acknowledge is returned as an error carrying the
// backend's exception text.
func (c *Client) Send(ctx context.Context, target Target, req *Request) (*Reply, error) {
	url, err := c.routes.URL(target)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, contentType, err := Encode(c.format, req)
	if err != nil {
		return nil, gwerrors.Internal("failed to encode backend request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, gwerrors.Downstream("failed to create backend request", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	if traceID := logging.GetTraceID(ctx); traceID != "" {
		httpReq.Header.Set("X-Trace-ID", traceID)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.observe(target, "error", start)
		return nil, gwerrors.Downstream("backend request failed", err)
	}
	defer resp.Body.Close()
	c.observe(target, fmt.Sprintf("%d", resp.StatusCode), start)

	c.log.WithContext(ctx).WithField("url", url).WithField("status", resp.StatusCode).
		WithField("duration", time.Since(start)).Debug("backend call completed")

	if resp.StatusCode != http.StatusOK {
		data, truncated, _ := httputil.ReadAllWithLimit(resp.Body, maxErrorBytes)
		msg := strings.TrimSpace(string(data))
		if truncated {
			msg += "...(truncated)"
		}
		return nil, gwerrors.Downstream(fmt.Sprintf("backend transport error: status %d", resp.StatusCode),
			fmt.Errorf("%s", msg))
	}

	data, err := httputil.ReadAllStrict(resp.Body, maxReplyBytes)
	if err != nil {
		return nil, gwerrors.Downstream("failed to read backend reply", err)
	}

	switch req.ReturnType {
	case contract.ReturnDataSet:
		return &Reply{Acknowledge: envelope.AckSuccess, ResultObject: data}, nil
	case contract.ReturnXml:
		return &Reply{Acknowledge: envelope.AckSuccess, ResultObject: string(data)}, nil
	}

	reply, err := DecodeReply(resp.Header.Get("Content-Type"), data)
	if err != nil {
		return nil, gwerrors.Downstream("malformed backend reply", err)
	}
	if reply.Acknowledge != envelope.AckSuccess {
		text := reply.ExceptionText
		if text == "" {
			text = fmt.Sprintf("GlobalID: %s transaction check required", req.GlobalID)
		}
		return nil, gwerrors.DownstreamRejected(text)
	}
	return reply, nil
}

func (c *Client) observe(target Target, status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordDownstream(string(target.Kind), status, time.Since(start))
}

// Encode serializes req in the configured wire format.
func Encode(format config.MessageDataType, req *Request) ([]byte, string, error) {
	if format == config.MessageMsgpack {
		data, err := envelope.MarshalMsgpack(req)
		return data, ContentTypeStream, err
	}
	data, err := json.Marshal(req)
	return data, ContentTypeJSON, err
}

// wireReply mirrors Reply with a loosely typed ResultJson for binary replies.
type wireReply struct {
	Acknowledge   int
	ExceptionText string
	ResultMeta    []string
	ResultJson    interface{}
	ResultObject  interface{}
	ResultInteger int64
}

// DecodeReply decodes a backend reply by its content type. ResultJson is
// normalized to JSON text whether the backend sent it as a value or as an
// encoded string.
func DecodeReply(contentType string, data []byte) (*Reply, error) {
	if strings.Contains(contentType, ContentTypeStream) || strings.Contains(contentType, "msgpack") {
		var w wireReply
		if err := envelope.UnmarshalMsgpack(data, &w); err != nil {
			return nil, err
		}
		reply := &Reply{
			Acknowledge:   envelope.Acknowledge(w.Acknowledge),
			ExceptionText: w.ExceptionText,
			ResultMeta:    w.ResultMeta,
			ResultObject:  w.ResultObject,
			ResultInteger: w.ResultInteger,
		}
		switch v := w.ResultJson.(type) {
		case nil:
		case string:
			reply.ResultJson = json.RawMessage(v)
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("ResultJson: %w", err)
			}
			reply.ResultJson = raw
		}
		return reply, nil
	}

	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, err
	}
	if raw := bytes.TrimSpace(reply.ResultJson); len(raw) > 0 && raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("ResultJson: %w", err)
		}
		reply.ResultJson = json.RawMessage(text)
	}
	if string(bytes.TrimSpace(reply.ResultJson)) == "null" {
		reply.ResultJson = nil
	}
	return &reply, nil
}
