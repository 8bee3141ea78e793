package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/ugorji/go/codec"

	gwerrors "github.com/R3E-Network/transaction_gateway/internal/errors"
)

// Content type markers of the client envelope.
const (
	MediaTypePlain  = "gateway/plain-transact"
	MediaTypeJSON   = "gateway/json-transact"
	MediaTypeStream = "gateway/stream-transact"
)

// MediaKind is the transport form of an envelope.
type MediaKind int

const (
	MediaJSON MediaKind = iota
	MediaPlain
	MediaStream
)

// ContentType returns the response content type for k.
func (k MediaKind) ContentType() string {
	if k == MediaStream {
		return MediaTypeStream
	}
	return "application/json"
}

// DetectMediaKind maps a Content-Type header to a MediaKind. An empty header
// is treated as JSON; any other unknown value is rejected.
func DetectMediaKind(contentType string) (MediaKind, error) {
	switch {
	case contentType == "":
		return MediaJSON, nil
	case strings.Contains(contentType, MediaTypeStream):
		return MediaStream, nil
	case strings.Contains(contentType, MediaTypeJSON):
		return MediaJSON, nil
	case strings.Contains(contentType, MediaTypePlain):
		return MediaPlain, nil
	}
	return 0, gwerrors.UnsupportedMediaType(contentType)
}

// MsgpackHandle is shared by every binary encoder and decoder.
var MsgpackHandle = newMsgpackHandle()

func newMsgpackHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))
	h.RawToString = true
	h.WriteExt = true
	return h
}

// MarshalMsgpack encodes v with MsgpackHandle.
func MarshalMsgpack(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, MsgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalMsgpack decodes data into v with MsgpackHandle.
func UnmarshalMsgpack(data []byte, v interface{}) error {
	return codec.NewDecoderBytes(data, MsgpackHandle).Decode(v)
}

// DecodeRequest decodes body according to contentType.
func DecodeRequest(contentType string, body []byte) (*Request, MediaKind, error) {
	kind, err := DetectMediaKind(contentType)
	if err != nil {
		return nil, kind, err
	}

	var req Request
	switch kind {
	case MediaStream:
		err = UnmarshalMsgpack(body, &req)
	default:
		err = json.Unmarshal(body, &req)
	}
	if err != nil {
		return nil, kind, gwerrors.InvalidFormat("malformed transaction envelope", err)
	}
	if req.SH == nil || req.TH == nil || req.DAT == nil {
		return &req, kind, gwerrors.InvalidFormat("transaction envelope requires SH, TH and DAT sections", nil)
	}
	return &req, kind, nil
}

// EncodeResponse encodes resp in the wire form of kind.
func EncodeResponse(kind MediaKind, resp *Response) ([]byte, string, error) {
	if kind == MediaStream {
		data, err := MarshalMsgpack(materialize(resp))
		if err != nil {
			return nil, "", fmt.Errorf("encode response: %w", err)
		}
		return data, kind.ContentType(), nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, "", fmt.Errorf("encode response: %w", err)
	}
	return data, kind.ContentType(), nil
}

// materialize replaces raw JSON result payloads with decoded values so the
// binary encoder emits structures instead of byte strings.
func materialize(resp *Response) *Response {
	out := *resp
	out.DAT.Outputs = make([]ResultOutput, len(resp.DAT.Outputs))
	for i, o := range resp.DAT.Outputs {
		if raw, ok := o.RawJSON(); ok {
			var v interface{}
			if err := json.Unmarshal(raw, &v); err == nil {
				o.Data = v
			} else {
				o.Data = string(raw)
			}
		}
		out.DAT.Outputs[i] = o
	}
	return &out
}

// Normalize fills DAT.REQ_INPUT from the encoded per-group strings when the
// data format or compression flag requires it. An empty format means JSON.
func Normalize(req *Request, c Compressor) error {
	if req.TH.DataFormat == "" {
		req.TH.DataFormat = FormatJSON
	}

	switch req.TH.DataFormat {
	case FormatTabular:
		req.DAT.Inputs = make([][]RequestInput, 0, len(req.DAT.InputData))
		for i, data := range req.DAT.InputData {
			text, err := decompress(req.TH, c, data)
			if err != nil {
				return gwerrors.InvalidFormat(fmt.Sprintf("input group %d could not be decompressed", i), err)
			}
			inputs, err := DecodeInputs(text)
			if err != nil {
				return gwerrors.InvalidFormat(fmt.Sprintf("input group %d is not valid tabular data", i), err)
			}
			req.DAT.Inputs = append(req.DAT.Inputs, inputs)
		}
	case FormatJSON:
		if !req.TH.Compressed() {
			return nil
		}
		req.DAT.Inputs = make([][]RequestInput, 0, len(req.DAT.InputData))
		for i, data := range req.DAT.InputData {
			text, err := decompress(req.TH, c, data)
			if err != nil {
				return gwerrors.InvalidFormat(fmt.Sprintf("input group %d could not be decompressed", i), err)
			}
			var inputs []RequestInput
			if err := json.Unmarshal([]byte(text), &inputs); err != nil {
				return gwerrors.InvalidFormat(fmt.Sprintf("input group %d is not valid JSON", i), err)
			}
			req.DAT.Inputs = append(req.DAT.Inputs, inputs)
		}
	default:
		return gwerrors.InvalidFormat(fmt.Sprintf("data format '%s' is not supported", req.TH.DataFormat), nil)
	}
	return nil
}

func decompress(th *TransactionHeader, c Compressor, data string) (string, error) {
	if !th.Compressed() {
		return data, nil
	}
	if c == nil {
		return "", fmt.Errorf("no compressor configured")
	}
	return c.Decompress(data)
}
