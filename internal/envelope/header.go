package envelope

import (
	"strings"
	"time"
)

// Result and message codes of the response envelope.
const (
	ResultNormal = "NRM"
	ResultError  = "ERM"

	MessageCodeSuccess = "T200"
	MessageCodeFailure = "Q00000T400"
	MessageTextSuccess = "transaction completed"
	MessageTextFailure = "transaction failed"

	// MessageSystemGateway marks failures raised before contract resolution.
	MessageSystemGateway = "S01"
	// MessageSystemContract marks failures raised after contract resolution.
	MessageSystemContract = "S02"

	// DiagnosticParseFailure replaces an unreadable diagnostics block.
	DiagnosticParseFailure = "E001"
)

// Timestamp formats t as yyyyMMddHHmmssSSS.
func Timestamp(t time.Time) string {
	return strings.Replace(t.Format("20060102150405.000"), ".", "", 1)
}

// ResponseID builds the response correlation id.
func ResponseID(systemCode, hostName, env string, now time.Time) string {
	return systemCode + hostName + env + Timestamp(now)
}

// NewFailureResponse returns the default failure envelope stamped with the
// gateway identity.
func NewFailureResponse(systemCode, hostName string) *Response {
	return &Response{
		Acknowledge: AckFailure,
		SH: SessionHeader{
			FirstSystemCode:   systemCode,
			SystemCode:        systemCode,
			SystemNodeID:      hostName,
			ResultCode:        "N",
			MessageSystemCode: MessageSystemGateway,
		},
		MDO: MessageOutput{
			ResultCode:  ResultError,
			MessageCode: MessageCodeFailure,
			MessageText: MessageTextFailure,
			Additional:  []AdditionalMessage{},
		},
		TCO: []map[string]interface{}{},
		DAT: ResponseData{Outputs: []ResultOutput{}},
	}
}

// CopyHeader copies the correlation headers of req into resp.
func CopyHeader(req *Request, resp *Response) {
	if req == nil {
		return
	}
	if req.SH != nil {
		resp.SH = *req.SH
	}
	if req.TH != nil {
		resp.TH = *req.TH
	}
	resp.CorrelationID = req.RequestID
}

// MarkSuccess stamps resp as a completed transaction.
func MarkSuccess(resp *Response, systemCode, hostName, returnType string, now time.Time) {
	resp.Acknowledge = AckSuccess
	resp.ExceptionText = ""
	resp.MDO.ResultCode = ResultNormal
	resp.MDO.MessageCode = MessageCodeSuccess
	resp.MDO.MessageText = MessageTextSuccess
	resp.TMO.OutputScreen = resp.TH.ScreenID
	resp.SH.ResultCode = "Y"
	resp.SH.ResponseAt = Timestamp(now)
	resp.TH.SimulationType = returnType
	resp.ResponseID = ResponseID(systemCode, hostName, resp.SH.Environment, now)
}
