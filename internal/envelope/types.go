// Package envelope decodes and encodes the gateway's client wire envelope.
package envelope

import "encoding/json"

// Acknowledge is the envelope level outcome flag.
type Acknowledge int

const (
	AckFailure Acknowledge = 0
	AckSuccess Acknowledge = 1
)

// Request is the inbound transaction envelope.
type Request struct {
	AccessToken string                   `json:"AccessTokenID"`
	Action      string                   `json:"Action"`
	ClientTag   string                   `json:"ClientTag"`
	Environment string                   `json:"Environment"`
	RequestID   string                   `json:"RequestID"`
	Version     string                   `json:"Version"`
	LoadOptions map[string]string        `json:"LoadOptions,omitempty"`
	SH          *SessionHeader           `json:"SH"`
	TH          *TransactionHeader       `json:"TH"`
	TCI         []map[string]interface{} `json:"TCI"`
	DAT         *RequestData             `json:"DAT"`
	// DTI is the optional "inputTypes|outputTypes" descriptor.
	DTI string `json:"DTI,omitempty"`
}

// SessionHeader carries correlation and client identification.
type SessionHeader struct {
	GlobalID           string `json:"GLBL_ID"`
	GlobalSequence     string `json:"GLBL_ID_PRG_SRNO"`
	ClientIP           string `json:"CLNT_IPAD"`
	ClientMAC          string `json:"CLNT_MAC"`
	Environment        string `json:"ENV_INF_DSCD"`
	FirstSystemCode    string `json:"FST_TMS_SYS_CD"`
	FirstRequestAt     string `json:"FST_TLM_REQ_DTM"`
	Language           string `json:"LANG_DSCD"`
	SystemCode         string `json:"TMS_SYS_CD"`
	SystemNodeID       string `json:"TMS_SYS_NODE_ID"`
	MediaKind          string `json:"MD_KDCD"`
	InterfaceID        string `json:"INTF_ID"`
	RequestAt          string `json:"TLM_REQ_DTM"`
	ResponseSystemCode string `json:"RSP_SYS_CD"`
	ResponseAt         string `json:"TLM_RSP_DTM"`
	ResultCode         string `json:"RSP_RST_DSCD"`
	MessageSystemCode  string `json:"MSG_OCC_SYS_CD"`
	Encryption         string `json:"TLM_ENCY_DSCD"`
}

// SegmentEncrypted reports whether the payload fields are encrypted.
func (h *SessionHeader) SegmentEncrypted() bool {
	return h != nil && h.Encryption == "Y"
}

// TransactionHeader identifies the transaction being executed.
type TransactionHeader struct {
	Branch          string `json:"TRM_BRNO"`
	OperatorID      string `json:"OPR_NO"`
	Sequence        string `json:"RLPE_SQCN"`
	ScreenID        string `json:"TRN_SCRN_CD"`
	ProgramID       string `json:"PGM_ID"`
	BusinessID      string `json:"BIZ_ID"`
	TransactionCode string `json:"TRN_CD"`
	FunctionCode    string `json:"FUNC_CD"`
	DataFormat      string `json:"DAT_FMT"`
	BulkData        string `json:"LQTY_DAT_PRC_DIS"`
	SimulationType  string `json:"SMLT_TRN_DSCD"`
	ExternalType    string `json:"EXNK_DSCD"`
	MaskExempt      string `json:"MSK_NTGT_TRN_YN"`
	CryptoType      string `json:"CRYPTO_DSCD"`
	CommandType     string `json:"CMD_TYPE"`
}

// Compressed reports whether payload strings are compressed.
func (h *TransactionHeader) Compressed() bool {
	return h != nil && h.CryptoType == "C"
}

// Data formats carried in TH.DAT_FMT.
const (
	FormatJSON    = "J"
	FormatTabular = "T"
)

// RequestData is the payload section.
type RequestData struct {
	InputMapID  string           `json:"REQ_TX_MAP_ID"`
	InputCounts []int            `json:"REQ_INPUT_CNT"`
	InputData   []string         `json:"REQ_INPUTDATA"`
	Inputs      [][]RequestInput `json:"REQ_INPUT"`
}

// RequestInput is one raw field of an input group.
type RequestInput struct {
	FieldID string      `json:"REQ_FIELD_ID"`
	Value   interface{} `json:"REQ_FIELD_DAT"`
}

// Response is the outbound envelope.
type Response struct {
	Acknowledge   Acknowledge              `json:"Acknowledge"`
	ExceptionText string                   `json:"ExceptionText"`
	CorrelationID string                   `json:"CorrelationID"`
	ResponseID    string                   `json:"ResponseID"`
	SH            SessionHeader            `json:"SH"`
	TH            TransactionHeader        `json:"TH"`
	MDO           MessageOutput            `json:"MDO"`
	TMO           ScreenOutput             `json:"TMO"`
	TCO           []map[string]interface{} `json:"TCO"`
	DAT           ResponseData             `json:"DAT"`
}

// MessageOutput carries the result code, message and diagnostics.
type MessageOutput struct {
	ResultCode  string              `json:"TRN_RET_DSCD"`
	MessageCode string              `json:"MSG_CD"`
	MessageText string              `json:"MAIN_MSG_TXT"`
	Additional  []AdditionalMessage `json:"ADI_MSG"`
}

// AdditionalMessage is one diagnostic returned next to the result.
type AdditionalMessage struct {
	Code string `json:"ADI_MSG_CD"`
	Text string `json:"ADI_MSG_TXT"`
}

// ScreenOutput names the screen that renders the response.
type ScreenOutput struct {
	OutputScreen string `json:"OUP_SCRN_DSCD"`
}

// ResponseData is the result section.
type ResponseData struct {
	OutputMapID string         `json:"RES_TX_MAP_ID"`
	Outputs     []ResultOutput `json:"RES_OUTPUT"`
}

// ResultOutput is one output group. Data holds a json.RawMessage for JSON
// results or a string for tabular or compressed results.
type ResultOutput struct {
	FieldID string      `json:"RES_FIELD_ID"`
	Data    interface{} `json:"RES_DAT"`
}

// RawJSON returns Data as raw JSON when it holds one.
func (o ResultOutput) RawJSON() (json.RawMessage, bool) {
	switch v := o.Data.(type) {
	case json.RawMessage:
		return v, true
	case []byte:
		return json.RawMessage(v), true
	}
	return nil, false
}
