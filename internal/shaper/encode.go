package shaper

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/R3E-Network/transaction_gateway/internal/envelope"
)

// Reencode rewrites the output data of resp for the data format of the
// request. Tabular requests get each JSON result as a table prefixed with the
// matching entry of meta. Compressed requests get every payload string
// compressed. JSON requests without compression are left untouched.
func Reencode(resp *envelope.Response, meta []string, dataFormat string, compressed bool, c envelope.Compressor) error {
	tabular := dataFormat == envelope.FormatTabular
	if !tabular && !compressed {
		return nil
	}
	if compressed && c == nil {
		return fmt.Errorf("no compressor configured")
	}

	for i := range resp.DAT.Outputs {
		out := &resp.DAT.Outputs[i]

		text, err := payloadText(*out, tabular, metaAt(meta, i))
		if err != nil {
			return fmt.Errorf("output %d: %w", i, err)
		}
		if compressed {
			if text, err = c.Compress(text); err != nil {
				return fmt.Errorf("output %d: %w", i, err)
			}
		}
		out.Data = text
	}
	return nil
}

func payloadText(out envelope.ResultOutput, tabular bool, meta string) (string, error) {
	raw, ok := out.RawJSON()
	if !ok {
		if s, isString := out.Data.(string); isString {
			return s, nil
		}
		data, err := json.Marshal(out.Data)
		if err != nil {
			return "", err
		}
		raw = data
	}

	if tabular {
		if text, err := envelope.EncodeResult(meta, raw); err == nil {
			return text, nil
		}
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func metaAt(meta []string, i int) string {
	if i < len(meta) {
		return meta[i]
	}
	return ""
}
