package envelope

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// Compressor applies the reversible string compression used for payload
// strings when TH.CRYPTO_DSCD is "C".
type Compressor interface {
	Compress(s string) (string, error)
	Decompress(s string) (string, error)
}

// FlateBase64 compresses with raw DEFLATE and encodes the result as standard base64.
type FlateBase64 struct {
	Level int
}

// NewFlateBase64 returns a compressor using the default level.
func NewFlateBase64() *FlateBase64 {
	return &FlateBase64{Level: flate.DefaultCompression}
}

func (c *FlateBase64) Compress(s string) (string, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, c.Level)
	if err != nil {
		return "", fmt.Errorf("flate writer: %w", err)
	}
	if _, err := io.WriteString(w, s); err != nil {
		return "", fmt.Errorf("compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("compress: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (c *FlateBase64) Decompress(s string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}
	r := flate.NewReader(bytes.NewReader(raw))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("decompress: %w", err)
	}
	return string(out), nil
}
