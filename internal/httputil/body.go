package httputil

import (
	"fmt"
	"io"
)

// ReadAllWithLimit reads at most limit bytes and reports whether more were
// available.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, bool, error) {
	if limit <= 0 {
		return nil, false, fmt.Errorf("invalid read limit %d", limit)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

// ReadAllStrict reads the whole body and fails when it exceeds limit.
func ReadAllStrict(r io.Reader, limit int64) ([]byte, error) {
	data, truncated, err := ReadAllWithLimit(r, limit)
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}
	return data, nil
}
