package chat

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
)

// BufferOptions controls ToBuffer / ToBufferSync behavior.
type BufferOptions struct {
	// Platform names the adapter on whose behalf the conversion runs; it is
	// carried into validation errors.
	Platform string
	// IgnoreUnsupported makes unsupported inputs yield (nil, nil) instead of
	// a ValidationError.
	IgnoreUnsupported bool
}

// ToBuffer normalizes the supported byte-source kinds into a []byte:
// []byte passes through, *bytes.Buffer is copied, and io.Reader is drained.
// Any other kind is a ValidationError unless opts.IgnoreUnsupported is set.
func ToBuffer(input any, opts BufferOptions) ([]byte, error) {
	switch v := input.(type) {
	case []byte:
		return v, nil
	case *bytes.Buffer:
		out := make([]byte, v.Len())
		copy(out, v.Bytes())
		return out, nil
	case io.Reader:
		data, err := io.ReadAll(v)
		if err != nil {
			return nil, NewNetwork(opts.Platform, fmt.Errorf("read stream: %w", err))
		}
		return data, nil
	}
	return nil, unsupportedBuffer(input, opts)
}

// ToBufferSync is ToBuffer restricted to sources that need no blocking read:
// an io.Reader input is rejected even when it would be cheap to drain.
func ToBufferSync(input any, opts BufferOptions) ([]byte, error) {
	switch v := input.(type) {
	case []byte:
		return v, nil
	case *bytes.Buffer:
		out := make([]byte, v.Len())
		copy(out, v.Bytes())
		return out, nil
	case io.Reader:
		if opts.IgnoreUnsupported {
			return nil, nil
		}
		return nil, NewValidation(opts.Platform, "stream sources require ToBuffer")
	}
	return nil, unsupportedBuffer(input, opts)
}

func unsupportedBuffer(input any, opts BufferOptions) error {
	if opts.IgnoreUnsupported {
		return nil
	}
	return NewValidation(opts.Platform, fmt.Sprintf("unsupported buffer source %T", input))
}

// DataURI encodes data as a base64 data URI. An empty mime defaults to
// application/octet-stream; empty data yields an empty base64 body.
func DataURI(data []byte, mime string) string {
	if mime == "" {
		mime = "application/octet-stream"
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
}
