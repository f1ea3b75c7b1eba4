// Package protocol implements the line-delimited JSON control envelopes
// carried by a transport connection. One request line yields exactly one
// response line with a matching id, including on failure.
package protocol

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/teranos/runnerd/errors"
)

// Error kind strings crossing the wire. Every response error carries one.
const (
	KindProtocol   = "ProtocolError"
	KindValidation = "ValidationError"
	KindNotFound   = "NotFound"
	KindConflict   = "Conflict"
	KindSpawn      = "SpawnError"
	KindStore      = "StoreError"
)

// Request is a control-plane method call
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers exactly one Request, matched by ID.
// Either Result or Error is set, never both.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// WireError is the classified failure form surfaced to callers
type WireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	return e.Kind + ": " + e.Message
}

// KindOf classifies an error into its wire kind. Unclassified faults never
// cross the boundary: anything unrecognized is reported as a store error.
func KindOf(err error) string {
	switch {
	case errors.Is(err, errors.ErrProtocol):
		return KindProtocol
	case errors.Is(err, errors.ErrValidation):
		return KindValidation
	case errors.Is(err, errors.ErrNotFound):
		return KindNotFound
	case errors.Is(err, errors.ErrConflict):
		return KindConflict
	case errors.Is(err, errors.ErrSpawn):
		return KindSpawn
	default:
		return KindStore
	}
}

// ErrorResponse builds the response for a failed request
func ErrorResponse(id string, err error) *Response {
	return &Response{
		ID: id,
		Error: &WireError{
			Kind:    KindOf(err),
			Message: err.Error(),
		},
	}
}

// ResultResponse builds the response for a successful request.
// result must marshal to JSON.
func ResultResponse(id string, result interface{}) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal result")
	}
	return &Response{ID: id, Result: raw}, nil
}

// EncodeRequest serializes a request as one newline-terminated line
func EncodeRequest(req *Request) ([]byte, error) {
	return encodeLine(req)
}

// EncodeResponse serializes a response as one newline-terminated line
func EncodeResponse(resp *Response) ([]byte, error) {
	return encodeLine(resp)
}

func encodeLine(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode envelope")
	}
	return append(data, '\n'), nil
}

// DecodeRequest parses a single request line. A structurally valid envelope
// missing its method is returned alongside the error so the caller can still
// answer with the request's id.
func DecodeRequest(line []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, errors.Wrapf(errors.ErrProtocol, "malformed request: %v", err)
	}
	if req.Method == "" {
		return &req, errors.Wrap(errors.ErrProtocol, "malformed request: missing method")
	}
	return &req, nil
}

// DecodeResponse parses a single response line
func DecodeResponse(line []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, errors.Wrapf(errors.ErrProtocol, "malformed response: %v", err)
	}
	return &resp, nil
}

// Reader frames newline-delimited envelopes off a byte stream, buffering
// partial reads until a full line arrives.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps a connection's read side
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadLine returns the next complete line without its trailing newline.
// io.EOF is returned verbatim so callers can distinguish a clean close.
func (fr *Reader) ReadLine() ([]byte, error) {
	line, err := fr.r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) == 0 {
			return nil, io.EOF
		}
		if err == io.EOF {
			// Partial line then EOF: treat as transport failure, the
			// envelope was truncated mid-write.
			return nil, errors.Wrap(errors.ErrProtocol, "truncated envelope at stream end")
		}
		return nil, err
	}
	return line[:len(line)-1], nil
}
