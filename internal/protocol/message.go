// Package protocol implements the line-delimited JSON Stratum V1 wire format:
// request/response/notification encoding and the constructors the proxy uses
// to build outbound messages in both directions.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Request is a Stratum message carrying a method call, from either a miner
// or an upstream pool. ID may be a JSON number or string, so it is kept raw
// and re-emitted verbatim on responses.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params []interface{}   `json:"params"`
}

// Response is a reply to a Request, correlated by ID.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result interface{}     `json:"result"`
	Error  interface{}     `json:"error"`
}

// Notification is a method call with no ID, requiring no reply.
type Notification struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// ParseRequest parses one line of input into a Request. An empty method is
// rejected since every Stratum line is either a call or a response, and a
// response is parsed separately by the caller once it knows there is no
// method field.
func ParseRequest(line string) (*Request, error) {
	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return nil, fmt.Errorf("parse stratum request: %w", err)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("parse stratum request: method field is required")
	}
	return &req, nil
}

// ParseResponse parses one line of input into a Response.
func ParseResponse(line string) (*Response, error) {
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return nil, fmt.Errorf("parse stratum response: %w", err)
	}
	return &resp, nil
}

// LooksLikeResponse reports whether a raw line decodes as a message with an
// id but no method — the wire-level distinction between a call and a reply.
func LooksLikeResponse(line string) bool {
	var probe struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal([]byte(line), &probe); err != nil {
		return false
	}
	return probe.Method == "" && len(probe.ID) > 0
}

// ToJSON marshals r as a single Stratum line.
func (r *Response) ToJSON() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal stratum response: %w", err)
	}
	return string(data), nil
}

// ToJSON marshals r as a single Stratum line.
func (r *Request) ToJSON() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal stratum request: %w", err)
	}
	return string(data), nil
}

// ToJSON marshals n as a single Stratum line.
func (n *Notification) ToJSON() (string, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("marshal stratum notification: %w", err)
	}
	return string(data), nil
}

// RawID wraps a plain int id into json.RawMessage, for building requests the
// proxy originates itself (configure/subscribe/authorize to the upstream).
func RawID(id int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf("%d", id))
}

// NewRequest builds an outbound method call carrying id.
func NewRequest(id int, method string, params []interface{}) *Request {
	return &Request{ID: RawID(id), Method: method, Params: params}
}

// NewResult builds a success response echoing the caller's raw id.
func NewResult(id json.RawMessage, result interface{}) *Response {
	return &Response{ID: id, Result: result, Error: nil}
}

// NewError builds a Stratum error response. code/message/traceback follow the
// conventional three-element Stratum error array.
func NewError(id json.RawMessage, code int, message string) *Response {
	return &Response{
		ID:     id,
		Result: nil,
		Error:  []interface{}{code, message, nil},
	}
}

// Stratum error codes used by the proxy itself (as opposed to codes relayed
// verbatim from the upstream pool).
const (
	ErrCodeInvalidStateMessage = 20
)

// NewInvalidStateError builds the "message not legal for current state"
// error the spec requires when an id-bearing request arrives out of turn.
func NewInvalidStateError(id json.RawMessage) *Response {
	return NewError(id, ErrCodeInvalidStateMessage, "Invalid message for current state")
}

// NewNotification builds an outbound notification (no response expected).
func NewNotification(method string, params []interface{}) *Notification {
	return &Notification{Method: method, Params: params}
}

// NewSetDifficulty builds a mining.set_difficulty notification.
func NewSetDifficulty(difficulty float64) *Notification {
	return NewNotification("mining.set_difficulty", []interface{}{difficulty})
}
