package daemon

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	cierrors "github.com/Aman-CERP/cardindex/internal/errors"
	"github.com/Aman-CERP/cardindex/internal/pipeline"
	"github.com/Aman-CERP/cardindex/internal/store"
)

// JSON-RPC 2.0 method names.
const (
	MethodPing      = "ping"
	MethodStatus    = "status"
	MethodEnqueue   = "enqueue"
	MethodRetryList = "retry.list"
	MethodRetryDel  = "retry.delete"
	MethodRetryRun  = "retry.run"
	MethodDeadList  = "dead.list"
	MethodDeadDel   = "dead.delete"
	MethodExpireRun = "expire.run"
	MethodSearch    = "search"
	MethodCardGet   = "card.get"
)

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Custom error codes for daemon-specific errors.
const (
	ErrCodeShuttingDown = -32001
	ErrCodeNotFound     = -32002
	ErrCodeFailed       = -32003
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      string `json:"id"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
	ID      string `json:"id"`
}

// Error represents a JSON-RPC 2.0 error. Data carries the cardindex
// error code when there is one.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// Error implements error.
func (e *Error) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Data)
	}
	return e.Message
}

// NewSuccessResponse creates a successful response.
func NewSuccessResponse(id string, result any) Response {
	return Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id string, code int, message string) Response {
	return Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
		},
		ID: id,
	}
}

// errorResponse maps err to an RPC error, keeping the cardindex code.
func errorResponse(id string, err error) Response {
	resp := NewErrorResponse(id, rpcCode(err), err.Error())
	var ie *cierrors.IndexError
	if errors.As(err, &ie) {
		resp.Error.Message = ie.Message
		resp.Error.Data = ie.Code
	}
	return resp
}

func rpcCode(err error) int {
	switch cierrors.GetCode(err) {
	case cierrors.ErrCodeShuttingDown:
		return ErrCodeShuttingDown
	case cierrors.ErrCodeCardNotFound:
		return ErrCodeNotFound
	case "":
		return ErrCodeInternalError
	}
	if cierrors.GetCategory(err) == cierrors.CategoryValidation {
		return ErrCodeInvalidParams
	}
	return ErrCodeFailed
}

// decodeParams converts the loosely typed params of a request into v.
func decodeParams(params any, v any) error {
	if params == nil {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// EnqueueParams are the parameters for the enqueue method.
type EnqueueParams struct {
	ParticipantID  string `json:"participant_id"`
	Action         string `json:"action"`
	OwnerID        string `json:"owner_id,omitempty"`
	RequestingHost string `json:"requesting_host,omitempty"`
}

// Validate checks that required fields are present.
func (p *EnqueueParams) Validate() error {
	if p.ParticipantID == "" {
		return cierrors.New(cierrors.ErrCodeInvalidParticipant, "participant_id is required", nil)
	}
	if p.Action == "" {
		p.Action = string(pipeline.ActionCreateOrUpdate)
	}
	_, err := pipeline.ParseActionType(p.Action)
	return err
}

// EnqueueResult reports whether the change was queued.
type EnqueueResult struct {
	Result        pipeline.EnqueueResult `json:"result"`
	ParticipantID string                 `json:"participant_id"`
	Action        pipeline.ActionType    `json:"action"`
}

// IdentityParams name one retry or dead list entry.
type IdentityParams struct {
	ParticipantID string `json:"participant_id"`
	Action        string `json:"action"`
}

// Identity validates the params and returns the pipeline identity.
func (p IdentityParams) Identity() (pipeline.Identity, error) {
	if p.ParticipantID == "" {
		return pipeline.Identity{}, cierrors.New(cierrors.ErrCodeInvalidParticipant, "participant_id is required", nil)
	}
	action, err := pipeline.ParseActionType(p.Action)
	if err != nil {
		return pipeline.Identity{}, err
	}
	return pipeline.Identity{ParticipantID: p.ParticipantID, Action: action}, nil
}

// DeleteResult reports whether an entry was removed.
type DeleteResult struct {
	Deleted bool `json:"deleted"`
}

// ExpireResult lists entries moved to the dead list.
type ExpireResult struct {
	Expired []pipeline.DeadEntry `json:"expired"`
}

// SearchParams are the parameters for the search method.
type SearchParams struct {
	// Query is the search query (required).
	Query string `json:"query"`

	// Limit is the maximum number of results (default: 10).
	Limit int `json:"limit,omitempty"`
}

// Validate checks that required fields are present.
func (p *SearchParams) Validate() error {
	if p.Query == "" {
		return cierrors.New(cierrors.ErrCodeInvalidQuery, "query is required", nil)
	}
	// Correct non-positive limit to default
	if p.Limit <= 0 {
		p.Limit = 10
	}
	return nil
}

// CardParams name one indexed participant.
type CardParams struct {
	ParticipantID string `json:"participant_id"`
}

// CardResult is an indexed document.
type CardResult = store.Document

// StatusResult contains daemon status information.
type StatusResult struct {
	Running   bool           `json:"running"`
	PID       int            `json:"pid"`
	Uptime    string         `json:"uptime"`
	DataDir   string         `json:"data_dir,omitempty"`
	Documents int            `json:"documents"`
	Circuit   string         `json:"circuit,omitempty"`
	Pipeline  pipeline.Stats `json:"pipeline"`
}

// PingResult is the response to a ping request.
type PingResult struct {
	Pong bool `json:"pong"`
}
