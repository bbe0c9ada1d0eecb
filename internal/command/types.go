package command

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"
)

// Verb is the operation a request asks for on a resource
type Verb string

const (
	VerbGet  Verb = "GET"
	VerbExec Verb = "EXEC"
	VerbDel  Verb = "DEL"
)

// ParseVerb maps a topic token onto a Verb
func ParseVerb(s string) (Verb, error) {
	switch v := Verb(strings.ToUpper(strings.TrimSpace(s))); v {
	case VerbGet, VerbExec, VerbDel:
		return v, nil
	default:
		return "", fmt.Errorf("unknown verb %q", s)
	}
}

// Code is the status carried by every response
type Code int

const (
	CodeOK         Code = 200
	CodeBadRequest Code = 400
	CodeNotFound   Code = 404
	CodeError      Code = 500
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeBadRequest:
		return "BAD_REQUEST"
	case CodeNotFound:
		return "NOT_FOUND"
	case CodeError:
		return "INTERNAL_ERROR"
	default:
		return fmt.Sprintf("CODE_%d", int(c))
	}
}

// Request is a parsed inbound command. It is built once per message and not
// modified afterwards.
type Request struct {
	ID                string
	Verb              Verb
	Resources         []string
	RequesterClientID string
	Metrics           map[string]any
}

// Resource returns the first path segment, or "" when the path is empty
func (r *Request) Resource() string {
	if len(r.Resources) == 0 {
		return ""
	}
	return r.Resources[0]
}

// Args returns the path segments following the resource
func (r *Request) Args() []string {
	if len(r.Resources) < 2 {
		return nil
	}
	return r.Resources[1:]
}

// Metric returns a named request parameter
func (r *Request) Metric(key string) (any, bool) {
	if r.Metrics == nil {
		return nil, false
	}
	v, ok := r.Metrics[key]
	return v, ok
}

// Response is the synchronous reply to a Request
type Response struct {
	Code             Code
	Timestamp        time.Time
	Metrics          map[string]any
	Body             []byte
	ExceptionMessage string
	ExceptionStack   string
}

// NewResponse creates an empty response with the given code
func NewResponse(code Code) *Response {
	return &Response{
		Code:      code,
		Timestamp: time.Now().UTC(),
		Metrics:   make(map[string]any),
	}
}

// OK creates a successful response with an optional body
func OK(body string) *Response {
	resp := NewResponse(CodeOK)
	resp.SetBody(body)
	return resp
}

// Fail creates a response with the given code and message. A non-nil err is
// recorded as the exception.
func Fail(code Code, msg string, err error) *Response {
	resp := NewResponse(code)
	resp.SetBody(msg)
	if err != nil {
		resp.SetException(err)
	}
	return resp
}

// AddMetric sets a named metric and returns the response for chaining
func (r *Response) AddMetric(key string, value any) *Response {
	if r.Metrics == nil {
		r.Metrics = make(map[string]any)
	}
	r.Metrics[key] = value
	return r
}

// SetBody replaces the body with a text message
func (r *Response) SetBody(body string) {
	if body == "" {
		r.Body = nil
		return
	}
	r.Body = []byte(body)
}

// SetException records err and the current goroutine stack
func (r *Response) SetException(err error) {
	if err == nil {
		return
	}
	r.ExceptionMessage = err.Error()
	r.ExceptionStack = string(debug.Stack())
}

// SplitResources turns a resource path such as "modules/start/3" into its
// segments. Both '/' and '.' separate segments and empty segments are dropped.
func SplitResources(path string) []string {
	fields := strings.FieldsFunc(path, func(r rune) bool {
		return r == '/' || r == '.'
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}
