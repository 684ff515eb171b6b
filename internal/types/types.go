// Package types defines the closed request/response/trigger capability set
// shared by every handler, independent of how that handler is hosted.
package types

import (
	"encoding/json"
	"net/http"
)

// TriggerType labels how a given invocation was initiated; mirrored onto the
// synthesized request's X-Trigger-Type header.
type TriggerType string

const (
	TriggerHTTP     TriggerType = "http"
	TriggerSchedule TriggerType = "schedule"
	TriggerDatabase TriggerType = "database"
	TriggerEvent    TriggerType = "event"
	TriggerOnce     TriggerType = "once"
	TriggerWebhook  TriggerType = "webhook"
)

// Trigger is the marker interface implemented by every trigger descriptor
// variant a function record may declare.
type Trigger interface {
	triggerKind() TriggerType
}

// HTTPTrigger makes a function reachable at GET/POST/.../{name}.
type HTTPTrigger struct {
	// Methods defaults to {GET,POST,PUT,DELETE,PATCH} when empty.
	Methods []string
}

func (HTTPTrigger) triggerKind() TriggerType { return TriggerHTTP }

// DefaultHTTPMethods is the method set assumed when an HTTPTrigger declares none.
var DefaultHTTPMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch}

// ScheduleTrigger fires on a restricted 5-field cron expression (§4.4): each
// field is either "*" or a literal integer, no ranges/lists/steps.
type ScheduleTrigger struct {
	Cron string
	Name string
}

func (ScheduleTrigger) triggerKind() TriggerType { return TriggerSchedule }

// DatabaseTrigger binds a function to Postgres row changes on Table,
// delivered over Channel (defaulting to "<table>_changes").
type DatabaseTrigger struct {
	Table      string
	Operations []string // subset of INSERT/UPDATE/DELETE; empty means all
	Channel    string
}

func (DatabaseTrigger) triggerKind() TriggerType { return TriggerDatabase }

// EventTrigger binds a function to the in-process event bus.
type EventTrigger struct {
	Event string
}

func (EventTrigger) triggerKind() TriggerType { return TriggerEvent }

// OnceTrigger marks a function as eligible for bootstrap invocation.
// Condition is informational only; the runtime does not evaluate it.
type OnceTrigger struct {
	Condition string
}

func (OnceTrigger) triggerKind() TriggerType { return TriggerOnce }

// WebhookTrigger makes a function reachable via POST /webhook/{name}.
type WebhookTrigger struct {
	Method string
}

func (WebhookTrigger) triggerKind() TriggerType { return TriggerWebhook }

// Request is the closed capability set synthesized for every invocation,
// regardless of trigger origin.
type Request struct {
	Method      string
	URL         string
	Header      http.Header
	TriggerType TriggerType
	body        []byte
}

// NewRequest builds a Request with an initialized header multimap.
func NewRequest(method, url string, triggerType TriggerType) *Request {
	return &Request{Method: method, URL: url, Header: make(http.Header), TriggerType: triggerType}
}

// SetBody attaches the raw request body bytes.
func (r *Request) SetBody(b []byte) { r.body = b }

// Bytes returns the raw body.
func (r *Request) Bytes() []byte { return r.body }

// Text returns the body decoded as UTF-8 text.
func (r *Request) Text() string { return string(r.body) }

// JSON unmarshals the body into v. An empty body is treated as "null" input
// and leaves v unmodified, matching permissive handler expectations.
func (r *Request) JSON(v any) error {
	if len(r.body) == 0 {
		return nil
	}
	return json.Unmarshal(r.body, v)
}

// Response is the response-like shape a handler may return for an HTTP
// trigger; forwarded verbatim rather than re-encoded (§4.3).
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSONResponse builds a Response with a JSON-encoded body.
func JSONResponse(status int, v any) (*Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &Response{StatusCode: status, Header: h, Body: b}, nil
}

// Context is handed to every handler invocation alongside the Request.
type Context struct {
	// Env is the function's env map, possibly overridden per-invocation
	// (webhook executions override with the delivered env_vars).
	Env map[string]string
	// CallBackend issues an HTTP call to the Backend control plane using the
	// shared API key, forwarding execution/delivery ids where available.
	CallBackend CallBackendFunc
	ExecutionID string
	DeliveryID  string
	// Logger captures process-wide-looking log output into this execution's
	// buffer while still forwarding to the real sink (§4.3, §5). Replaces
	// the source's process-wide console hijack (§9).
	Logger Logger
}

// Logger is the capturing-writer interface handed to every invocation.
type Logger interface {
	Printf(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// CallBackendFunc is the signature of the context.callBackend helper (§4.8).
type CallBackendFunc func(path string, opts CallOptions) (*http.Response, error)

// CallOptions customizes a single callBackend invocation.
type CallOptions struct {
	Method  string
	Body    any
	Headers http.Header
}

// Metadata is what a handler file/plugin exports about itself, independent
// of the handler body.
type Metadata struct {
	Description string
	Triggers    []Trigger
	RunOnce     bool
}

// Handler is the plug-in interface every loaded function implements,
// replacing the source runtime's dynamic-import-of-a-script model (§9).
type Handler interface {
	Describe() Metadata
	Call(ctx *Context, req *Request) (any, error)
}
