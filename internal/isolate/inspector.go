package isolate

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/isolates/internal/shared/vmerr"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/transfer"
)

var (
	// ErrInspectorDisabled is returned when a session is requested from an
	// isolate created without an inspector.
	ErrInspectorDisabled = errors.New("inspector is not enabled for this isolate")
	// ErrSessionClosed is returned by Dispatch on a closed session.
	ErrSessionClosed = errors.New("inspector session is closed")
)

const (
	sessionBuffer      = 64
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeParseError     = -32700
)

// InspectorAgent relays inspector protocol messages for one isolate.
type InspectorAgent struct {
	env *Environment

	mu       sync.Mutex
	sessions map[string]*InspectorSession
	closed   bool
}

// InspectorSession is one connected inspector client. Requests go in through
// Dispatch; responses and events come out of Messages.
type InspectorSession struct {
	id      string
	agent   *InspectorAgent
	out     chan []byte
	enabled atomic.Bool

	mu     sync.Mutex
	closed bool
}

type inspectorRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params struct {
		Expression string `json:"expression"`
	} `json:"params"`
}

type inspectorError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type inspectorResponse struct {
	ID     int64           `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *inspectorError `json:"error,omitempty"`
}

type inspectorEvent struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type remoteObject struct {
	Type        string `json:"type"`
	Subtype     string `json:"subtype,omitempty"`
	Value       any    `json:"value,omitempty"`
	Description string `json:"description,omitempty"`
}

// EnableInspector attaches an inspector agent. Calling it again returns the
// existing agent.
func (e *Environment) EnableInspector() *InspectorAgent {
	e.inspectorMu.Lock()
	defer e.inspectorMu.Unlock()
	if e.inspector == nil {
		e.inspector = &InspectorAgent{env: e, sessions: make(map[string]*InspectorSession)}
	}
	return e.inspector
}

// Inspector returns the agent, or nil if none was enabled.
func (e *Environment) Inspector() *InspectorAgent {
	e.inspectorMu.Lock()
	defer e.inspectorMu.Unlock()
	return e.inspector
}

// GetInspectorSession opens a new session on the isolate's agent.
func (e *Environment) GetInspectorSession() (*InspectorSession, error) {
	if e.scheduler.Halted() {
		return nil, vmerr.ErrReferenceInvalid
	}
	agent := e.Inspector()
	if agent == nil {
		return nil, ErrInspectorDisabled
	}
	return agent.connect()
}

func (e *Environment) closeInspector() {
	if agent := e.Inspector(); agent != nil {
		agent.close()
	}
}

func (e *Environment) broadcastConsole(method string, args []string) {
	agent := e.Inspector()
	if agent == nil {
		return
	}
	values := make([]remoteObject, len(args))
	for i, arg := range args {
		values[i] = remoteObject{Type: "string", Value: arg}
	}
	agent.broadcast(inspectorEvent{
		Method: "Runtime.consoleAPICalled",
		Params: map[string]any{"type": method, "args": values},
	})
}

func (a *InspectorAgent) connect() (*InspectorSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, vmerr.ErrReferenceInvalid
	}
	s := &InspectorSession{
		id:    uuid.NewString(),
		agent: a,
		out:   make(chan []byte, sessionBuffer),
	}
	a.sessions[s.id] = s
	a.env.metrics.IncInspectorSessions()
	a.env.logger.Debug("inspector session opened", zap.String("session", s.id))
	return s, nil
}

// Sessions returns the number of open sessions.
func (a *InspectorAgent) Sessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

func (a *InspectorAgent) detach(s *InspectorSession) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sessions[s.id]; ok {
		delete(a.sessions, s.id)
		a.env.metrics.DecInspectorSessions()
	}
}

func (a *InspectorAgent) broadcast(ev inspectorEvent) {
	a.mu.Lock()
	sessions := make([]*InspectorSession, 0, len(a.sessions))
	for _, s := range a.sessions {
		if s.enabled.Load() {
			sessions = append(sessions, s)
		}
	}
	a.mu.Unlock()

	for _, s := range sessions {
		s.send(ev)
	}
}

func (a *InspectorAgent) close() {
	a.mu.Lock()
	a.closed = true
	sessions := make([]*InspectorSession, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// ID returns the session id.
func (s *InspectorSession) ID() string { return s.id }

// Messages delivers responses and events. It is closed with the session.
func (s *InspectorSession) Messages() <-chan []byte { return s.out }

// Dispatch queues one protocol message for the isolate. The message is
// handled at the isolate's next safe point.
func (s *InspectorSession) Dispatch(msg []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	var req inspectorRequest
	if err := sonic.Unmarshal(msg, &req); err != nil {
		s.send(inspectorResponse{Error: &inspectorError{Code: codeParseError, Message: err.Error()}})
		return nil
	}
	return s.agent.env.scheduler.PushInterrupt(RunnableFunc(func(x *Executor) {
		s.send(s.handle(x, req))
	}))
}

// Close detaches the session and closes its message channel.
func (s *InspectorSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.out)
	s.mu.Unlock()

	s.agent.detach(s)
	s.agent.env.logger.Debug("inspector session closed", zap.String("session", s.id))
}

func (s *InspectorSession) send(msg any) {
	data, err := sonic.Marshal(msg)
	if err != nil {
		s.agent.env.logger.Warn("encode inspector message", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- data:
	default:
		s.agent.env.logger.Warn("inspector session is not reading, message dropped", zap.String("session", s.id))
	}
}

func (s *InspectorSession) handle(x *Executor, req inspectorRequest) inspectorResponse {
	resp := inspectorResponse{ID: req.ID}
	switch req.Method {
	case "Runtime.enable":
		s.enabled.Store(true)
		resp.Result = struct{}{}
	case "Runtime.disable":
		s.enabled.Store(false)
		resp.Result = struct{}{}
	case "Runtime.getHeapUsage":
		stats := x.env.HeapStatistics()
		resp.Result = map[string]int64{"usedSize": stats.UsedHeapSize, "totalSize": stats.TotalHeapSize}
	case "Runtime.evaluate":
		if req.Params.Expression == "" {
			resp.Error = &inspectorError{Code: codeInvalidParams, Message: "expression is required"}
			break
		}
		resp.Result = evaluate(x, req.Params.Expression)
	default:
		resp.Error = &inspectorError{
			Code:    codeMethodNotFound,
			Message: fmt.Sprintf("'%s' wasn't found", req.Method),
		}
	}
	return resp
}

func evaluate(x *Executor, expression string) map[string]any {
	script, err := Compile("<inspector>", expression)
	if err == nil {
		var v goja.Value
		if v, err = x.RunScript(script, RunOptions{}); err == nil {
			return map[string]any{"result": describe(x, v)}
		}
	}
	return map[string]any{
		"result":           remoteObject{Type: "object", Subtype: "error", Description: err.Error()},
		"exceptionDetails": map[string]any{"text": err.Error()},
	}
}

// describe renders v the way the protocol's RemoteObject does, with the
// value inlined when it can be copied out.
func describe(x *Executor, v goja.Value) remoteObject {
	obj := remoteObject{Type: transfer.TypeOf(v)}
	if v != nil && goja.IsNull(v) {
		obj.Subtype = "null"
	}
	if c, err := transfer.Copy(x, v, transfer.Options{}); err == nil {
		if exported, err := transfer.Export(c); err == nil {
			obj.Value = exported
		}
	}
	if v != nil && !goja.IsUndefined(v) {
		obj.Description = v.String()
	}
	return obj
}
