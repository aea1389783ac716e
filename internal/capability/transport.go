// Package capability manages capability-server subprocesses: a line-delimited
// JSON-RPC 2.0 transport over stdio, and a Manager that serializes startup
// per server, tracks lifecycle states, and holds faulted servers in a
// cool-down before any retry.
package capability

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
	"toolforge/internal/logging"
)

// protocolVersion is the handshake version sent in initialize.
const protocolVersion = "2024-11-05"

// maxLineBytes bounds one JSON-RPC line from the server.
const maxLineBytes = 4 * 1024 * 1024

// ToolSchema is one tool advertised by a capability server.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Conn is the caller-facing surface of a live server connection. Transport
// implements it; the manager hands it to the runtime.
type Conn interface {
	CallTool(ctx context.Context, name string, args map[string]interface{}) (json.RawMessage, error)
	ListTools(ctx context.Context) ([]ToolSchema, error)
	Ping(ctx context.Context) error
	Alive() bool
	Close() error
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Transport is a stdio JSON-RPC 2.0 connection to one capability-server
// subprocess. Requests and responses are newline-delimited JSON; responses
// are routed to waiters by id.
type Transport struct {
	mu sync.RWMutex

	binding forge.ServerBinding
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser

	connected bool
	pending   map[int]chan *rpcResponse
	nextID    int

	wg sync.WaitGroup
}

// NewTransport creates a transport for the binding. Connect starts the
// process.
func NewTransport(binding forge.ServerBinding) *Transport {
	return &Transport{
		binding: binding,
		pending: make(map[int]chan *rpcResponse),
		nextID:  1,
	}
}

// Connect starts the subprocess, wires the reader loops, and performs the
// initialize handshake. The context bounds the whole startup.
func (t *Transport) Connect(ctx context.Context) error {
	const op = "capability.Connect"

	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	if t.binding.Command == "" {
		t.mu.Unlock()
		return fault.New(fault.InvalidInput, op, "server binding has no command")
	}

	cmd := exec.Command(t.binding.Command, t.binding.Args...)
	if len(t.binding.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range t.binding.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	var err error
	if t.stdin, err = cmd.StdinPipe(); err != nil {
		t.mu.Unlock()
		return fault.Wrap(fault.ServerUnavailable, op, err)
	}
	if t.stdout, err = cmd.StdoutPipe(); err != nil {
		t.mu.Unlock()
		return fault.Wrap(fault.ServerUnavailable, op, err)
	}
	if t.stderr, err = cmd.StderrPipe(); err != nil {
		t.mu.Unlock()
		return fault.Wrap(fault.ServerUnavailable, op, err)
	}
	if err := cmd.Start(); err != nil {
		t.mu.Unlock()
		return fault.New(fault.ServerUnavailable, op, "start %s: %v", t.binding.Command, err)
	}

	t.cmd = cmd
	t.connected = true
	t.wg.Add(2)
	go t.readStderr()
	go t.readStdout()
	t.mu.Unlock()

	if err := t.initialize(ctx); err != nil {
		t.Close()
		return fault.New(fault.ServerUnavailable, op, "server %s never reached ready: %v", t.binding.Name, err)
	}
	logging.Capability("Server %s connected (pid=%d)", t.binding.Name, cmd.Process.Pid)
	return nil
}

// initialize performs the handshake and sends the initialized notification.
func (t *Transport) initialize(ctx context.Context) error {
	_, err := t.call(ctx, "initialize", map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo":      map[string]string{"name": "toolforge", "version": "1.0.0"},
	})
	if err != nil {
		return err
	}
	return t.notify("notifications/initialized", nil)
}

// readStderr drains the server's stderr into the capability log.
func (t *Transport) readStderr() {
	defer t.wg.Done()
	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		logging.CapabilityDebug("[%s stderr] %s", t.binding.Name, scanner.Text())
	}
}

// readStdout routes JSON-RPC responses to their waiting callers. Loop exit
// means the process closed its end; the transport is then dead.
func (t *Transport) readStdout() {
	defer t.wg.Done()

	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			logging.CapabilityDebug("Server %s wrote non-JSON-RPC output: %v", t.binding.Name, err)
			continue
		}
		if resp.ID == 0 {
			// Server-initiated notification; nothing waits on it.
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}

	t.mu.Lock()
	t.connected = false
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.mu.Unlock()
}

// call sends one request and waits for its response or the context.
func (t *Transport) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	const op = "capability.call"

	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, fault.New(fault.ServerUnavailable, op, "server %s is not connected", t.binding.Name)
	}
	id := t.nextID
	t.nextID++
	ch := make(chan *rpcResponse, 1)
	t.pending[id] = ch

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, fault.Wrap(fault.Internal, op, err)
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, fault.New(fault.ServerUnavailable, op, "write to server %s: %v", t.binding.Name, err)
	}
	t.mu.Unlock()

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, fault.New(fault.ServerUnavailable, op, "server %s closed the connection", t.binding.Name)
		}
		if resp.Error != nil {
			return nil, fault.New(fault.Internal, op, "server %s error %d: %s", t.binding.Name, resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, fault.FromContext(op, ctx.Err())
	}
}

// notify sends a one-way notification.
func (t *Transport) notify(method string, params interface{}) error {
	data, err := json.Marshal(rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stdin == nil {
		return fmt.Errorf("no stdin")
	}
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

// ListTools asks the server what it serves.
func (t *Transport) ListTools(ctx context.Context) ([]ToolSchema, error) {
	const op = "capability.ListTools"

	result, err := t.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Tools []ToolSchema `json:"tools"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fault.New(fault.Internal, op, "malformed tools/list response: %v", err)
	}
	return parsed.Tools, nil
}

// CallTool dispatches one tool invocation and returns the raw result.
func (t *Transport) CallTool(ctx context.Context, name string, args map[string]interface{}) (json.RawMessage, error) {
	return t.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
}

// Ping checks liveness over the protocol, not just the process table.
func (t *Transport) Ping(ctx context.Context) error {
	_, err := t.call(ctx, "ping", nil)
	return err
}

// Alive reports whether the reader loop still has a live process behind it.
func (t *Transport) Alive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Close kills the process and releases every waiter.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.cmd == nil {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	cmd := t.cmd
	t.cmd = nil
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		logging.Get(logging.CategoryCapability).Warn("Server %s reader loops did not drain in time", t.binding.Name)
	}

	_ = cmd.Wait()
	logging.CapabilityDebug("Server %s closed", t.binding.Name)
	return nil
}

var _ Conn = (*Transport)(nil)
