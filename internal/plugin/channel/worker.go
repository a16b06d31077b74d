package channel

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"

	"github.com/millwright-cad/millwright/internal/plugin/security"
	"github.com/millwright-cad/millwright/internal/rpc"
	"github.com/millwright-cad/millwright/internal/wire"
)

// DefaultQueueSize bounds a worker's inbound message queue.
const DefaultQueueSize = 256

// Worker runs a plugin inside an in-process sandboxed Lua state. A
// single pump goroutine owns the state; Send enqueues delivery onto it,
// so the LState is never touched concurrently.
//
// Plugin code talks to the host through the preloaded millwright
// module:
//
//	local mw = require("millwright")
//	mw.on_message(function(msg) ... end)
//	mw.send({id = ..., type = "response", result = mw.encode(v)})
//	mw.ready()
type Worker struct {
	pluginID string
	policy   *security.Policy
	codec    *wire.Codec

	L       *lua.LState
	sandbox *sandbox

	// luaHandler is the plugin's on_message callback. Pump goroutine
	// only.
	luaHandler *lua.LFunction

	jobs    chan workerJob
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	hmu     sync.Mutex
	handler func(rpc.Message)

	// Logf receives runtime warnings. Defaults to log.Printf.
	Logf func(format string, args ...any)
}

type workerJob struct {
	fn    func() error
	reply chan error
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithQueueSize sets the inbound queue capacity.
func WithQueueSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.jobs = make(chan workerJob, n)
		}
	}
}

// NewWorker creates a sandboxed worker for the plugin. The state opens
// only the safe standard libraries; everything else is gated by the
// policy.
func NewWorker(pluginID string, policy *security.Policy, codec *wire.Codec, opts ...WorkerOption) *Worker {
	w := &Worker{
		pluginID: pluginID,
		policy:   policy,
		codec:    codec,
		jobs:     make(chan workerJob, DefaultQueueSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		Logf:     log.Printf,
	}
	for _, opt := range opts {
		opt(w)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenPackage(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	w.L = L
	w.sandbox = newSandbox(L, policy)
	w.sandbox.install()

	L.PreloadModule("millwright", w.loadHostModule)

	go w.run()
	return w
}

// loadHostModule builds the millwright Lua module.
func (w *Worker) loadHostModule(L *lua.LState) int {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"send":       w.luaSend,
		"ready":      w.luaReady,
		"on_message": w.luaOnMessage,
		"encode":     w.luaEncode,
		"decode":     w.luaDecode,
		"log":        w.luaLog,
	})
	L.SetField(mod, "plugin_id", lua.LString(w.pluginID))
	L.Push(mod)
	return 1
}

func (w *Worker) luaSend(L *lua.LState) int {
	tbl := L.CheckTable(1)
	msg := w.messageFromLua(tbl)
	w.emit(msg)
	return 0
}

func (w *Worker) luaReady(L *lua.LState) int {
	w.emit(rpc.Message{
		ID:       uuid.NewString(),
		PluginID: w.pluginID,
		Type:     rpc.TypeEvent,
		Method:   rpc.MethodReady,
	})
	return 0
}

func (w *Worker) luaOnMessage(L *lua.LState) int {
	fn := L.CheckFunction(1)
	w.luaHandler = fn
	return 0
}

func (w *Worker) luaEncode(L *lua.LState) int {
	value := toGoValue(L.Get(1))
	encoded, err := w.codec.Serialize(value)
	if err != nil {
		L.RaiseError("encode: %s", err.Error())
		return 0
	}
	L.Push(lua.LString(encoded))
	return 1
}

func (w *Worker) luaDecode(L *lua.LState) int {
	encoded := L.CheckString(1)
	value, err := w.codec.Deserialize(encoded)
	if err != nil {
		L.RaiseError("decode: %s", err.Error())
		return 0
	}
	L.Push(toLuaValue(L, value))
	return 1
}

func (w *Worker) luaLog(L *lua.LState) int {
	w.Logf("plugin %q: %s", w.pluginID, L.CheckString(1))
	return 0
}

// emit hands a plugin message to the host-side handler.
func (w *Worker) emit(msg rpc.Message) {
	// The channel, not the plugin, is the identity authority.
	msg.PluginID = w.pluginID

	w.hmu.Lock()
	handler := w.handler
	w.hmu.Unlock()

	if handler == nil {
		w.Logf("channel: dropping message from plugin %q: no handler", w.pluginID)
		return
	}
	handler(msg)
}

// LoadFile executes the plugin entry script on the pump goroutine.
func (w *Worker) LoadFile(path string) error {
	return w.submit(func() error { return w.L.DoFile(path) })
}

// LoadString executes plugin source on the pump goroutine.
func (w *Worker) LoadString(code string) error {
	return w.submit(func() error { return w.L.DoString(code) })
}

// submit runs fn on the pump goroutine and waits for its result.
func (w *Worker) submit(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case <-w.done:
		return ErrChannelClosed
	case w.jobs <- workerJob{fn: fn, reply: reply}:
	}
	select {
	case <-w.done:
		return ErrChannelClosed
	case err := <-reply:
		return err
	}
}

// Send queues a host message for delivery into the plugin's on_message
// callback. Non-blocking: a full queue is an error, not a stall.
func (w *Worker) Send(msg rpc.Message) error {
	select {
	case <-w.done:
		return ErrChannelClosed
	default:
	}

	job := workerJob{fn: func() error { return w.deliver(msg) }}
	select {
	case w.jobs <- job:
		return nil
	default:
		return fmt.Errorf("%w: plugin %q", ErrQueueFull, w.pluginID)
	}
}

// deliver invokes the plugin's registered callback with the message.
func (w *Worker) deliver(msg rpc.Message) error {
	if w.luaHandler == nil {
		w.Logf("channel: plugin %q has no on_message handler, dropping %s", w.pluginID, msg.ID)
		return nil
	}
	w.L.Push(w.luaHandler)
	w.L.Push(w.messageToLua(msg))
	return w.L.PCall(1, 0, nil)
}

// OnMessage registers the host-side handler for plugin messages.
func (w *Worker) OnMessage(handler func(rpc.Message)) {
	w.hmu.Lock()
	defer w.hmu.Unlock()
	w.handler = handler
}

// Close stops the pump and releases the Lua state. Waits for the pump
// to finish its current job.
func (w *Worker) Close() error {
	w.once.Do(func() { close(w.done) })
	<-w.stopped
	return nil
}

func (w *Worker) run() {
	defer close(w.stopped)
	defer w.L.Close()

	for {
		select {
		case <-w.done:
			return
		case job := <-w.jobs:
			err := w.runJob(job.fn)
			if job.reply != nil {
				job.reply <- err
			} else if err != nil {
				w.Logf("channel: plugin %q handler error: %v", w.pluginID, err)
			}
		}
	}
}

func (w *Worker) runJob(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("lua panic: %v", rec)
		}
	}()
	return fn()
}

// messageToLua maps a host message onto the table shape plugin code
// sees. Params and results stay in their encoded string form; plugin
// code decodes them with millwright.decode.
func (w *Worker) messageToLua(msg rpc.Message) *lua.LTable {
	t := w.L.NewTable()
	t.RawSetString("id", lua.LString(msg.ID))
	t.RawSetString("type", lua.LString(string(msg.Type)))
	if msg.Method != "" {
		t.RawSetString("method", lua.LString(msg.Method))
	}
	if msg.Params != nil {
		t.RawSetString("params", toLuaValue(w.L, msg.Params))
	}
	if msg.Result != nil {
		t.RawSetString("result", toLuaValue(w.L, msg.Result))
	}
	if msg.Error != nil {
		et := w.L.NewTable()
		et.RawSetString("code", lua.LNumber(msg.Error.Code))
		et.RawSetString("message", lua.LString(msg.Error.Message))
		t.RawSetString("error", et)
	}
	return t
}

// messageFromLua rebuilds a message from the plugin's table.
func (w *Worker) messageFromLua(t *lua.LTable) rpc.Message {
	msg := rpc.Message{
		ID:     lua.LVAsString(t.RawGetString("id")),
		Type:   rpc.MessageType(lua.LVAsString(t.RawGetString("type"))),
		Method: lua.LVAsString(t.RawGetString("method")),
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if params := t.RawGetString("params"); params != lua.LNil {
		msg.Params = toGoValue(params)
	}
	if result := t.RawGetString("result"); result != lua.LNil {
		msg.Result = toGoValue(result)
	}
	if et, ok := t.RawGetString("error").(*lua.LTable); ok {
		msg.Error = &rpc.Error{
			Code:    int(lua.LVAsNumber(et.RawGetString("code"))),
			Message: lua.LVAsString(et.RawGetString("message")),
		}
	}
	return msg
}
