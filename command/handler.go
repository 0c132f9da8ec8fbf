package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eddielth/nodecore/logger"
	"github.com/eddielth/nodecore/metrics"
	"github.com/eddielth/nodecore/transport"
)

var log = logger.Tag("command")

// HandlerFunc executes one command. A synchronous handler returns a
// terminal Result (or an error). A two-phase handler returns Accept(...)
// and later calls done.Finish from wherever the work completes.
type HandlerFunc func(ctx context.Context, cmd *Command, done *Completion) (Result, error)

// SafeModeChecker answers whether commands must be refused.
type SafeModeChecker interface {
	InSafeMode() bool
}

// TopicFunc maps a channel to its command_response topic.
type TopicFunc func(channel string) string

// Options tunes the handler.
type Options struct {
	DedupSize   int
	DedupTTL    time.Duration
	QueueSize   int
	LockTimeout time.Duration
}

// DefaultOptions matches the node defaults.
func DefaultOptions() Options {
	return Options{DedupSize: 20, DedupTTL: 60 * time.Second, QueueSize: 64, LockTimeout: time.Second}
}

type outbound struct {
	name    string
	channel string
	resp    Response
}

// Handler is the command dispatcher.
type Handler struct {
	opts     Options
	tr       transport.Transport
	topic    TopicFunc
	state    SafeModeChecker
	metrics  *metrics.Metrics
	dedup    *dedupCache
	now      func() time.Time

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	schemas  map[string]*ParamSchema

	flightMu sync.Mutex
	inFlight map[*Completion]struct{}

	out      chan outbound
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHandler creates a dispatcher publishing through tr.
func NewHandler(opts Options, tr transport.Transport, topic TopicFunc, state SafeModeChecker, m *metrics.Metrics) *Handler {
	def := DefaultOptions()
	if opts.DedupSize <= 0 {
		opts.DedupSize = def.DedupSize
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = def.DedupTTL
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	return &Handler{
		opts:     opts,
		tr:       tr,
		topic:    topic,
		state:    state,
		metrics:  m,
		dedup:    newDedupCache(opts.DedupSize, opts.DedupTTL, opts.LockTimeout),
		now:      time.Now,
		handlers: make(map[string]HandlerFunc),
		schemas:  make(map[string]*ParamSchema),
		inFlight: make(map[*Completion]struct{}),
		out:      make(chan outbound, opts.QueueSize),
		stop:     make(chan struct{}),
	}
}

// Register binds a command name. Registering twice replaces the handler.
func (h *Handler) Register(name string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.handlers[name]; exists {
		log.Warn("handler for %s replaced", name)
	}
	h.handlers[name] = fn
	delete(h.schemas, name)
}

// RegisterWithSchema binds a command whose params are checked against
// schema before fn runs.
func (h *Handler) RegisterWithSchema(name string, schema *ParamSchema, fn HandlerFunc) {
	h.Register(name, fn)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.schemas[name] = schema
}

// Registered lists command names, sorted.
func (h *Handler) Registered() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.handlers))
	for n := range h.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Start launches the responder, the single goroutine that publishes
// command responses.
func (h *Handler) Start() {
	h.wg.Add(1)
	go h.respondLoop()
}

// Stop drains nothing: queued responses are dropped, since commands are
// not durable across restarts.
func (h *Handler) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	h.wg.Wait()
}

func (h *Handler) respondLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.stop:
			return
		case o := <-h.out:
			h.publish(o)
		}
	}
}

func (h *Handler) publish(o outbound) {
	payload, err := json.Marshal(o.resp)
	if err != nil {
		log.Error("encode response for %s: %v", o.resp.CmdID, err)
		return
	}
	if err := h.tr.Publish(h.topic(o.channel), payload, transport.AtLeastOnce, false); err != nil {
		log.Warn("response %s/%s for %s not published: %v", o.name, o.resp.Status, o.resp.CmdID, err)
		return
	}
	log.Debug("%s %s -> %s", o.name, o.resp.CmdID, o.resp.Status)
}

func (h *Handler) respond(name, channel, cmdID string, r Result) {
	o := outbound{
		name:    name,
		channel: channel,
		resp: Response{
			CmdID:        cmdID,
			Status:       r.Status,
			ErrorCode:    r.ErrorCode,
			ErrorMessage: r.ErrorMessage,
			Data:         r.Data,
			TS:           h.now().Unix(),
		},
	}
	h.metrics.CommandProcessed(name, string(r.Status))
	select {
	case h.out <- o:
	case <-h.stop:
	}
}

func (h *Handler) track(c *Completion) {
	h.flightMu.Lock()
	defer h.flightMu.Unlock()
	h.inFlight[c] = struct{}{}
}

func (h *Handler) untrack(c *Completion) {
	h.flightMu.Lock()
	defer h.flightMu.Unlock()
	delete(h.inFlight, c)
}

// InFlight returns the number of accepted commands awaiting completion.
func (h *Handler) InFlight() int {
	h.flightMu.Lock()
	defer h.flightMu.Unlock()
	return len(h.inFlight)
}

// Process handles one raw message received on a channel's command topic.
// Malformed messages are dropped: without a cmd_id there is nothing to
// answer.
func (h *Handler) Process(ctx context.Context, channel string, payload []byte) {
	cmd, ok := decode(payload)
	if !ok {
		log.Warn("dropping malformed command on %s", channel)
		return
	}
	cmd.Channel = channel
	cmd.Received = h.now()

	dup, err := h.dedup.Seen(cmd.ID)
	if err != nil {
		log.Warn("dedup cache unavailable (%v), processing %s unchecked", err, cmd.ID)
	}
	if dup {
		log.Info("duplicate %s %s ignored", cmd.Name, cmd.ID)
		h.respond(cmd.Name, channel, cmd.ID, Result{
			Status: NoEffect, ErrorCode: CodeDuplicate, ErrorMessage: "command already processed",
		})
		return
	}

	if h.state != nil && h.state.InSafeMode() && cmd.Name != ExitSafeMode {
		h.respond(cmd.Name, channel, cmd.ID, Result{
			Status: Error, ErrorCode: CodeSafeMode, ErrorMessage: "node is in safe mode",
		})
		return
	}

	h.mu.RLock()
	fn, ok := h.handlers[cmd.Name]
	schema := h.schemas[cmd.Name]
	h.mu.RUnlock()
	if !ok {
		h.respond(cmd.Name, channel, cmd.ID, Result{
			Status: Error, ErrorCode: CodeUnknownCommand, ErrorMessage: fmt.Sprintf("unknown command %q", cmd.Name),
		})
		return
	}

	if err := schema.Check(cmd.Params); err != nil {
		h.respond(cmd.Name, channel, cmd.ID, FromError(err))
		return
	}

	done := &Completion{h: h, name: cmd.Name, channel: channel, cmdID: cmd.ID}
	h.track(done)

	res := h.invoke(ctx, fn, cmd, done)
	h.respond(cmd.Name, channel, cmd.ID, res)

	if res.Status == Accepted {
		done.arm()
		return
	}
	done.void()
	h.untrack(done)
}

func (h *Handler) invoke(ctx context.Context, fn HandlerFunc, cmd *Command, done *Completion) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("handler %s panicked: %v", cmd.Name, p)
			res = Fail(CodeInternal, fmt.Sprint(p), nil)
		}
	}()

	res, err := fn(ctx, cmd, done)
	if err != nil {
		if res.Status == "" || res.Status == Done {
			failed := FromError(err)
			if res.Data != nil && failed.Data == nil {
				failed.Data = res.Data
			}
			return failed
		}
		return res
	}
	if res.Status == "" {
		res.Status = Done
	}
	return res
}

func decode(payload []byte) (*Command, bool) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, false
	}

	var name, id string
	if err := json.Unmarshal(msg["cmd"], &name); err != nil || name == "" {
		return nil, false
	}
	if err := json.Unmarshal(msg["cmd_id"], &id); err != nil || id == "" {
		return nil, false
	}

	cmd := &Command{Name: name, ID: id}
	if p, ok := msg["params"]; ok && isObject(p) {
		cmd.Params = p
		return cmd, true
	}

	// Legacy form: parameters at top level.
	delete(msg, "cmd")
	delete(msg, "cmd_id")
	delete(msg, "params")
	if len(msg) > 0 {
		legacy, err := json.Marshal(msg)
		if err != nil {
			return nil, false
		}
		cmd.Params = legacy
	}
	return cmd, true
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
