package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/kanri/internal/correlation"
	"github.com/ashita-ai/kanri/protocol"
)

// EvalFunc evaluates a broadcast script on this shard. The returned value is
// JSON-encoded into the reply; an error is sent as the error text.
type EvalFunc func(ctx context.Context, script string) (any, error)

// Config holds the settings needed to construct a Client.
type Config struct {
	// Reader and Writer carry the protocol. Default to os.Stdin and os.Stdout.
	Reader io.Reader
	Writer io.Writer

	// Eval answers eval requests. Without one, every eval is answered with
	// an error.
	Eval EvalFunc

	// Logger receives diagnostics. Defaults to a text handler on stderr,
	// since stdout belongs to the protocol.
	Logger *slog.Logger
}

// Env is what the supervisor tells a worker through its environment.
type Env struct {
	ShardID    int
	ShardCount int
	Session    string
}

// EnvFromOS reads KANRI_SHARD_ID, KANRI_SHARD_COUNT and KANRI_SESSION.
func EnvFromOS() (Env, error) {
	id, err := strconv.Atoi(os.Getenv("KANRI_SHARD_ID"))
	if err != nil {
		return Env{}, fmt.Errorf("worker: KANRI_SHARD_ID: %w", err)
	}
	count, err := strconv.Atoi(os.Getenv("KANRI_SHARD_COUNT"))
	if err != nil {
		return Env{}, fmt.Errorf("worker: KANRI_SHARD_COUNT: %w", err)
	}
	return Env{ShardID: id, ShardCount: count, Session: os.Getenv("KANRI_SESSION")}, nil
}

// Client speaks the supervisor protocol. All methods are safe for concurrent
// use; Serve must be running for requests to complete.
type Client struct {
	enc    *protocol.Encoder
	dec    *protocol.Decoder
	eval   EvalFunc
	logger *slog.Logger

	// Keyed by reply type and correlation ID.
	pending *correlation.Registry[string, chan protocol.Message]

	startedAt atomic.Int64 // supervisor start, Unix ms; 0 until greeted
	greeted   chan struct{}
	greetOnce sync.Once

	closed    chan struct{}
	closeOnce sync.Once
	evals     sync.WaitGroup
}

// New creates a Client from the given configuration.
func New(cfg Config) *Client {
	if cfg.Reader == nil {
		cfg.Reader = os.Stdin
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Client{
		enc:     protocol.NewEncoder(cfg.Writer),
		dec:     protocol.NewDecoder(cfg.Reader),
		eval:    cfg.Eval,
		logger:  cfg.Logger,
		pending: correlation.New[string, chan protocol.Message](),
		greeted: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

// Serve reads supervisor messages until the stream ends or ctx is cancelled.
// Requests still waiting when it returns fail with ErrClosed. Eval handlers
// it started are waited for.
func (c *Client) Serve(ctx context.Context) error {
	defer c.evals.Wait()
	defer c.close()

	msgs := make(chan protocol.Message)
	errc := make(chan error, 1)
	go func() {
		for {
			msg, err := c.dec.Decode()
			switch {
			case errors.Is(err, protocol.ErrMalformed):
				c.logger.Warn("worker: malformed message", "type", msg.Type, "error", err)
				if msg.Type == "" || len(msg.ID) == 0 {
					continue
				}
				// Fail whoever waits on it instead of leaving them hanging.
				msg.Error = protocol.ErrorText(err.Error())
			case err != nil:
				errc <- err
				return
			}
			select {
			case msgs <- msg:
			case <-c.closed:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("worker: read: %w", err)
		case msg := <-msgs:
			c.dispatch(ctx, msg)
		}
	}
}

func (c *Client) dispatch(ctx context.Context, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeUptime:
		if msg.Failed() {
			return
		}
		c.startedAt.Store(msg.Uptime)
		c.greetOnce.Do(func() { close(c.greeted) })
	case protocol.TypeEval:
		if msg.Failed() {
			c.reply(protocol.Message{Type: protocol.TypeEval, ID: msg.ID, Error: msg.Error})
			return
		}
		c.evals.Add(1)
		go func() {
			defer c.evals.Done()
			c.answerEval(ctx, msg)
		}()
	default:
		ch, ok := c.pending.Take(replyKey(msg.Type, msg.ID))
		if !ok {
			c.logger.Debug("worker: unsolicited reply", "type", msg.Type, "id", protocol.IDKey(msg.ID))
			return
		}
		ch <- msg
	}
}

func (c *Client) answerEval(ctx context.Context, msg protocol.Message) {
	reply := protocol.Message{Type: protocol.TypeEval, ID: msg.ID}
	if c.eval == nil {
		reply.Error = "eval not supported by this worker"
	} else if v, err := c.eval(ctx, msg.Script); err != nil {
		reply.Error = protocol.ErrorText(err.Error())
	} else if body, err := json.Marshal(v); err != nil {
		reply.Error = protocol.ErrorText(fmt.Sprintf("encode result: %v", err))
	} else {
		reply.Result = body
	}
	c.reply(reply)
}

func (c *Client) reply(msg protocol.Message) {
	if err := c.enc.Encode(msg); err != nil {
		c.logger.Warn("worker: eval reply failed", "error", err)
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Ready announces that this worker can receive messages.
func (c *Client) Ready(ctx context.Context) error {
	return c.send(protocol.Message{Type: protocol.TypeReady})
}

// SupervisorStart waits for the supervisor's greeting and returns when the
// supervisor started.
func (c *Client) SupervisorStart(ctx context.Context) (time.Time, error) {
	select {
	case <-c.greeted:
		return time.UnixMilli(c.startedAt.Load()), nil
	case <-c.closed:
		return time.Time{}, ErrClosed
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
}

// Get runs query and decodes the first row into dest. It reports false when
// the query produced no row.
func (c *Client) Get(ctx context.Context, dest any, query string, args ...any) (bool, error) {
	reply, err := c.sql(ctx, protocol.KindGet, query, args)
	if err != nil {
		return false, err
	}
	if len(reply.Result) == 0 || string(reply.Result) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(reply.Result, dest); err != nil {
		return false, fmt.Errorf("worker: decode row: %w", err)
	}
	return true, nil
}

// All runs query and decodes every row into dest, which should point to a
// slice.
func (c *Client) All(ctx context.Context, dest any, query string, args ...any) error {
	reply, err := c.sql(ctx, protocol.KindAll, query, args)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(reply.Result, dest); err != nil {
		return fmt.Errorf("worker: decode rows: %w", err)
	}
	return nil
}

// RunResult describes the effect of a single statement.
type RunResult struct {
	LastID  int64 `json:"lastID"`
	Changes int64 `json:"changes"`
}

// Run executes one statement.
func (c *Client) Run(ctx context.Context, query string, args ...any) (RunResult, error) {
	var res RunResult
	reply, err := c.sql(ctx, protocol.KindRun, query, args)
	if err != nil {
		return res, err
	}
	if err := json.Unmarshal(reply.Result, &res); err != nil {
		return res, fmt.Errorf("worker: decode run result: %w", err)
	}
	return res, nil
}

// Exec executes a script of one or more statements.
func (c *Client) Exec(ctx context.Context, script string) error {
	_, err := c.sql(ctx, protocol.KindExec, script, nil)
	return err
}

// NamedArgs binds parameters by name. Pass it as the only argument to Get,
// All or Run; keys may carry the placeholder prefix ("$id", ":id", "@id") or
// not.
type NamedArgs map[string]any

func (c *Client) sql(ctx context.Context, kind, query string, args []any) (protocol.Message, error) {
	msg := protocol.Message{Type: protocol.TypeSQL, Kind: kind, Query: query}
	if len(args) > 0 {
		var v any = args
		if named, ok := args[0].(NamedArgs); ok && len(args) == 1 {
			v = map[string]any(named)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return protocol.Message{}, fmt.Errorf("worker: encode args: %w", err)
		}
		msg.Args = b
	}
	return c.request(ctx, protocol.TypeSQL, msg)
}

// Lap is a finished stopwatch measurement.
type Lap struct {
	Start   time.Time
	Elapsed time.Duration
}

// StartStopwatch starts a measurement under key and waits for the
// supervisor to acknowledge it. If key was already running the ping stops it
// instead, and ErrStopwatchRunning is returned.
func (c *Client) StartStopwatch(ctx context.Context, key string) error {
	lap, stopped, err := c.stopwatch(ctx, key)
	if err != nil {
		return err
	}
	if stopped {
		return fmt.Errorf("%w: %q stopped after %s", ErrStopwatchRunning, key, lap.Elapsed)
	}
	return nil
}

// StopStopwatch ends the measurement under key and returns it. If key was not
// running the ping starts a new measurement instead, and
// ErrStopwatchNotRunning is returned.
func (c *Client) StopStopwatch(ctx context.Context, key string) (Lap, error) {
	lap, stopped, err := c.stopwatch(ctx, key)
	if err != nil {
		return Lap{}, err
	}
	if !stopped {
		return Lap{}, fmt.Errorf("%w: %q", ErrStopwatchNotRunning, key)
	}
	return lap, nil
}

// stopwatch pings key. The key is the correlation ID, so two pings for one
// key must not overlap.
func (c *Client) stopwatch(ctx context.Context, key string) (Lap, bool, error) {
	reply, err := c.request(ctx, protocol.TypeStopwatch, protocol.Message{
		Type: protocol.TypeStopwatch,
		ID:   protocol.StringID(key),
	})
	if err != nil {
		return Lap{}, false, err
	}
	if reply.Start == nil {
		return Lap{}, false, nil
	}
	lap := Lap{Start: time.UnixMilli(*reply.Start)}
	if reply.Elapsed != nil {
		lap.Elapsed = time.Duration(*reply.Elapsed) * time.Millisecond
	}
	return lap, true, nil
}

// BroadcastEval evaluates script on every shard, this one included, and
// returns the results ordered by shard ID.
func (c *Client) BroadcastEval(ctx context.Context, script string) ([]json.RawMessage, error) {
	reply, err := c.request(ctx, protocol.TypeBroadcastEval, protocol.Message{
		Type:   protocol.TypeBroadcastEval,
		Script: script,
	})
	if err != nil {
		return nil, err
	}
	var results []json.RawMessage
	if err := json.Unmarshal(reply.Result, &results); err != nil {
		return nil, fmt.Errorf("worker: decode broadcast results: %w", err)
	}
	return results, nil
}

// Stats is a report of counters to merge into the supervisor's totals. Each
// field is a nested object whose leaves are numbers; nil fields are omitted.
type Stats struct {
	Commands any
	Daily    any
	Weekly   any
}

// UpdateStats sends a stats report. The supervisor does not reply.
func (c *Client) UpdateStats(ctx context.Context, s Stats) error {
	msg := protocol.Message{Type: protocol.TypeUpdateStats}
	for _, f := range []struct {
		dst *json.RawMessage
		v   any
	}{{&msg.Commands, s.Commands}, {&msg.Daily, s.Daily}, {&msg.Weekly, s.Weekly}} {
		if f.v == nil {
			continue
		}
		b, err := json.Marshal(f.v)
		if err != nil {
			return fmt.Errorf("worker: encode stats: %w", err)
		}
		*f.dst = b
	}
	return c.send(msg)
}

// GetStats reads a stats channel ("commands", "daily" or "weekly"). arg
// selects the day or week bucket and is ignored for commands. A missing
// bucket is JSON null.
func (c *Client) GetStats(ctx context.Context, kind, arg string) (json.RawMessage, error) {
	reply, err := c.request(ctx, protocol.TypeStats, protocol.Message{
		Type: protocol.TypeGetStats,
		Kind: kind,
		Arg:  arg,
	})
	if err != nil {
		return nil, err
	}
	if len(reply.Value) == 0 {
		return protocol.Null, nil
	}
	return reply.Value, nil
}

// Restart asks the supervisor to restart the whole fleet.
func (c *Client) Restart(ctx context.Context) error {
	return c.send(protocol.Message{Type: protocol.TypeRestart})
}

// request sends msg under a fresh ID (unless it carries one) and waits for
// the reply of type replyType.
func (c *Client) request(ctx context.Context, replyType protocol.Type, msg protocol.Message) (protocol.Message, error) {
	if msg.ID == nil {
		msg.ID = protocol.NumericID(c.pending.NextID())
	}
	key := replyKey(replyType, msg.ID)
	ch := make(chan protocol.Message, 1)
	if !c.pending.Put(key, ch) {
		return protocol.Message{}, fmt.Errorf("worker: %s %s already in flight", msg.Type, protocol.IDKey(msg.ID))
	}
	if err := c.send(msg); err != nil {
		c.pending.Take(key)
		return protocol.Message{}, err
	}

	select {
	case reply := <-ch:
		if reply.Failed() {
			return reply, &Error{Op: string(msg.Type), Message: string(reply.Error)}
		}
		return reply, nil
	case <-c.closed:
		c.pending.Take(key)
		return protocol.Message{}, ErrClosed
	case <-ctx.Done():
		c.pending.Take(key)
		return protocol.Message{}, ctx.Err()
	}
}

func (c *Client) send(msg protocol.Message) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	return c.enc.Encode(msg)
}

func replyKey(t protocol.Type, id json.RawMessage) string {
	return string(t) + ":" + protocol.IDKey(id)
}
