// Package protocol defines the messages exchanged between the kanri supervisor
// and its shard worker processes.
//
// Every message is a JSON object carrying a "type" tag. Messages that expect a
// reply carry a correlation "id" chosen by the requester; the reply echoes it
// verbatim. The supervisor never interprets a worker-chosen ID except as an
// opaque token, so workers may use numbers or strings.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Type is the message type tag.
type Type string

const (
	TypeReady         Type = "ready"
	TypeUptime        Type = "uptime"
	TypeSQL           Type = "sql"
	TypeStopwatch     Type = "stopwatch"
	TypeBroadcastEval Type = "broadcastEval"
	TypeEval          Type = "eval"
	TypeUpdateStats   Type = "updateStats"
	TypeGetStats      Type = "getStats"
	TypeStats         Type = "stats"
	TypeRestart       Type = "restart"
)

// ReplyType returns the type the supervisor answers a worker request of type
// t with. It reports false for messages that get no answer.
func ReplyType(t Type) (Type, bool) {
	switch t {
	case TypeSQL, TypeStopwatch, TypeBroadcastEval:
		return t, true
	case TypeGetStats:
		return TypeStats, true
	default:
		return "", false
	}
}

// SQL access kinds. The relay passes them through to the database handle.
const (
	KindGet  = "get"
	KindAll  = "all"
	KindRun  = "run"
	KindExec = "exec"
)

// Stats channels selectable by a getStats request.
const (
	StatsCommands = "commands"
	StatsDaily    = "daily"
	StatsWeekly   = "weekly"
)

// Null is the JSON null literal, used for "no value" results.
var Null = json.RawMessage("null")

// Message is the single envelope used for all traffic in both directions.
// Only the fields relevant to a given Type are populated.
type Message struct {
	Type Type            `json:"type"`
	ID   json.RawMessage `json:"id,omitempty"`

	// sql
	Query string `json:"query,omitempty"`
	// Args is passed through untouched: an array binds positionally, an
	// object by name, and any other value as the single positional argument.
	Args json.RawMessage `json:"args,omitempty"`
	Kind string          `json:"kind,omitempty"`

	// eval / broadcastEval
	Script string `json:"script,omitempty"`

	// replies
	Result json.RawMessage `json:"result,omitempty"`
	Error  ErrorText       `json:"error,omitempty"`

	// stopwatch
	Start   *int64 `json:"start,omitempty"`
	Elapsed *int64 `json:"elapsed,omitempty"`

	// uptime
	Uptime int64 `json:"uptime,omitempty"`

	// updateStats
	Commands json.RawMessage `json:"commands,omitempty"`
	Daily    json.RawMessage `json:"daily,omitempty"`
	Weekly   json.RawMessage `json:"weekly,omitempty"`

	// getStats / stats
	Arg   string          `json:"arg,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Failed reports whether the message carries an error.
func (m Message) Failed() bool {
	return m.Error != ""
}

// ErrorText is an error description carried on the wire. Workers written in
// other runtimes sometimes send structured errors; those are accepted and
// flattened to text.
type ErrorText string

// UnmarshalJSON accepts a string, an object with a "message" field, or any
// other JSON value (kept as its raw text). Falsy values (null, false, 0 and
// the empty string) mean no error.
func (e *ErrorText) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, Null) || bytes.Equal(data, []byte("false")) {
		*e = ""
		return nil
	}
	if f, err := strconv.ParseFloat(string(data), 64); err == nil && f == 0 {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = ErrorText(s)
		return nil
	}
	if data[0] == '{' {
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &obj); err == nil && obj.Message != "" {
			*e = ErrorText(obj.Message)
			return nil
		}
	}
	*e = ErrorText(data)
	return nil
}

// NumericID encodes n as a correlation ID.
func NumericID(n uint64) json.RawMessage {
	return json.RawMessage(strconv.FormatUint(n, 10))
}

// ParseNumericID decodes a correlation ID produced by NumericID.
func ParseNumericID(id json.RawMessage) (uint64, error) {
	n, err := strconv.ParseUint(string(bytes.TrimSpace(id)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("protocol: non-numeric id %q", id)
	}
	return n, nil
}

// StringID encodes s as a correlation ID.
func StringID(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// IDKey returns a canonical string form of a correlation ID, suitable as a map
// key. String IDs are unquoted; any other JSON value keeps its raw text, so
// the number 7 and the string "7" share a key.
func IDKey(id json.RawMessage) string {
	id = bytes.TrimSpace(id)
	if len(id) > 0 && id[0] == '"' {
		var s string
		if err := json.Unmarshal(id, &s); err == nil {
			return s
		}
	}
	return string(id)
}

// MustRaw marshals v, panicking on failure. For values known to be encodable.
func MustRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %T: %v", v, err))
	}
	return b
}
