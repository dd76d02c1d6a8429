// Package wire implements schema-less projections over the child process's
// JSON-RPC-like messages. The dialect accepts either camelCase or
// snake_case field spellings throughout, and that tolerance is itself part
// of the contract: inbound values are never forced into strongly-typed
// request/response structs, only read through these narrow accessors.
package wire

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Value is a single parsed JSON-RPC line: a request, a response, or a
// notification, depending on which of id/method/result/error are present.
type Value map[string]interface{}

// Decode parses a single newline-delimited JSON line into a Value.
func Decode(line []byte) (Value, error) {
	var v Value
	if err := json.Unmarshal(line, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Encode serialises a Value (or any JSON-able payload) without a trailing
// newline; callers append '\n' before writing to a child's stdin.
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// ID returns the numeric request id, if the value carries one that fits in
// a uint64 (per spec.md §6, "numeric ids must fit in 64 bits").
func (v Value) ID() (uint64, bool) {
	raw, ok := v["id"]
	if !ok {
		return 0, false
	}
	switch n := raw.(type) {
	case json.Number:
		id, err := strconv.ParseUint(n.String(), 10, 64)
		return id, err == nil
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	}
	return 0, false
}

// Method returns the "method" field, if present.
func (v Value) Method() (string, bool) {
	m, ok := v["method"].(string)
	return m, ok && m != ""
}

// HasResultOrError reports whether this value terminates a request: it
// carries a "result" or "error" key (possibly null).
func (v Value) HasResultOrError() bool {
	_, hasResult := v["result"]
	_, hasError := v["error"]
	return hasResult || hasError
}

func asObject(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func getString(container map[string]interface{}, keys ...string) (string, bool) {
	if container == nil {
		return "", false
	}
	for _, key := range keys {
		if raw, ok := container[key]; ok {
			if s, ok := raw.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// extractFromContainers runs extract against params then result, first hit
// wins, mirroring the original's extract_from_container(params).or(result).
func extractFromContainers(v Value, extract func(map[string]interface{}) (string, bool)) (string, bool) {
	if params, ok := asObject(v["params"]); ok {
		if s, ok := extract(params); ok {
			return s, ok
		}
	}
	if result, ok := asObject(v["result"]); ok {
		if s, ok := extract(result); ok {
			return s, ok
		}
	}
	return "", false
}

// ThreadID reads threadId/thread_id, falling back to thread.id, from either
// params or result.
func (v Value) ThreadID() (string, bool) {
	return extractFromContainers(v, func(c map[string]interface{}) (string, bool) {
		if s, ok := getString(c, "threadId", "thread_id"); ok {
			return s, true
		}
		thread, _ := asObject(c["thread"])
		return getString(thread, "id")
	})
}

// TurnID reads turnId/turn_id, falling back to turn.id, from either params
// or result.
func (v Value) TurnID() (string, bool) {
	return extractFromContainers(v, func(c map[string]interface{}) (string, bool) {
		if s, ok := getString(c, "turnId", "turn_id"); ok {
			return s, true
		}
		turn, _ := asObject(c["turn"])
		return getString(turn, "id")
	})
}

// ThreadCwd reads params.thread.cwd or params.cwd (and the same under
// result), preferring the nested thread.cwd form.
func (v Value) ThreadCwd() (string, bool) {
	return extractFromContainers(v, func(c map[string]interface{}) (string, bool) {
		thread, _ := asObject(c["thread"])
		if s, ok := getString(thread, "cwd"); ok {
			return s, true
		}
		return getString(c, "cwd")
	})
}

// ThreadSpawnParentThreadID reads
// {params,result}.thread.source.{thread_spawn,threadSpawn}.{parent_thread_id,parentThreadId}.
func (v Value) ThreadSpawnParentThreadID() (string, bool) {
	extract := func(container map[string]interface{}) (string, bool) {
		thread, ok := asObject(container["thread"])
		if !ok {
			return "", false
		}
		source, ok := asObject(thread["source"])
		if !ok {
			return "", false
		}
		spawn, ok := asObject(source["thread_spawn"])
		if !ok {
			spawn, ok = asObject(source["threadSpawn"])
			if !ok {
				return "", false
			}
		}
		return getString(spawn, "parent_thread_id", "parentThreadId")
	}
	if params, ok := asObject(v["params"]); ok {
		if s, ok := extract(params); ok {
			return s, true
		}
	}
	if result, ok := asObject(v["result"]); ok {
		if s, ok := extract(result); ok {
			return s, true
		}
	}
	return "", false
}

// TurnStartResponseTurnID reads result.turn.id, falling back to
// result.turnId / result.turn_id, from a turn/start response.
func (v Value) TurnStartResponseTurnID() (string, bool) {
	result, ok := asObject(v["result"])
	if !ok {
		return "", false
	}
	if turn, ok := asObject(result["turn"]); ok {
		if s, ok := getString(turn, "id"); ok {
			return s, true
		}
	}
	return getString(result, "turnId", "turn_id")
}

// TurnStartRequestThreadID reads threadId/thread_id off a turn/start
// request's params.
func TurnStartRequestThreadID(params Value) (string, bool) {
	return getString(params, "threadId", "thread_id")
}

// ResponseErrorMessage reads a response's "error" field, which may be a bare
// string or an object carrying "message".
func (v Value) ResponseErrorMessage() (string, bool) {
	raw, ok := v["error"]
	if !ok {
		return "", false
	}
	if s, ok := raw.(string); ok {
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	if obj, ok := asObject(raw); ok {
		if s, ok := getString(obj, "message"); ok {
			s = strings.TrimSpace(s)
			return s, s != ""
		}
	}
	return "", false
}

// SetWillRetry sets params.willRetry on an outbound notification in place.
func (v Value) SetWillRetry(willRetry bool) {
	params, ok := asObject(v["params"])
	if !ok {
		return
	}
	params["willRetry"] = willRetry
}

// ThreadListEntry is one object discovered while walking a thread/list
// response's nested arrays.
type ThreadListEntry struct {
	ThreadID string
	Cwd      string
	HasCwd   bool
}

// ThreadListEntries walks the nested `threads | items | results | data`
// arrays of a thread/list response.result, collecting every object that
// exposes an id and optionally a cwd.
func (v Value) ThreadListEntries() []ThreadListEntry {
	result, ok := v["result"]
	if !ok {
		return nil
	}
	var out []ThreadListEntry
	collectThreadListEntries(result, &out)
	return out
}

func collectThreadListEntries(node interface{}, out *[]ThreadListEntry) {
	switch typed := node.(type) {
	case []interface{}:
		for _, item := range typed {
			collectThreadListEntries(item, out)
		}
		return
	case map[string]interface{}:
		cwd, hasCwd := getString(typed, "cwd")
		if !hasCwd {
			if thread, ok := asObject(typed["thread"]); ok {
				cwd, hasCwd = getString(thread, "cwd")
			}
		}
		threadID, hasID := getString(typed, "threadId", "thread_id", "id")
		if !hasID {
			if thread, ok := asObject(typed["thread"]); ok {
				threadID, hasID = getString(thread, "id")
			}
		}
		if hasID {
			*out = append(*out, ThreadListEntry{ThreadID: threadID, Cwd: cwd, HasCwd: hasCwd})
		}
		for _, key := range []string{"threads", "items", "results", "data"} {
			if values, ok := typed[key].([]interface{}); ok {
				for _, item := range values {
					collectThreadListEntries(item, out)
				}
			}
		}
	}
}
