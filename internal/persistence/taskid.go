package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// TaskKey is the structured lookup form {"task_id": ...}.
type TaskKey struct {
	TaskID string `json:"task_id"`
}

// NormalizeTaskID reduces the accepted task id encodings to a plain id.
// Structured keys (TaskKey, maps, JSON object text) win over numeric forms,
// which win over plain text.
func NormalizeTaskID(v any) (string, error) {
	id, err := normalizeKey(v)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("normalize task id: empty id: %w", ErrMalformedInput)
	}
	return id, nil
}

func normalizeKey(v any) (string, error) {
	switch k := v.(type) {
	case nil:
		return "", fmt.Errorf("normalize task id: nil key: %w", ErrMalformedInput)
	case TaskKey:
		return strings.TrimSpace(k.TaskID), nil
	case *TaskKey:
		if k == nil {
			return "", fmt.Errorf("normalize task id: nil key: %w", ErrMalformedInput)
		}
		return strings.TrimSpace(k.TaskID), nil
	case map[string]any:
		raw, ok := k["task_id"]
		if !ok {
			return "", fmt.Errorf("normalize task id: no task_id member: %w", ErrMalformedInput)
		}
		return normalizeScalar(raw)
	case map[string]string:
		raw, ok := k["task_id"]
		if !ok {
			return "", fmt.Errorf("normalize task id: no task_id member: %w", ErrMalformedInput)
		}
		return strings.TrimSpace(raw), nil
	case json.RawMessage:
		return normalizeText(string(k))
	case []byte:
		return normalizeText(string(k))
	case string:
		return normalizeText(k)
	default:
		return normalizeScalar(v)
	}
}

func normalizeText(s string) (string, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "{"):
		dec := json.NewDecoder(bytes.NewReader([]byte(s)))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			return "", fmt.Errorf("normalize task id: decode %q: %w", s, ErrMalformedInput)
		}
		return normalizeKey(obj)
	case strings.HasPrefix(s, `"`):
		var inner string
		if err := json.Unmarshal([]byte(s), &inner); err == nil {
			return strings.TrimSpace(inner), nil
		}
	}
	// Text ids are kept as written ("007", "+5") so a task is always found by
	// the id it was created with.
	return s, nil
}

func normalizeScalar(v any) (string, error) {
	switch n := v.(type) {
	case string:
		return strings.TrimSpace(n), nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10), nil
		}
		f, err := n.Float64()
		if err != nil {
			return "", fmt.Errorf("normalize task id: bad number %q: %w", n, ErrMalformedInput)
		}
		return normalizeFloat(f)
	case int:
		return strconv.Itoa(n), nil
	case int8:
		return strconv.FormatInt(int64(n), 10), nil
	case int16:
		return strconv.FormatInt(int64(n), 10), nil
	case int32:
		return strconv.FormatInt(int64(n), 10), nil
	case int64:
		return strconv.FormatInt(n, 10), nil
	case uint:
		return strconv.FormatUint(uint64(n), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(n), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(n), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(n), 10), nil
	case uint64:
		return strconv.FormatUint(n, 10), nil
	case float32:
		return normalizeFloat(float64(n))
	case float64:
		return normalizeFloat(n)
	}
	return "", fmt.Errorf("normalize task id: unsupported key type %T: %w", v, ErrMalformedInput)
}

func normalizeFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return "", fmt.Errorf("normalize task id: non-integral number %v: %w", f, ErrMalformedInput)
	}
	return strconv.FormatInt(int64(f), 10), nil
}
