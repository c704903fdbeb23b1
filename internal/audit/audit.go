// Package audit appends security-relevant decisions (refused API calls,
// rejected payloads, fatal startup errors) to <home>/logs/audit.jsonl.
// Recording before Init or after Close only updates the counters.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/taskrelay/internal/shared"
)

// Decisions.
const (
	Deny   = "deny"
	Reject = "reject"
	Fatal  = "fatal"
)

// FileName is the audit log under <home>/logs.
const FileName = "audit.jsonl"

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
}

var (
	mu          sync.Mutex
	file        *os.File
	denyCount   atomic.Int64
	rejectCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// RejectCount returns the number of rejected inbound payloads since startup.
func RejectCount() int64 {
	return rejectCount.Load()
}

// Record appends one entry. Reason and subject are redacted first.
func Record(decision, action, reason, subject string) {
	switch decision {
	case Deny:
		denyCount.Add(1)
	case Reject:
		rejectCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Decision:  decision,
		Action:    action,
		Reason:    reason,
		Subject:   subject,
	})
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
