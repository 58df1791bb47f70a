package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

type LogLevel string

const (
	LevelInfo    LogLevel = "INFO"
	LevelWarning LogLevel = "WARNING"
	LevelWarn    LogLevel = "WARNING" // alias for LevelWarning
	LevelError   LogLevel = "ERROR"
	LevelSecurity LogLevel = "SECURITY"
)

type AuditLog struct {
	Timestamp   time.Time              `json:"timestamp"`
	Level       LogLevel               `json:"level"`
	User        string                 `json:"user,omitempty"`
	Command     string                 `json:"command"`
	Args        []string               `json:"args,omitempty"`
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	Duration    int64                  `json:"duration_ms"`
	SourceIP    string                 `json:"source_ip,omitempty"`
	SessionID   string                 `json:"session_id,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

type Logger struct {
	file *os.File
	mu   sync.Mutex
}

var (
	defaultLogger *Logger
	once          sync.Once

	defaultBuffered   *BufferedLogger
	defaultBufferedMu sync.RWMutex
)

// SetBufferedLogger registers bl as the process-wide tamper-evident
// sink LogCommand/LogActivity also write to, alongside the plain audit
// log file. Call once at startup after NewBufferedLogger/Start; nil is
// valid and disables the sqlite side entirely.
func SetBufferedLogger(bl *BufferedLogger) {
	defaultBufferedMu.Lock()
	defer defaultBufferedMu.Unlock()
	defaultBuffered = bl
}

func bufferedLog(user, action, resource, details string, success bool) {
	defaultBufferedMu.RLock()
	bl := defaultBuffered
	defaultBufferedMu.RUnlock()
	if bl == nil {
		return
	}
	event := AuditEvent{Timestamp: time.Now().Unix(), User: user, Action: action, Resource: resource, Details: details, Success: success}
	if err := bl.Log(event); err != nil {
		fmt.Fprintf(os.Stderr, "audit: buffered log write failed: %v\n", err)
	}
}

// InitLogger initializes the audit logger
func InitLogger(logPath string) error {
	var err error
	once.Do(func() {
		defaultLogger, err = NewLogger(logPath)
	})
	return err
}

// NewLogger creates a new audit logger
func NewLogger(logPath string) (*Logger, error) {
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	return &Logger{
		file: file,
	}, nil
}

// Log writes an audit log entry
func (l *Logger) Log(entry AuditLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Timestamp = time.Now()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	_, err = l.file.Write(append(data, '\n'))
	if err != nil {
		return err
	}

	// Also log to stderr for systemd journal
	fmt.Fprintf(os.Stderr, "%s\n", string(data))

	return l.file.Sync()
}

// Close closes the audit log file
func (l *Logger) Close() error {
	return l.file.Close()
}

// Convenience functions using default logger
func Log(entry AuditLog) error {
	if defaultLogger == nil {
		return fmt.Errorf("audit logger not initialized")
	}
	return defaultLogger.Log(entry)
}

func LogCommand(level LogLevel, user, command string, args []string, success bool, duration time.Duration, err error) error {
	entry := AuditLog{
		Level:    level,
		User:     user,
		Command:  command,
		Args:     args,
		Success:  success,
		Duration: duration.Milliseconds(),
	}

	var details string
	if err != nil {
		entry.Error = err.Error()
		details = entry.Error
	} else if len(args) > 0 {
		details = strings.Join(args, " ")
	}
	bufferedLog(user, command, strings.Join(args, ","), details, success)

	return Log(entry)
}

func LogSecurityEvent(message, user, sourceIP string) error {
	bufferedLog(user, "auth_failed", sourceIP, message, false)
	return Log(AuditLog{
		Level:    LevelSecurity,
		Command:  "SECURITY_EVENT",
		User:     user,
		SourceIP: sourceIP,
		Success:  false,
		Error:    message,
	})
}

func Close() error {
	if defaultLogger == nil {
		return nil
	}
	return defaultLogger.Close()
}

// LogAction is a convenience function for handler-level audit logging,
// kept for callers that only have a one-line outcome message rather
// than a full command+args+error triple.
func LogAction(action, user, message string, success bool, duration time.Duration) {
	bufferedLog(user, action, "", message, success)
	Log(AuditLog{
		Level:    LevelInfo,
		Command:  action,
		User:     user,
		Success:  success,
		Error:    message,
		Duration: duration.Milliseconds(),
	})
}

// LogActivity is a convenience function for audit entries that carry a
// free-form details map rather than a flat args list.
func LogActivity(user, action string, details map[string]interface{}) {
	msg := fmt.Sprintf("%v", details)
	bufferedLog(user, action, "", msg, true)
	Log(AuditLog{
		Level:   LevelInfo,
		Command: action,
		User:    user,
		Success: true,
		Error:   msg,
	})
}
