package logger

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	levelNames = map[LogLevel]string{
		DEBUG: "DEBUG",
		INFO:  "INFO",
		WARN:  "WARN",
		ERROR: "ERROR",
	}

	currentLevel = INFO
	sink         *fileSink
	mu           sync.RWMutex
)

type fileSink struct {
	file         *os.File
	path         string
	maxSizeBytes int64
	currentSize  int64
}

type logEntry struct {
	Level     string                 `json:"level"`
	Timestamp string                 `json:"timestamp"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// EnableFileLogging mirrors every log line as JSON into filePath.
// A maxSizeMB of 0 disables rotation.
func EnableFileLogging(filePath string, maxSizeMB int) error {
	mu.Lock()
	defer mu.Unlock()

	if strings.HasPrefix(filePath, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			filePath = filepath.Join(home, filePath[2:])
		}
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	var size int64
	if stat, err := file.Stat(); err == nil {
		size = stat.Size()
	}

	if sink != nil && sink.file != nil {
		sink.file.Close()
	}
	sink = &fileSink{
		file:         file,
		path:         filePath,
		maxSizeBytes: int64(maxSizeMB) * 1024 * 1024,
		currentSize:  size,
	}
	return nil
}

func DisableFileLogging() {
	mu.Lock()
	defer mu.Unlock()
	if sink != nil && sink.file != nil {
		sink.file.Close()
	}
	sink = nil
}

func (s *fileSink) rotate() {
	s.file.Close()
	rotated := s.path + "." + time.Now().Format("20060102-150405")
	if err := os.Rename(s.path, rotated); err != nil {
		// Reopen the original so logging keeps working.
		if file, openErr := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); openErr == nil {
			s.file = file
		}
		return
	}
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	s.file = file
	s.currentSize = 0
}

func logMessage(level LogLevel, component, message string, fields map[string]interface{}) {
	mu.RLock()
	enabled := level >= currentLevel
	mu.RUnlock()
	if !enabled {
		return
	}

	entry := logEntry{
		Level:     levelNames[level],
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Component: component,
		Message:   message,
		Fields:    fields,
	}

	mu.Lock()
	if sink != nil && sink.file != nil {
		if sink.maxSizeBytes > 0 && sink.currentSize >= sink.maxSizeBytes {
			sink.rotate()
		}
		if data, err := json.Marshal(entry); err == nil {
			if n, err := sink.file.WriteString(string(data) + "\n"); err == nil {
				sink.currentSize += int64(n)
			}
		}
	}
	mu.Unlock()

	var b strings.Builder
	b.WriteString("[" + entry.Timestamp + "] [" + entry.Level + "]")
	if component != "" {
		b.WriteString(" " + component + ":")
	}
	b.WriteString(" " + message)
	if len(fields) > 0 {
		parts := make([]string, 0, len(fields))
		for k, v := range fields {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
		b.WriteString(" {" + strings.Join(parts, ", ") + "}")
	}
	log.Println(b.String())
}

func Debug(message string)             { logMessage(DEBUG, "", message, nil) }
func DebugC(component, message string) { logMessage(DEBUG, component, message, nil) }
func Info(message string)              { logMessage(INFO, "", message, nil) }
func InfoC(component, message string)  { logMessage(INFO, component, message, nil) }
func Warn(message string)              { logMessage(WARN, "", message, nil) }
func WarnC(component, message string)  { logMessage(WARN, component, message, nil) }
func Error(message string)             { logMessage(ERROR, "", message, nil) }
func ErrorC(component, message string) { logMessage(ERROR, component, message, nil) }

func DebugCF(component, message string, fields map[string]interface{}) {
	logMessage(DEBUG, component, message, fields)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	logMessage(INFO, component, message, fields)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	logMessage(WARN, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	logMessage(ERROR, component, message, fields)
}
