package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// ProductionLogger writes structured log lines for the federation runtime.
//
// Output format follows the deployment environment:
//   - json: one JSON object per line (default inside Kubernetes)
//   - text: human-readable lines for local runs
//
// The logger is safe for concurrent use. Derived component loggers share
// the parent's writer and lock.
type ProductionLogger struct {
	level       int
	format      string
	serviceName string
	component   string
	output      io.Writer
	mu          *sync.Mutex
}

var logLevels = map[string]int{
	"DEBUG": 0,
	"INFO":  1,
	"WARN":  2,
	"ERROR": 3,
}

// NewProductionLogger creates a logger from the logging configuration.
func NewProductionLogger(cfg LoggingConfig, serviceName string) *ProductionLogger {
	level, ok := logLevels[strings.ToUpper(cfg.Level)]
	if !ok {
		level = logLevels["INFO"]
	}

	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "text"
		if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			format = "json"
		}
	}

	var output io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		output = os.Stderr
	}

	return &ProductionLogger{
		level:       level,
		format:      format,
		serviceName: serviceName,
		output:      output,
		mu:          &sync.Mutex{},
	}
}

// SetOutput changes the output writer (useful for testing)
func (l *ProductionLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// WithComponent returns a logger that tags every line with the component name.
func (l *ProductionLogger) WithComponent(component string) Logger {
	return &ProductionLogger{
		level:       l.level,
		format:      l.format,
		serviceName: l.serviceName,
		component:   component,
		output:      l.output,
		mu:          l.mu,
	}
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log("ERROR", msg, fields)
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log("DEBUG", msg, fields)
}

func (l *ProductionLogger) log(level, msg string, fields map[string]interface{}) {
	if logLevels[level] < l.level {
		return
	}

	timestamp := time.Now().UTC().Format(time.RFC3339Nano)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
		return
	}
	l.logText(timestamp, level, msg, fields)
}

func (l *ProductionLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.serviceName,
		"message":   msg,
	}
	if l.component != "" {
		entry["component"] = l.component
	}

	for k, v := range fields {
		// Core fields are never overwritten
		if _, reserved := entry[k]; reserved {
			continue
		}
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry[k] = v
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.output, `{"level":"ERROR","message":"log marshal failed: %s"}`+"\n", err)
		return
	}
	fmt.Fprintln(l.output, string(data))
}

func (l *ProductionLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var b strings.Builder
	b.WriteString(timestamp)
	b.WriteString(" [")
	b.WriteString(level)
	b.WriteString("] [")
	b.WriteString(l.serviceName)
	if l.component != "" {
		b.WriteString(":")
		b.WriteString(l.component)
	}
	b.WriteString("] ")
	b.WriteString(msg)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fields[k]
		if s, ok := v.(string); ok && strings.ContainsAny(s, " \t") {
			fmt.Fprintf(&b, " %s=%q", k, s)
			continue
		}
		fmt.Fprintf(&b, " %s=%v", k, v)
	}

	fmt.Fprintln(l.output, b.String())
}
