package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// JSONFormatter renders one JSON object per entry.
type JSONFormatter struct {
	// TimestampFormat defaults to RFC3339Nano.
	TimestampFormat string
	// DisableCaller omits the caller field.
	DisableCaller bool
}

func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	tsf := f.TimestampFormat
	if tsf == "" {
		tsf = time.RFC3339Nano
	}
	out := make(map[string]interface{}, len(entry.Fields)+4)
	for k, v := range entry.Fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		out[k] = v
	}
	out["ts"] = entry.Timestamp.Format(tsf)
	out["level"] = strings.ToLower(entry.Level.String())
	out["msg"] = entry.Message
	if entry.Caller != "" && !f.DisableCaller {
		out["caller"] = entry.Caller
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("format log entry: %w", err)
	}
	return append(b, '\n'), nil
}

// TextFormatter renders `ts LEVEL msg k=v ...` lines with sorted keys.
type TextFormatter struct {
	TimestampFormat string
	DisableCaller   bool
}

func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	tsf := f.TimestampFormat
	if tsf == "" {
		tsf = "2006-01-02T15:04:05.000Z07:00"
	}
	var buf bytes.Buffer
	buf.WriteString(entry.Timestamp.Format(tsf))
	buf.WriteByte(' ')
	fmt.Fprintf(&buf, "%-5s", entry.Level.String())
	buf.WriteByte(' ')
	buf.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf.WriteByte(' ')
		buf.WriteString(k)
		buf.WriteByte('=')
		writeTextValue(&buf, entry.Fields[k])
	}
	if entry.Caller != "" && !f.DisableCaller {
		buf.WriteString(" caller=")
		buf.WriteString(entry.Caller)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func writeTextValue(buf *bytes.Buffer, v interface{}) {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case error:
		s = t.Error()
	case fmt.Stringer:
		s = t.String()
	default:
		s = fmt.Sprint(t)
	}
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		s = fmt.Sprintf("%q", s)
	}
	buf.WriteString(s)
}
