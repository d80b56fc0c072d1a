package export

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Sink receives the header once and then one row per item.
type Sink interface {
	WriteHeader(columns []string) error
	WriteRow(values []string) error
	// Flush pushes buffered rows to the underlying writer.
	Flush() error
}

// CSVSink writes RFC 4180 CSV.
type CSVSink struct {
	w *csv.Writer
}

// NewCSVSink wraps w.
func NewCSVSink(w io.Writer) *CSVSink {
	return &CSVSink{w: csv.NewWriter(w)}
}

// WriteHeader writes the column names.
func (s *CSVSink) WriteHeader(columns []string) error {
	if err := s.w.Write(columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	return nil
}

// WriteRow writes one record.
func (s *CSVSink) WriteRow(values []string) error {
	if err := s.w.Write(values); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	return nil
}

// Flush flushes the csv writer.
func (s *CSVSink) Flush() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// JSONLSink writes one JSON object per row with keys in column order.
type JSONLSink struct {
	w       *bufio.Writer
	columns []string
}

// NewJSONLSink wraps w.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{w: bufio.NewWriter(w)}
}

// WriteHeader records the keys; JSONL has no header line.
func (s *JSONLSink) WriteHeader(columns []string) error {
	s.columns = append([]string(nil), columns...)
	return nil
}

// WriteRow writes one line.
func (s *JSONLSink) WriteRow(values []string) error {
	if len(values) != len(s.columns) {
		return fmt.Errorf("jsonl row has %d values for %d columns", len(values), len(s.columns))
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range s.columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(name)
		v, _ := json.Marshal(values[i])
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteString("}\n")
	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write jsonl row: %w", err)
	}
	return nil
}

// Flush flushes buffered lines.
func (s *JSONLSink) Flush() error {
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush jsonl: %w", err)
	}
	return nil
}

// NewSink picks a sink by format name: csv or jsonl.
func NewSink(format string, w io.Writer) (Sink, error) {
	switch strings.ToLower(format) {
	case "", "csv":
		return NewCSVSink(w), nil
	case "jsonl", "ndjson":
		return NewJSONLSink(w), nil
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
}

// FormatFromPath infers the sink format from a file extension.
func FormatFromPath(path string) string {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".jsonl") || strings.HasSuffix(lower, ".ndjson") {
		return "jsonl"
	}
	return "csv"
}
