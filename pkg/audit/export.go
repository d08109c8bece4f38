package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// RecordWriter encodes a stream of records
type RecordWriter interface {
	Write(rec *Record) error
	// Close finishes the document. It does not close the underlying writer.
	Close() error
}

// NewRecordWriter returns a streaming encoder for format
func NewRecordWriter(format ExportFormat, w io.Writer) (RecordWriter, error) {
	switch format {
	case ExportFormatNDJSON, "":
		return &ndjsonWriter{enc: json.NewEncoder(w)}, nil
	case ExportFormatJSON:
		return &jsonArrayWriter{w: w}, nil
	case ExportFormatCSV:
		return &csvWriter{w: csv.NewWriter(w)}, nil
	}
	return nil, fmt.Errorf("unsupported export format: %q", format)
}

// Export streams every record matching filter from src to w
func Export(ctx context.Context, src Source, filter Filter, format ExportFormat, w io.Writer) (int, error) {
	rw, err := NewRecordWriter(format, w)
	if err != nil {
		return 0, err
	}

	n := 0
	err = src.Stream(ctx, filter, func(rec *Record) error {
		if err := rw.Write(rec); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("failed to export decision records: %w", err)
	}
	return n, rw.Close()
}

type ndjsonWriter struct {
	enc *json.Encoder
}

func (n *ndjsonWriter) Write(rec *Record) error {
	if err := n.enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return nil
}

func (n *ndjsonWriter) Close() error { return nil }

type jsonArrayWriter struct {
	w     io.Writer
	count int
}

func (j *jsonArrayWriter) Write(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	sep := ",\n"
	if j.count == 0 {
		sep = "[\n"
	}
	if _, err := io.WriteString(j.w, sep); err != nil {
		return err
	}
	j.count++
	_, err = j.w.Write(data)
	return err
}

func (j *jsonArrayWriter) Close() error {
	closing := "\n]\n"
	if j.count == 0 {
		closing = "[]\n"
	}
	_, err := io.WriteString(j.w, closing)
	return err
}

var csvHeader = []string{
	"id",
	"occurred_at",
	"actor_user_id",
	"effective_user_id",
	"org_id",
	"project_id",
	"action_key",
	"resource_type",
	"resource_id",
	"decision",
	"reason_code",
	"policy_version",
	"impersonation_session_id",
	"request_id",
	"client_ip",
	"user_agent",
	"context",
}

type csvWriter struct {
	w           *csv.Writer
	wroteHeader bool
}

func (c *csvWriter) header() error {
	if c.wroteHeader {
		return nil
	}
	c.wroteHeader = true
	if err := c.w.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	return nil
}

func (c *csvWriter) Write(rec *Record) error {
	if err := c.header(); err != nil {
		return err
	}

	var contextJSON string
	if len(rec.Context) > 0 {
		data, err := json.Marshal(rec.Context)
		if err != nil {
			return fmt.Errorf("failed to encode context: %w", err)
		}
		contextJSON = string(data)
	}

	row := []string{
		rec.ID,
		rec.OccurredAt.UTC().Format(time.RFC3339Nano),
		rec.ActorUserID,
		rec.EffectiveUserID,
		rec.OrgID,
		rec.ProjectID,
		rec.ActionKey,
		rec.ResourceType,
		rec.ResourceID,
		string(rec.Decision),
		rec.ReasonCode,
		strconv.FormatInt(rec.PolicyVersion, 10),
		rec.ImpersonationSessionID,
		rec.RequestID,
		rec.ClientIP,
		rec.UserAgent,
		contextJSON,
	}
	if err := c.w.Write(row); err != nil {
		return fmt.Errorf("failed to write CSV row: %w", err)
	}
	return nil
}

func (c *csvWriter) Close() error {
	if err := c.header(); err != nil {
		return err
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}
