package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/async"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

// ObjectPutter is the part of the S3 client the archiver needs
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// MaxArchiveDays bounds one ArchiveRange call
const MaxArchiveDays = 366

// ErrInvalidRange is returned for an empty or oversized archive range
var ErrInvalidRange = errors.New("invalid archive range")

// ArchiveObject describes one written archive
type ArchiveObject struct {
	Key     string    `json:"key"`
	Day     time.Time `json:"day"`
	Records int       `json:"records"`
}

// Archiver copies decision records into gzip-compressed NDJSON objects, one
// per UTC day. Records are never removed from the sink.
type Archiver struct {
	client  ObjectPutter
	bucket  string
	prefix  string
	source  Source
	logger  logrus.FieldLogger
	workers int
}

// NewArchiver creates an archiver writing to bucket under prefix
func NewArchiver(client ObjectPutter, bucket, prefix string, source Source, logger logrus.FieldLogger) *Archiver {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Archiver{
		client:  client,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		source:  source,
		logger:  logger,
		workers: 4,
	}
}

// ObjectKey returns the key for day's archive
func (a *Archiver) ObjectKey(day time.Time) string {
	key := "decisions/" + day.UTC().Format("2006/01/02") + ".ndjson.gz"
	if a.prefix == "" {
		return key
	}
	return a.prefix + "/" + key
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ArchiveDay writes the records of the UTC day containing day. Days with no
// records produce no object and a zero Records count.
func (a *Archiver) ArchiveDay(ctx context.Context, day time.Time) (ArchiveObject, error) {
	start := startOfDay(day)
	end := start.Add(24 * time.Hour)
	obj := ArchiveObject{Key: a.ObjectKey(start), Day: start}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	n, err := Export(ctx, a.source, Filter{Since: &start, Until: &end}, ExportFormatNDJSON, zw)
	if err != nil {
		return obj, err
	}
	if err := zw.Close(); err != nil {
		return obj, fmt.Errorf("failed to compress archive: %w", err)
	}
	obj.Records = n
	if n == 0 {
		return obj, nil
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(obj.Key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String(ExportFormatNDJSON.ContentType()),
		ContentEncoding: aws.String("gzip"),
		Metadata: map[string]string{
			"records": strconv.Itoa(n),
		},
	})
	if err != nil {
		return obj, fmt.Errorf("failed to upload archive %s: %w", obj.Key, err)
	}

	a.logger.WithFields(logrus.Fields{
		"bucket":  a.bucket,
		"key":     obj.Key,
		"records": n,
	}).Info("archived decision records")
	return obj, nil
}

// ArchiveRange archives every UTC day from from to to inclusive, several days
// at a time. Objects for successful days are returned even when others fail.
func (a *Archiver) ArchiveRange(ctx context.Context, from, to time.Time) ([]ArchiveObject, error) {
	from, to = startOfDay(from), startOfDay(to)
	if to.Before(from) {
		return nil, fmt.Errorf("%w: range ends before it starts", ErrInvalidRange)
	}

	var days []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	if len(days) > MaxArchiveDays {
		return nil, fmt.Errorf("%w: range exceeds %d days", ErrInvalidRange, MaxArchiveDays)
	}

	var mu sync.Mutex
	objects := make([]ArchiveObject, 0, len(days))
	errs := async.Batch(ctx, a.logger, days, a.workers, "audit archive", 5*time.Minute,
		func(ctx context.Context, day time.Time) error {
			obj, err := a.ArchiveDay(ctx, day)
			if err != nil {
				return err
			}
			if obj.Records > 0 {
				mu.Lock()
				objects = append(objects, obj)
				mu.Unlock()
			}
			return nil
		})

	sort.Slice(objects, func(i, j int) bool { return objects[i].Day.Before(objects[j].Day) })
	if len(errs) > 0 {
		return objects, errors.Join(errs...)
	}
	return objects, nil
}
