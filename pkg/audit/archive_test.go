package audit

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	mu      sync.Mutex
	objects map[string][]byte
	inputs  map[string]*s3.PutObjectInput
	failKey string
}

func newFakePutter() *fakePutter {
	return &fakePutter{objects: map[string][]byte{}, inputs: map[string]*s3.PutObjectInput{}}
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(in.Key)
	if key == f.failKey {
		return nil, errors.New("access denied")
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = body
	f.inputs[key] = in
	return &s3.PutObjectOutput{}, nil
}

func countLines(t *testing.T, data []byte) int {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer zr.Close()

	scanner := bufio.NewScanner(zr)
	n := 0
	for scanner.Scan() {
		n++
	}
	require.NoError(t, scanner.Err())
	return n
}

func TestArchiver_ArchiveDay(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()
	day := time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)

	require.NoError(t, sink.Write(ctx, testRecord("u1", "a.b", day.Add(-time.Second))))
	require.NoError(t, sink.Write(ctx, testRecord("u1", "a.b", day.Add(time.Hour))))
	require.NoError(t, sink.Write(ctx, testRecord("u1", "a.b", day.Add(23*time.Hour))))
	require.NoError(t, sink.Write(ctx, testRecord("u1", "a.b", day.Add(24*time.Hour))))

	putter := newFakePutter()
	archiver := NewArchiver(putter, "compliance", "/prod/", sink, nil)

	obj, err := archiver.ArchiveDay(ctx, day.Add(12*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "prod/decisions/2026/05/04.ndjson.gz", obj.Key)
	assert.Equal(t, 2, obj.Records)

	require.Contains(t, putter.objects, obj.Key)
	assert.Equal(t, 2, countLines(t, putter.objects[obj.Key]))
	assert.Equal(t, "gzip", aws.ToString(putter.inputs[obj.Key].ContentEncoding))
	assert.Equal(t, "2", putter.inputs[obj.Key].Metadata["records"])
}

func TestArchiver_ArchiveRange(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()
	from := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	// records on the 1st and 3rd, nothing on the 2nd
	require.NoError(t, sink.Write(ctx, testRecord("u1", "a.b", from.Add(time.Hour))))
	require.NoError(t, sink.Write(ctx, testRecord("u1", "a.b", from.Add(49*time.Hour))))

	putter := newFakePutter()
	archiver := NewArchiver(putter, "compliance", "", sink, nil)

	objects, err := archiver.ArchiveRange(ctx, from, from.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "decisions/2026/05/01.ndjson.gz", objects[0].Key)
	assert.Equal(t, "decisions/2026/05/03.ndjson.gz", objects[1].Key)

	_, err = archiver.ArchiveRange(ctx, from, from.AddDate(0, 0, -1))
	assert.Error(t, err)
	_, err = archiver.ArchiveRange(ctx, from, from.AddDate(2, 0, 0))
	assert.Error(t, err)
}

func TestArchiver_PartialFailure(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()
	from := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Write(ctx, testRecord("u1", "a.b", from.Add(time.Hour))))
	require.NoError(t, sink.Write(ctx, testRecord("u1", "a.b", from.Add(25*time.Hour))))

	putter := newFakePutter()
	putter.failKey = "decisions/2026/05/02.ndjson.gz"
	archiver := NewArchiver(putter, "compliance", "", sink, nil)

	objects, err := archiver.ArchiveRange(ctx, from, from.AddDate(0, 0, 1))
	assert.ErrorContains(t, err, "access denied")
	require.Len(t, objects, 1)
	assert.Equal(t, "decisions/2026/05/01.ndjson.gz", objects[0].Key)
}
