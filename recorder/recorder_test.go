package recorder

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "marketstream/config"
	"marketstream/models"
)

type capturedUpload struct {
	bucket string
	key    string
	body   []byte
}

type fakeUploader struct {
	mu      sync.Mutex
	uploads []capturedUpload
	err     error
}

func (f *fakeUploader) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var buf bytes.Buffer
	if params.Body != nil {
		if _, err := buf.ReadFrom(params.Body); err != nil {
			return nil, err
		}
	}
	f.uploads = append(f.uploads, capturedUpload{
		bucket: *params.Bucket,
		key:    *params.Key,
		body:   buf.Bytes(),
	})
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeUploader) captured() []capturedUpload {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]capturedUpload, len(f.uploads))
	copy(out, f.uploads)
	return out
}

func testRecorderConfig() appconfig.RecorderConfig {
	return appconfig.RecorderConfig{
		Enabled:       true,
		Symbols:       []string{"AAPL"},
		FlushInterval: time.Hour,
		BatchSize:     3,
		S3: appconfig.S3Config{
			Region: "us-east-1",
			Bucket: "test-bars",
			Prefix: "bars",
		},
	}
}

func testBar(symbol string, close float64) models.Bar {
	return models.Bar{
		Symbol:    symbol,
		Open:      close - 1,
		High:      close + 1,
		Low:       close - 2,
		Close:     close,
		Volume:    1000,
		Timestamp: 1718029500000,
	}
}

func TestFlushUploadsBufferedBars(t *testing.T) {
	fake := &fakeUploader{}
	rec := newRecorder(testRecorderConfig(), nil, fake)

	rec.handleBar(testBar("AAPL", 190.0))
	rec.handleBar(testBar("AAPL", 190.5))
	rec.handleBar(testBar("BTC/USD", 64000))

	rec.flushBuffers("test")

	uploads := fake.captured()
	if len(uploads) != 2 {
		t.Fatalf("got %d uploads, want one per symbol", len(uploads))
	}
	for _, u := range uploads {
		if u.bucket != "test-bars" {
			t.Errorf("bucket = %q", u.bucket)
		}
		if !strings.HasPrefix(u.key, "bars/") || !strings.HasSuffix(u.key, ".parquet") {
			t.Errorf("key = %q, want bars/<symbol>/<date>/<id>.parquet", u.key)
		}
		if len(u.body) == 0 {
			t.Error("uploaded file is empty")
		}
	}

	uploadsN, rows, errs := rec.Stats()
	if uploadsN != 2 || rows != 3 || errs != 0 {
		t.Fatalf("stats = (%d, %d, %d), want (2, 3, 0)", uploadsN, rows, errs)
	}

	// The buffer was swapped out, so a second flush uploads nothing.
	rec.flushBuffers("test")
	if got := len(fake.captured()); got != 2 {
		t.Fatalf("empty flush produced uploads, total %d", got)
	}
}

func TestBatchSizeTriggersFlushSignal(t *testing.T) {
	fake := &fakeUploader{}
	rec := newRecorder(testRecorderConfig(), nil, fake)

	rec.handleBar(testBar("AAPL", 190.0))
	rec.handleBar(testBar("AAPL", 190.1))
	select {
	case <-rec.flushCh:
		t.Fatal("flush signalled below the batch threshold")
	default:
	}

	rec.handleBar(testBar("AAPL", 190.2))
	select {
	case <-rec.flushCh:
	default:
		t.Fatal("flush not signalled at the batch threshold")
	}
}

func TestUploadErrorCountsAndKeepsRunning(t *testing.T) {
	fake := &fakeUploader{err: context.DeadlineExceeded}
	rec := newRecorder(testRecorderConfig(), nil, fake)

	rec.handleBar(testBar("AAPL", 190.0))
	rec.flushBuffers("test")

	uploads, rows, errs := rec.Stats()
	if uploads != 0 || rows != 0 || errs != 1 {
		t.Fatalf("stats = (%d, %d, %d), want (0, 0, 1)", uploads, rows, errs)
	}
}

func TestCreateParquetFile(t *testing.T) {
	bars := []models.Bar{testBar("AAPL", 190.0), testBar("AAPL", 190.5)}
	data, err := createParquetFile(bars)
	if err != nil {
		t.Fatalf("createParquetFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("parquet output is empty")
	}
	// Parquet files start and end with the PAR1 magic.
	if !bytes.HasPrefix(data, []byte("PAR1")) || !bytes.HasSuffix(data, []byte("PAR1")) {
		t.Fatal("output missing parquet magic bytes")
	}
}

func TestNewRecorderDefaults(t *testing.T) {
	cfg := testRecorderConfig()
	cfg.FlushInterval = 0
	cfg.BatchSize = 0
	rec := newRecorder(cfg, nil, &fakeUploader{})
	if rec.cfg.FlushInterval != time.Minute {
		t.Errorf("default flush interval = %v", rec.cfg.FlushInterval)
	}
	if rec.cfg.BatchSize != 500 {
		t.Errorf("default batch size = %d", rec.cfg.BatchSize)
	}
}
