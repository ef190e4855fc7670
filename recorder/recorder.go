package recorder

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "marketstream/config"
	"marketstream/logger"
	"marketstream/models"
	"marketstream/stream"
)

// barRecord is the parquet row layout for archived bars.
type barRecord struct {
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Open      float64 `parquet:"name=open, type=DOUBLE"`
	High      float64 `parquet:"name=high, type=DOUBLE"`
	Low       float64 `parquet:"name=low, type=DOUBLE"`
	Close     float64 `parquet:"name=close, type=DOUBLE"`
	Volume    float64 `parquet:"name=volume, type=DOUBLE"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
}

// memoryFileWriter implements the ParquetFile interface over an
// in-memory buffer so files can be uploaded without touching disk.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error) {
	return mfw.buffer.Read(b)
}

func (mfw *memoryFileWriter) Write(b []byte) (int, error) {
	return mfw.buffer.Write(b)
}

func (mfw *memoryFileWriter) Close() error {
	return nil
}

func (mfw *memoryFileWriter) Bytes() []byte {
	return mfw.buffer.Bytes()
}

// uploader abstracts the S3 PutObject call so tests can capture uploads.
type uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Recorder subscribes to bar events through the stream provider and
// archives them to S3 as parquet files, batched per symbol.
type Recorder struct {
	cfg      appconfig.RecorderConfig
	provider *stream.Provider
	s3Client uploader
	log      *logger.Log

	mu       sync.Mutex
	buffer   map[string][]models.Bar
	buffered int
	subIDs   []string
	running  bool

	ctx     context.Context
	wg      *sync.WaitGroup
	flushCh chan struct{}

	uploads     int64
	rowsWritten int64
	errorsCount int64
}

// New creates a Recorder backed by an S3 client built from the provided
// configuration.
func New(cfg appconfig.RecorderConfig, provider *stream.Provider) (*Recorder, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3.Region)}
	if cfg.S3.AccessKeyID != "" && cfg.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.S3.AccessKeyID,
				cfg.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("recorder").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
		}
	})

	rec := newRecorder(cfg, provider, s3Client)

	log.WithComponent("recorder").WithFields(logger.Fields{
		"bucket":  cfg.S3.Bucket,
		"region":  cfg.S3.Region,
		"symbols": cfg.Symbols,
	}).Info("recorder initialized")

	return rec, nil
}

// newRecorder wires a Recorder with an explicit uploader. Tests use this
// to avoid real AWS configuration.
func newRecorder(cfg appconfig.RecorderConfig, provider *stream.Provider, client uploader) *Recorder {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Recorder{
		cfg:      cfg,
		provider: provider,
		s3Client: client,
		log:      logger.GetLogger(),
		buffer:   make(map[string][]models.Bar),
		wg:       &sync.WaitGroup{},
		flushCh:  make(chan struct{}, 1),
	}
}

// Start subscribes to bars for the configured symbols and launches the
// flush worker.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("recorder already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("recorder").WithFields(logger.Fields{"operation": "start"})

	for _, symbol := range r.cfg.Symbols {
		id := r.provider.SubscribeBars(symbol, r.handleBar)
		r.mu.Lock()
		r.subIDs = append(r.subIDs, id)
		r.mu.Unlock()
	}

	r.wg.Add(1)
	go r.flushWorker()

	log.WithFields(logger.Fields{"symbols": r.cfg.Symbols}).Info("recorder started")
	return nil
}

// Stop cancels the bar subscriptions, flushes what is buffered, and
// waits for the flush worker to exit.
func (r *Recorder) Stop() {
	r.mu.Lock()
	r.running = false
	ids := r.subIDs
	r.subIDs = nil
	r.mu.Unlock()

	for _, id := range ids {
		r.provider.Unsubscribe(id)
	}

	r.log.WithComponent("recorder").Info("stopping recorder")
	r.wg.Wait()
	r.flushBuffers("shutdown")
	r.log.WithComponent("recorder").Info("recorder stopped")
}

// handleBar runs on a connection read loop, so it only appends to the
// buffer and nudges the flush worker when the batch threshold is hit.
func (r *Recorder) handleBar(bar models.Bar) {
	r.mu.Lock()
	r.buffer[bar.Symbol] = append(r.buffer[bar.Symbol], bar)
	r.buffered++
	full := r.buffered >= r.cfg.BatchSize
	r.mu.Unlock()

	if full {
		select {
		case r.flushCh <- struct{}{}:
		default:
		}
	}
}

func (r *Recorder) flushWorker() {
	defer r.wg.Done()

	log := r.log.WithComponent("recorder").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-ticker.C:
			r.flushBuffers("interval")
		case <-r.flushCh:
			r.flushBuffers("batch_size")
		}
	}
}

func (r *Recorder) flushBuffers(reason string) {
	r.mu.Lock()
	buffers := r.buffer
	r.buffer = make(map[string][]models.Bar)
	r.buffered = 0
	r.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	log := r.log.WithComponent("recorder").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	})
	log.Info("flushing bar buffers")

	for symbol, bars := range buffers {
		if len(bars) == 0 {
			continue
		}
		r.uploadBatch(symbol, bars)
	}
}

func (r *Recorder) uploadBatch(symbol string, bars []models.Bar) {
	log := r.log.WithComponent("recorder").WithFields(logger.Fields{
		"symbol":       symbol,
		"record_count": len(bars),
		"operation":    "upload_batch",
	})

	start := time.Now()
	data, err := createParquetFile(bars)
	if err != nil {
		atomic.AddInt64(&r.errorsCount, 1)
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	key := r.objectKey(symbol, start)
	ctx := r.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := r.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(r.cfg.S3.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}); err != nil {
		atomic.AddInt64(&r.errorsCount, 1)
		log.WithError(err).WithFields(logger.Fields{"s3_key": key}).Error("failed to upload parquet file")
		return
	}

	atomic.AddInt64(&r.uploads, 1)
	atomic.AddInt64(&r.rowsWritten, int64(len(bars)))
	logger.IncrementUpload(int64(len(data)))
	logger.LogPerformanceEntry(log, "recorder", "s3_upload", time.Since(start), logger.Fields{
		"s3_key":     key,
		"size_bytes": len(data),
	})
	logger.LogDataFlowEntry(log, "bar_buffer", "s3", len(bars), "bars")
}

func (r *Recorder) objectKey(symbol string, ts time.Time) string {
	prefix := r.cfg.S3.Prefix
	if prefix == "" {
		prefix = "bars"
	}
	return fmt.Sprintf("%s/%s/%s/%s.parquet", prefix, symbol, ts.UTC().Format("2006/01/02"), uuid.New().String())
}

// Stats reports upload counters for the status endpoint.
func (r *Recorder) Stats() (uploads, rows, errors int64) {
	return atomic.LoadInt64(&r.uploads), atomic.LoadInt64(&r.rowsWritten), atomic.LoadInt64(&r.errorsCount)
}

// createParquetFile encodes bars as an in-memory parquet file.
func createParquetFile(bars []models.Bar) ([]byte, error) {
	mfw := newMemoryFileWriter()
	pw, err := writer.NewParquetWriter(mfw, new(barRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, bar := range bars {
		rec := barRecord{
			Symbol:    bar.Symbol,
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			Volume:    bar.Volume,
			Timestamp: bar.Timestamp,
		}
		if err := pw.Write(rec); err != nil {
			return nil, fmt.Errorf("write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}

	return mfw.Bytes(), nil
}
