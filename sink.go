package chainlog

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/klauspost/compress/gzip"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// Sink is the destination side of a QueueHandler: it receives whole batches
// of formatted records. Sinks are driven by the handler's single consumer
// goroutine, so implementations do not need to be safe for concurrent use.
type Sink interface {
	// Name identifies the sink in error reports.
	Name() string

	// Open acquires the destination resource.
	Open() error

	// WriteBatch writes one batch of formatted records. Called once per
	// accumulated batch; implementations should amortize their I/O across
	// the whole batch.
	WriteBatch(batch [][]byte) error

	// Close flushes and releases the destination resource. Idempotent.
	Close() error
}

// sinkBufferSize is the bufio size used by the file and writer sinks.
const sinkBufferSize = 32 * 1024

// WriterSink batches records into an arbitrary writer. The zero-value
// destination is the process error stream.
type WriterSink struct {
	name string
	w    io.Writer
	bw   *bufio.Writer
}

// NewWriterSink creates a sink writing to w.
func NewWriterSink(name string, w io.Writer) *WriterSink {
	if w == nil {
		w = os.Stderr
	}
	return &WriterSink{name: name, w: w}
}

// Name implements Sink.
func (s *WriterSink) Name() string { return s.name }

// Open implements Sink.
func (s *WriterSink) Open() error {
	if s.bw == nil {
		s.bw = bufio.NewWriterSize(s.w, sinkBufferSize)
	}
	return nil
}

// WriteBatch writes every record followed by a newline and flushes once.
func (s *WriterSink) WriteBatch(batch [][]byte) error {
	if s.bw == nil {
		if err := s.Open(); err != nil {
			return err
		}
	}
	for _, rec := range batch {
		if _, err := s.bw.Write(rec); err != nil {
			return err
		}
		if _, err := s.bw.Write(recordTerminator); err != nil {
			return err
		}
	}
	return s.bw.Flush()
}

// Close flushes buffered data. The underlying writer is not closed; the
// sink does not own it.
func (s *WriterSink) Close() error {
	if s.bw == nil {
		return nil
	}
	return s.bw.Flush()
}

// FileSink appends batches to a file, guarding each batch write with a
// flock advisory lock so cooperating processes do not interleave records.
// With compression enabled the stream is gzip-encoded (one continuous
// member, flushed per batch).
type FileSink struct {
	path     string
	compress bool

	file *os.File
	lock *flock.Flock
	bw   *bufio.Writer
	gz   *gzip.Writer
	out  io.Writer
}

// FileSinkOption configures a FileSink.
type FileSinkOption func(*FileSink)

// WithCompression enables gzip encoding of the sink's output stream.
func WithCompression() FileSinkOption {
	return func(s *FileSink) { s.compress = true }
}

// NewFileSink creates a sink appending to path.
func NewFileSink(path string, opts ...FileSinkOption) *FileSink {
	s := &FileSink{path: filepath.Clean(path)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements Sink.
func (s *FileSink) Name() string { return "file:" + s.path }

// Open creates the directory and opens the file for append.
func (s *FileSink) Open() error {
	if s.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrap(err, "create log directory")
	}
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open log file")
	}
	s.file = file
	s.lock = flock.New(s.path)
	s.bw = bufio.NewWriterSize(file, sinkBufferSize)
	if s.compress {
		s.gz = gzip.NewWriter(s.bw)
		s.out = s.gz
	} else {
		s.out = s.bw
	}
	return nil
}

// WriteBatch appends the batch under the file lock and flushes.
func (s *FileSink) WriteBatch(batch [][]byte) error {
	if s.file == nil {
		if err := s.Open(); err != nil {
			return err
		}
	}
	if err := s.lock.Lock(); err != nil {
		return errors.Wrap(err, "acquire file lock")
	}
	defer func() {
		_ = s.lock.Unlock()
	}()

	for _, rec := range batch {
		if _, err := s.out.Write(rec); err != nil {
			return err
		}
		if _, err := s.out.Write(recordTerminator); err != nil {
			return err
		}
	}
	if s.gz != nil {
		if err := s.gz.Flush(); err != nil {
			return err
		}
	}
	return s.bw.Flush()
}

// Close flushes and closes the file. Idempotent.
func (s *FileSink) Close() error {
	if s.file == nil {
		return nil
	}
	if s.gz != nil {
		if err := s.gz.Close(); err != nil {
			return errors.Wrap(err, "close gzip stream")
		}
		s.gz = nil
	}
	if err := s.bw.Flush(); err != nil {
		return errors.Wrap(err, "flush log file")
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		return errors.Wrap(err, "close log file")
	}
	return nil
}

// natsFlushTimeout bounds how long a batch waits for broker acknowledgment.
const natsFlushTimeout = 5 * time.Second

// NATSSink publishes each record of a batch to a NATS subject and flushes
// the connection once per batch, so a batch costs one network round trip
// regardless of its length.
type NATSSink struct {
	url     string
	subject string
	opts    []nats.Option
	conn    *nats.Conn
}

// NewNATSSink creates a sink publishing to subject on the server at url.
// Additional nats.Option values (credentials, TLS, reconnect tuning) are
// passed through to the connection.
func NewNATSSink(url, subject string, opts ...nats.Option) *NATSSink {
	return &NATSSink{url: url, subject: subject, opts: opts}
}

// Name implements Sink.
func (s *NATSSink) Name() string { return "nats:" + s.subject }

// Subject returns the target subject.
func (s *NATSSink) Subject() string { return s.subject }

// Open connects to the NATS server.
func (s *NATSSink) Open() error {
	if s.conn != nil {
		return nil
	}
	conn, err := nats.Connect(s.url, s.opts...)
	if err != nil {
		return errors.Wrapf(err, "connect to %s", s.url)
	}
	s.conn = conn
	return nil
}

// WriteBatch publishes every record and flushes the connection.
func (s *NATSSink) WriteBatch(batch [][]byte) error {
	if s.conn == nil {
		if err := s.Open(); err != nil {
			return err
		}
	}
	for _, rec := range batch {
		if err := s.conn.Publish(s.subject, rec); err != nil {
			return errors.Wrap(err, "publish record")
		}
	}
	return s.conn.FlushTimeout(natsFlushTimeout)
}

// Close flushes outstanding publishes and closes the connection.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.FlushTimeout(natsFlushTimeout)
	s.conn.Close()
	s.conn = nil
	return err
}
