package job

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"contentsync/internal/model"
)

// RecordType distinguishes the records of a job log.
type RecordType string

const (
	RecordStart RecordType = "start"
	RecordLog   RecordType = "log"
	RecordState RecordType = "state"
	RecordEnd   RecordType = "end"
)

// Result is the outcome of a job, written in its end record.
type Result struct {
	Stages []model.StageResult `json:"stages"`
	Error  string              `json:"error,omitempty"`
}

// Record is one line of a job log.
type Record struct {
	Type       RecordType `json:"type"`
	Time       time.Time  `json:"time"`
	JobID      string     `json:"job_id,omitempty"`
	PipelineID string     `json:"pipeline_id,omitempty"`
	DryRun     bool       `json:"dry_run,omitempty"`
	Level      string     `json:"level,omitempty"`
	Message    string     `json:"message,omitempty"`
	State      State      `json:"state,omitempty"`
	Result     *Result    `json:"result,omitempty"`
}

// Log appends records to a job log file. Each record is written with a
// single unbuffered write, so readers never see a partial record except at
// the very end of the file.
type Log struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	closed bool
}

// CreateLog creates a new log; it fails if the file already exists.
func CreateLog(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create job log: %w", err)
	}
	return &Log{f: f, path: path}, nil
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Append writes one record.
func (l *Log) Append(rec Record) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode log record: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return os.ErrClosed
	}
	if _, err := l.f.Write(data); err != nil {
		return fmt.Errorf("failed to append log record: %w", err)
	}
	return nil
}

// Close closes the file. Appends after Close fail with os.ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.f.Close()
}

// ReadLog returns the complete records after byte offset and the offset to
// continue from. A trailing record still being written is left for the next
// call.
func ReadLog(path string, offset int64) ([]Record, int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, offset, ErrUnknownJob
	}
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, offset, err
	}
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil, offset, nil
	}
	data = data[:end+1]

	var records []Record
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return records, offset, fmt.Errorf("corrupted job log %s: %w", path, err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return records, offset, err
	}
	return records, offset + int64(len(data)), nil
}

// Summary is the state of a job reconstructed from its log.
type Summary struct {
	JobID      string     `json:"job_id"`
	PipelineID string     `json:"pipeline_id"`
	DryRun     bool       `json:"dry_run,omitempty"`
	State      State      `json:"state"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Result     *Result    `json:"result,omitempty"`
}

// Summarize replays records into a Summary.
func Summarize(records []Record) Summary {
	var s Summary
	for _, rec := range records {
		switch rec.Type {
		case RecordStart:
			s.JobID, s.PipelineID, s.DryRun = rec.JobID, rec.PipelineID, rec.DryRun
			s.StartedAt, s.State = rec.Time, StateRunning
		case RecordState:
			s.State = rec.State
		case RecordEnd:
			t := rec.Time
			s.State, s.FinishedAt, s.Result = rec.State, &t, rec.Result
		}
	}
	return s
}
