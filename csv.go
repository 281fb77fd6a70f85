package kvload

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

var samplesHeader = []string{"metric_name", "timestamp_ms", "metric_value", "handle"}

// CSVData thread safe csv writer over a file
type CSVData struct {
	mu        sync.Mutex
	f         *os.File
	CsvWriter *csv.Writer
}

func NewCSVData(f *os.File) *CSVData {
	return &CSVData{
		f:         f,
		CsvWriter: csv.NewWriter(f),
	}
}

// Write writes csv record
func (m *CSVData) Write(rec []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CsvWriter.Write(rec)
}

func (m *CSVData) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CsvWriter.Flush()
	return m.CsvWriter.Error()
}

// Close flushes and closes the file
func (m *CSVData) Close() error {
	if err := m.Flush(); err != nil {
		return err
	}
	return m.f.Close()
}

// SampleWriter writes every trend sample as a csv row
type SampleWriter struct {
	*CSVData
}

// NewSampleWriter creates or replaces the samples file and writes the header
func NewSampleWriter(fname string) (*SampleWriter, error) {
	f, err := CreateOrReplaceFile(fname)
	if err != nil {
		return nil, err
	}
	w := &SampleWriter{NewCSVData(f)}
	if err := w.CSVData.Write(samplesHeader); err != nil {
		return nil, err
	}
	return w, nil
}

// Write writes one sample
func (w *SampleWriter) Write(metric string, ts time.Time, value float64, handle string) error {
	return w.CSVData.Write([]string{
		metric,
		strconv.FormatInt(epochNowMillis(ts), 10),
		strconv.FormatFloat(value, 'f', 3, 64),
		handle,
	})
}

// Sample one row of a samples csv
type Sample struct {
	Metric string
	At     time.Time
	Value  float64
	Handle string
}

// ReadSamples parses samples written by SampleWriter
func ReadSamples(r io.Reader) ([]Sample, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(samplesHeader)
	samples := make([]Sample, 0)
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return samples, nil
		}
		if err != nil {
			return nil, err
		}
		if line == 1 && rec[0] == samplesHeader[0] {
			continue
		}
		ts, err := strconv.ParseInt(rec[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad timestamp: %w", line, err)
		}
		v, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad value: %w", line, err)
		}
		samples = append(samples, Sample{
			Metric: rec[0],
			At:     time.Unix(0, ts*int64(time.Millisecond)),
			Value:  v,
			Handle: rec[3],
		})
	}
}

func createFileOrAppend(fname string) (*os.File, error) {
	return os.OpenFile(fname, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

func CreateOrReplaceFile(fname string) (*os.File, error) {
	fpath, err := filepath.Abs(fname)
	if err != nil {
		return nil, err
	}
	_ = os.Remove(fpath)
	return os.Create(fpath)
}

// createDirIfNotExists create dir if not exists recursively
func createDirIfNotExists(dirPath string) error {
	return os.MkdirAll(dirPath, os.ModePerm)
}
