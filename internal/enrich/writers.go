package enrich

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
)

// runWriters streams one run's three row-level artifacts. Every persisted
// record is flushed through to disk so an interrupted run leaves valid
// partial files for the next run to reuse.
type runWriters struct {
	jsonlFile *os.File
	csvFile   *os.File
	logFile   *os.File
	jsonl     *bufio.Writer
	rows      *csv.Writer
	log       *csv.Writer
}

func newRunWriters(paths contentPaths) (*runWriters, error) {
	w := &runWriters{}
	var err error
	if w.jsonlFile, err = os.Create(paths.jsonl); err != nil {
		return nil, fmt.Errorf("write %s: %w", filepath.Base(paths.jsonl), err)
	}
	if w.csvFile, err = os.Create(paths.csv); err != nil {
		w.close()
		return nil, fmt.Errorf("write %s: %w", filepath.Base(paths.csv), err)
	}
	if w.logFile, err = os.Create(paths.log); err != nil {
		w.close()
		return nil, fmt.Errorf("write %s: %w", filepath.Base(paths.log), err)
	}
	w.jsonl = bufio.NewWriter(w.jsonlFile)
	w.rows = csv.NewWriter(w.csvFile)
	w.log = csv.NewWriter(w.logFile)

	if err := w.rows.Write(contentCSVColumns); err != nil {
		w.close()
		return nil, fmt.Errorf("write %s: %w", filepath.Base(paths.csv), err)
	}
	if err := w.log.Write(contentLogColumns); err != nil {
		w.close()
		return nil, fmt.Errorf("write %s: %w", filepath.Base(paths.log), err)
	}
	return w, nil
}

func (w *runWriters) persist(rec *Record, logRow []string) error {
	rec.normalize()
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode content record %s: %w", rec.CanonicalID, err)
	}
	w.jsonl.Write(line)
	w.jsonl.WriteByte('\n')
	if err := w.jsonl.Flush(); err != nil {
		return fmt.Errorf("write content jsonl: %w", err)
	}

	if err := w.rows.Write(rec.csvRow()); err != nil {
		return fmt.Errorf("write content csv: %w", err)
	}
	w.rows.Flush()
	if err := w.rows.Error(); err != nil {
		return fmt.Errorf("write content csv: %w", err)
	}

	if err := w.log.Write(logRow); err != nil {
		return fmt.Errorf("write enrich log: %w", err)
	}
	w.log.Flush()
	if err := w.log.Error(); err != nil {
		return fmt.Errorf("write enrich log: %w", err)
	}
	return nil
}

// close is safe to call twice; the second call is a no-op.
func (w *runWriters) close() error {
	var firstErr error
	for _, f := range []**os.File{&w.jsonlFile, &w.csvFile, &w.logFile} {
		if *f == nil {
			continue
		}
		if err := (*f).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		*f = nil
	}
	return firstErr
}
