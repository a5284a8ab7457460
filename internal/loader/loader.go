// Package loader lands daily transaction files into the raw and curated
// transaction tables and records each run.
package loader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/streamforge/internal/event"
	"github.com/gyaneshwarpardhi/streamforge/internal/sink"
	"github.com/gyaneshwarpardhi/streamforge/internal/transform"
)

// RunRecorder stores the outcome of a load.
type RunRecorder interface {
	RecordRun(ctx context.Context, r sink.Run) error
}

// Config tunes a Loader.
type Config struct {
	Pipeline string
	Workers  int // files parsed concurrently
}

// Loader parses transaction files and writes them through a dual writer.
type Loader struct {
	cfg    Config
	writer *sink.DualWriter[event.RawTransaction, event.FactTransaction]
	runs   RunRecorder
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Loader.
func New(cfg Config, writer *sink.DualWriter[event.RawTransaction, event.FactTransaction], runs RunRecorder, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		cfg:    cfg,
		writer: writer,
		runs:   runs,
		logger: logger.With("component", "loader", "pipeline", cfg.Pipeline),
		now:    time.Now,
	}
}

// Result summarises one load run.
type Result struct {
	RunID    string           `json:"run_id"`
	Files    int              `json:"files"`
	Rows     int              `json:"rows"`
	Rejected int              `json:"rejected"`
	Write    sink.WriteOutcome `json:"write"`
}

type fileJob struct {
	index int
	path  string
}

type fileRows struct {
	rows     []event.RawTransaction
	rejected int
}

// Load parses every file, writes the valid rows and records the run. A file
// that cannot be read fails the whole run; individual invalid rows are
// rejected and counted.
func (l *Loader) Load(ctx context.Context, paths []string) (Result, error) {
	started := l.now().UTC()
	res := Result{RunID: uuid.New().String(), Files: len(paths)}
	logger := l.logger.With("run_id", res.RunID)
	logger.Info("load started", "files", len(paths))

	err := l.load(ctx, paths, started, &res)
	run := sink.Run{
		ID:            res.RunID,
		Pipeline:      l.cfg.Pipeline,
		StartedAt:     started,
		FinishedAt:    l.now().UTC(),
		Status:        sink.RunSucceeded,
		RowsProcessed: int64(res.Rows),
	}
	if err != nil {
		run.Status = sink.RunFailed
		run.Error = err.Error()
	}
	if rerr := l.runs.RecordRun(context.WithoutCancel(ctx), run); rerr != nil {
		err = errors.Join(err, rerr)
	}
	if err != nil {
		logger.Error("load failed", "err", err)
		return res, err
	}
	logger.Info("load completed", "rows", res.Rows, "rejected", res.Rejected, "attempts", res.Write.Attempts)
	return res, nil
}

func (l *Loader) load(ctx context.Context, paths []string, ingestedAt time.Time, res *Result) error {
	results := make(chan jobResult[fileJob, fileRows], len(paths))
	pool := newWorkerPool[fileJob, fileRows](ctx, l.cfg.Workers, len(paths),
		func(ctx context.Context, j fileJob) (fileRows, error) {
			return l.parseFile(ctx, j.path, ingestedAt)
		},
	)
	for i, p := range paths {
		pool.Submit(fileJob{index: i, path: p}, results)
	}
	pool.Drain()
	close(results)
	if err := ctx.Err(); err != nil {
		return err
	}

	perFile := make([]fileRows, len(paths))
	var errs []error
	for r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		perFile[r.payload.index] = r.value
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	var raw []event.RawTransaction
	seen := make(map[string]bool)
	for _, f := range perFile {
		res.Rejected += f.rejected
		for _, tx := range f.rows {
			if seen[tx.TxID] {
				continue
			}
			seen[tx.TxID] = true
			raw = append(raw, tx)
		}
	}
	facts := make([]event.FactTransaction, len(raw))
	for i, tx := range raw {
		facts[i] = transform.FactTransaction(tx)
	}

	out, err := l.writer.Write(ctx, raw, facts)
	res.Write = out
	if err != nil {
		return err
	}
	res.Rows = len(raw)
	return nil
}

func (l *Loader) parseFile(ctx context.Context, path string, ingestedAt time.Time) (fileRows, error) {
	f, err := os.Open(path)
	if err != nil {
		return fileRows{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	head, err := r.Read()
	if err != nil {
		return fileRows{}, fmt.Errorf("read header %s: %w", path, err)
	}
	header, err := transform.NewHeader(head)
	if err != nil {
		return fileRows{}, fmt.Errorf("%s: %w", path, err)
	}

	name := filepath.Base(path)
	var out fileRows
	for line := 2; ; line++ {
		if err := ctx.Err(); err != nil {
			return fileRows{}, err
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fileRows{}, fmt.Errorf("read %s: %w", path, err)
		}
		tx, err := transform.ParseTransaction(header, rec, name, ingestedAt)
		if err != nil {
			out.rejected++
			l.logger.Debug("row rejected", "file", name, "line", line, "err", err)
			continue
		}
		out.rows = append(out.rows, tx)
	}
	return out, nil
}
