package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// rotatingWriter is an io.WriteCloser that rotates the log file when it
// exceeds maxSize bytes or when rotate is called. The rotated file is
// renamed with a timestamp suffix.
type rotatingWriter struct {
	mu       sync.Mutex
	filename string
	maxSize  int64
	file     *os.File
	size     int64
}

// newRotatingWriter opens filename for appending. maxSizeMB 0 disables
// size-based rotation.
func newRotatingWriter(filename string, maxSizeMB int64) (*rotatingWriter, error) {
	w := &rotatingWriter{
		filename: filename,
		maxSize:  maxSizeMB * 1024 * 1024,
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *rotatingWriter) openFile() error {
	f, err := os.OpenFile(w.filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.file = f
	w.size = fi.Size()
	return nil
}

func (w *rotatingWriter) rotateLocked() error {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	newName := w.filename + "." + time.Now().Format("20060102-150405.000")
	_ = os.Rename(w.filename, newName)
	return w.openFile()
}

// rotate moves the current file aside unless it is empty.
func (w *rotatingWriter) rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.size == 0 {
		return nil
	}
	return w.rotateLocked()
}

func (w *rotatingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.maxSize > 0 && w.size+int64(len(p)) > w.maxSize && w.size > 0 {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}
	if w.file == nil {
		return 0, os.ErrClosed
	}
	n, err = w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}

// scheduleRotation rotates every writer on the cron schedule. The returned
// scheduler is already started.
func scheduleRotation(schedule string, log zerolog.Logger, writers ...*rotatingWriter) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		for _, w := range writers {
			if err := w.rotate(); err != nil {
				log.Error().Err(err).Str("path", w.filename).Msg("scheduled log rotation failed")
				continue
			}
			log.Debug().Str("path", w.filename).Msg("log rotated")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule log rotation: %w", err)
	}
	c.Start()
	return c, nil
}

// newLogger builds the server logger writing to stdout and, when
// configured, to a rotating file. The file writer is returned so the caller
// can close and rotate it.
func newLogger(cfg LogConfig, stdout io.Writer) (zerolog.Logger, *rotatingWriter, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	var console io.Writer = stdout
	if cfg.Format == "console" {
		console = zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.RFC3339}
	}
	writers := []io.Writer{console}

	var file *rotatingWriter
	if cfg.File != "" {
		if file, err = newRotatingWriter(cfg.File, cfg.RotateSizeMB); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to open log file %q: %w", cfg.File, err)
		}
		writers = append(writers, file)
	}
	log := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().Str("component", "icapd").
		Logger()
	return log, file, nil
}

// newAccessLog opens the access log file. It returns a nil logger when no
// file is configured.
func newAccessLog(cfg LogConfig) (*zerolog.Logger, *rotatingWriter, error) {
	if cfg.AccessFile == "" {
		return nil, nil, nil
	}
	w, err := newRotatingWriter(cfg.AccessFile, cfg.RotateSizeMB)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open access log %q: %w", cfg.AccessFile, err)
	}
	log := zerolog.New(w).With().Timestamp().Logger()
	return &log, w, nil
}
