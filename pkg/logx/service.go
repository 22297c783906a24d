package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

// FileConfig enables the JSON-lines file sink.
type FileConfig struct {
	Enabled bool
	Path    string
}

const (
	defaultFilePath = "./smsmaster.log"
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
)

var globalsOnce sync.Once

func setGlobals() {
	globalsOnce.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = timeFormat
	})
}

// Option adjusts a Service before the first Apply.
type Option func(*Service)

// WithFs opens the log file through fs instead of the OS filesystem.
func WithFs(fs afero.Fs) Option { return func(s *Service) { s.fs = fs } }

// WithConsole sends console output to w instead of stdout.
func WithConsole(w io.Writer) Option { return func(s *Service) { s.console = w } }

// Service owns the sinks. It is safe for concurrent use.
type Service struct {
	fs      afero.Fs
	console io.Writer
	root    atomic.Pointer[zerolog.Logger]

	mu       sync.Mutex
	file     afero.File
	filePath string
}

// New builds the service and applies cfg. A file sink that cannot be opened
// is reported through the returned logger, which then writes to the console.
func New(cfg Config, opts ...Option) (*Service, Logger) {
	s := &Service{fs: afero.NewOsFs(), console: os.Stdout}
	for _, o := range opts {
		o(s)
	}
	log := Logger{svc: s}
	if err := s.Apply(cfg); err != nil {
		log.Warn("log file unavailable, logging to console", Err(err))
	}
	return s, log
}

// Apply swaps level and sinks. The file stays open across calls that keep
// its path. When it cannot be opened the console takes over and the error
// is returned.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	var ferr error
	if cfg.File.Enabled {
		if ferr = s.openFile(cfg.File.Path); ferr == nil {
			sinks = append(sinks, zerolog.SyncWriter(s.file))
		}
	}
	if !cfg.File.Enabled || ferr != nil {
		s.closeFile()
	}
	if cfg.Console || len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(s.console))
	}

	zl := newZerolog(zerolog.MultiLevelWriter(sinks...), parseLevel(cfg.Level))
	s.root.Store(&zl)
	return ferr
}

func (s *Service) openFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultFilePath
	}
	if s.file != nil && s.filePath == path {
		return nil
	}
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("log file %s: %w", path, err)
	}
	f, err := s.fs.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("log file %s: %w", path, err)
	}
	s.closeFile()
	s.file, s.filePath = f, path
	return nil
}

func (s *Service) closeFile() {
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file, s.filePath = nil, ""
}

// Close releases the file sink. File events logged after Close are dropped.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.filePath = nil, ""
	return err
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: timeFormat,
		FormatCaller: func(i any) string {
			c, _ := i.(string)
			return c
		},
	}
}
