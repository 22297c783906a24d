package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"smsmaster/internal/domain"
	"smsmaster/pkg/logx"
)

// historyFile mirrors every recorded attempt to an append-only JSON-lines
// file. The wrapped store stays the source of truth: a failed append is
// logged, never returned.
type historyFile struct {
	Store

	fs   afero.Fs
	path string
	log  logx.Logger

	mu sync.Mutex
	f  afero.File
}

// WithHistoryFile wraps st so Record also appends to path on fs.
func WithHistoryFile(st Store, fs afero.Fs, path string, log logx.Logger) (Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("history file path is required")
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &historyFile{Store: st, fs: fs, path: path, log: log, f: f}, nil
}

func (h *historyFile) Record(ctx context.Context, a domain.DispatchAttempt) error {
	if err := h.Store.Record(ctx, a); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		return nil
	}
	if err := json.NewEncoder(h.f).Encode(a); err != nil {
		h.log.Warn("history file append failed", logx.String("path", h.path), logx.Err(err))
	}
	return nil
}

func (h *historyFile) Close() error {
	h.mu.Lock()
	var err1 error
	if h.f != nil {
		err1 = h.f.Close()
		h.f = nil
	}
	h.mu.Unlock()
	err2 := h.Store.Close()
	return errors.Join(err1, err2)
}

// ReadHistoryFile decodes a JSON-lines history file. Malformed lines (a torn
// final write) are skipped.
func ReadHistoryFile(fs afero.Fs, path string) ([]domain.DispatchAttempt, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []domain.DispatchAttempt
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var a domain.DispatchAttempt
		if err := json.Unmarshal([]byte(line), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, sc.Err()
}
