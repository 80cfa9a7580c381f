// Package journal appends every emitted control frame to a JSONL file for
// offline inspection and replay diffing. It is write-only debug output;
// the core never reads it back.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/Sgas17/reth-exex-liquidity/internal/model"
)

// Journal writes one JSON object per frame.
type Journal struct {
	logger *zap.Logger

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

// Open creates or truncates the journal file.
func Open(path string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	return &Journal{
		logger: logger,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

// Broadcast records one frame. Journal failures never disturb the
// pipeline; they are logged and the frame is dropped from the journal only.
func (j *Journal) Broadcast(msg model.ControlMessage) {
	record, ok := frameRecord(msg)
	if !ok {
		return
	}
	line, err := json.Marshal(record)
	if err != nil {
		j.logger.Warn("journal marshal failed", zap.Error(err))
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.writer == nil {
		return
	}
	if _, err := j.writer.Write(line); err != nil {
		j.logger.Warn("journal write failed", zap.Error(err))
		return
	}
	if err := j.writer.WriteByte('\n'); err != nil {
		j.logger.Warn("journal write failed", zap.Error(err))
	}
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.writer == nil {
		return nil
	}
	err := j.writer.Flush()
	closeErr := j.file.Close()
	j.writer = nil
	j.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

func frameRecord(msg model.ControlMessage) (interface{}, bool) {
	switch m := msg.(type) {
	case model.BeginBlock:
		return struct {
			Frame string `json:"frame"`
			model.BeginBlock
		}{"begin_block", m}, true
	case model.PoolUpdate:
		return struct {
			Frame  string           `json:"frame"`
			Update model.PoolUpdate `json:"update"`
		}{"pool_update", m}, true
	case model.EndBlock:
		return struct {
			Frame string `json:"frame"`
			model.EndBlock
		}{"end_block", m}, true
	case model.Shutdown:
		return struct {
			Frame string `json:"frame"`
		}{"shutdown"}, true
	default:
		// Keepalives carry no information worth journaling.
		return nil, false
	}
}
