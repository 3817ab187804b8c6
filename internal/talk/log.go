package talk

import (
	"bytes"
	"encoding/json"
	"io"
	"os"

	"github.com/rs/zerolog"
)

const (
	wholeFileLimit = 64 * 1024 // below this, load the whole log and slice
	scanChunkSize  = 16 * 1024 // backward-read chunk for large logs
)

// readAllLines decodes every parseable JSONL record in path into out elements.
// Corrupt lines are skipped with a warning; a missing file yields an empty slice.
func readAllLines[T any](path string, logger zerolog.Logger) []T {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", path).Msg("failed to read log")
		}
		return nil
	}
	var out []T
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			logger.Warn().Str("path", path).Msg("skipping corrupt log line")
			continue
		}
		out = append(out, rec)
	}
	return out
}

// readRecentLines returns the last n parseable records of a JSONL file in
// chronological order. Small files are loaded whole; larger ones are scanned
// backward in fixed-size chunks with a carry buffer for the partial first line
// of each chunk, stopping once n records are collected.
func readRecentLines[T any](path string, n int, logger zerolog.Logger) []T {
	if n <= 0 {
		return nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if fi.Size() < wholeFileLimit {
		all := readAllLines[T](path, logger)
		if len(all) > n {
			all = all[len(all)-n:]
		}
		return all
	}

	f, err := os.Open(path)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("failed to open log")
		return nil
	}
	defer f.Close()

	var collected []T // newest first
	carry := []byte{} // bytes belonging to a line split across chunks
	offset := fi.Size()

	for offset > 0 && len(collected) < n {
		size := int64(scanChunkSize)
		if offset < size {
			size = offset
		}
		offset -= size
		chunk := make([]byte, size)
		if _, err := f.ReadAt(chunk, offset); err != nil && err != io.EOF {
			logger.Warn().Err(err).Str("path", path).Msg("failed backward read")
			break
		}
		buf := append(chunk, carry...)
		lines := bytes.Split(buf, []byte{'\n'})
		// The first element may be the tail of a line continuing in the
		// previous (earlier) chunk; carry it unless we're at offset 0.
		start := 0
		if offset > 0 {
			carry = append([]byte{}, lines[0]...)
			start = 1
		} else {
			carry = nil
		}
		for i := len(lines) - 1; i >= start && len(collected) < n; i-- {
			line := bytes.TrimSpace(lines[i])
			if len(line) == 0 {
				continue
			}
			var rec T
			if err := json.Unmarshal(line, &rec); err != nil {
				logger.Warn().Str("path", path).Msg("skipping corrupt log line")
				continue
			}
			collected = append(collected, rec)
		}
	}

	// Reverse to chronological order.
	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	return collected
}
