package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/meigma/blobcache/internal/lru"
)

// Result is the state rebuilt by Replay.
type Result struct {
	// Table holds the clean entries in recency order plus leftover pending writes.
	Table *lru.Table
	// HeaderOK is false when the header line is missing or unreadable; the
	// rest of the journal is ignored in that case.
	HeaderOK bool
	// Snapshot is the number of compacted records announced by the header.
	Snapshot int
	// Records counts complete record lines after the header, valid or not.
	Records int
	// Discarded counts complete lines that were malformed or did not apply.
	Discarded int
	// Truncated is set when the journal ends with an incomplete line.
	Truncated bool
	// ValidSize is the byte length of the complete prefix of the journal.
	ValidSize int64
}

// Complete reports whether the journal is a fully written compaction output.
func (r *Result) Complete() bool {
	return r.HeaderOK && !r.Truncated && r.Records == r.Snapshot
}

// Replay rebuilds the entry table from a journal. Malformed, unmatched and
// trailing incomplete records are skipped; only read errors are returned.
func Replay(r io.Reader) (*Result, error) {
	res := &Result{Table: lru.New()}
	br := bufio.NewReaderSize(r, 64<<10)

	line, complete, err := readLine(br)
	if err != nil {
		return nil, err
	}
	if !complete {
		res.Truncated = len(line) > 0
		return res, nil
	}
	var h header
	if jsonErr := json.Unmarshal(line, &h); jsonErr != nil || h.Magic != magic || h.Version != Version || h.Snapshot < 0 {
		return res, nil
	}
	res.HeaderOK = true
	res.Snapshot = h.Snapshot
	res.ValidSize = int64(len(line))

	for {
		line, complete, err = readLine(br)
		if err != nil {
			return nil, err
		}
		if !complete {
			res.Truncated = len(line) > 0
			return res, nil
		}
		res.ValidSize += int64(len(line))
		inSnapshot := res.Records < res.Snapshot
		res.Records++
		if !apply(res.Table, bytes.TrimSpace(line), inSnapshot) {
			res.Discarded++
		}
	}
}

// readLine returns the next line including its newline. complete is false
// when the input ended before a newline was seen.
func readLine(br *bufio.Reader) (line []byte, complete bool, err error) {
	line, err = br.ReadBytes('\n')
	if err == nil {
		return line, true, nil
	}
	if errors.Is(err, io.EOF) {
		return line, false, nil
	}
	return nil, false, err
}

func apply(t *lru.Table, line []byte, inSnapshot bool) bool {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return false
	}
	if err := rec.validate(); err != nil {
		return false
	}
	if inSnapshot {
		if rec.Op != OpClean {
			return false
		}
		t.Add(lru.Entry{Key: rec.Key, File: rec.File, Size: rec.Size, Digest: rec.Digest})
		return true
	}

	switch rec.Op {
	case OpDirty:
		t.Begin(rec.Key, rec.File)
		return true
	case OpClean:
		_, _, _, ok := t.Commit(rec.Key, rec.File, rec.Size, rec.Digest)
		return ok
	case OpRemove:
		_, removed := t.Remove(rec.Key)
		_, aborted := t.Abort(rec.Key)
		return removed || aborted
	case OpRead:
		_, ok := t.Touch(rec.Key)
		return ok
	}
	return false
}
