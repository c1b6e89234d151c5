// Package journal implements the append-only log that makes the cache
// durable.
//
// A journal is a header line followed by one JSON record per line. Every
// record is written with a single write call and is independently parsable,
// so a crash can only leave an incomplete final line, which replay drops.
package journal

import (
	_ "crypto/sha256" // digest.Parse checks algorithm availability
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/opencontainers/go-digest"
)

// File names used inside the cache directory.
const (
	Name       = "journal"
	TempName   = "journal.tmp"
	BackupName = "journal.bkp"
)

const (
	magic = "blobcache-journal"
	// Version is the journal format version written in the header.
	Version = 1
)

// Op is a journal opcode.
type Op string

// Opcodes.
const (
	OpDirty  Op = "DIRTY"
	OpClean  Op = "CLEAN"
	OpRemove Op = "REMOVE"
	OpRead   Op = "READ"
)

// Record is one journal line.
type Record struct {
	Op     Op     `json:"op"`
	Key    string `json:"key"`
	File   string `json:"file,omitempty"`
	Size   int64  `json:"size,omitempty"`
	Digest string `json:"digest,omitempty"`
}

type header struct {
	Magic    string `json:"magic"`
	Version  int    `json:"version"`
	Snapshot int    `json:"snapshot"`
}

var errMalformed = errors.New("journal: malformed record")

// IsJournalFile reports whether name belongs to the journal family.
func IsJournalFile(name string) bool {
	return name == Name || name == TempName || name == BackupName
}

// Dirty returns a record opening a write of key into file.
func Dirty(key, file string) Record {
	return Record{Op: OpDirty, Key: key, File: file}
}

// Clean returns a record committing key with its final size and digest.
func Clean(key, file string, size int64, dgst digest.Digest) Record {
	return Record{Op: OpClean, Key: key, File: file, Size: size, Digest: dgst.String()}
}

// Remove returns a record deleting key.
func Remove(key string) Record {
	return Record{Op: OpRemove, Key: key}
}

// Read returns a record noting an access to key.
func Read(key string) Record {
	return Record{Op: OpRead, Key: key}
}

func (r Record) validate() error {
	if r.Key == "" {
		return fmt.Errorf("%w: empty key", errMalformed)
	}
	switch r.Op {
	case OpDirty, OpClean:
		if r.File == "" || path.Base(r.File) != r.File || r.File == "." || r.File == ".." {
			return fmt.Errorf("%w: bad file name %q", errMalformed, r.File)
		}
	case OpRemove, OpRead:
	default:
		return fmt.Errorf("%w: unknown op %q", errMalformed, r.Op)
	}
	if r.Op == OpClean {
		if r.Size < 0 {
			return fmt.Errorf("%w: negative size", errMalformed)
		}
		if r.Digest != "" {
			if _, err := digest.Parse(r.Digest); err != nil {
				return fmt.Errorf("%w: %w", errMalformed, err)
			}
		}
	}
	return nil
}

func encodeLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func encodeHeader(snapshot int) ([]byte, error) {
	return encodeLine(header{Magic: magic, Version: Version, Snapshot: snapshot})
}
