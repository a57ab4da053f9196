package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/erpkernel/erpkernel/internal/domain/audit"
)

// ErrChecksumMismatch marks a line whose content does not match its checksum.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// body is the checksummed part of a line.
type body struct {
	Seq uint64 `json:"seq"`
	audit.Record
}

// line is one persisted JSON line: the sequence number, the flat record
// and an xxhash64 of the JSON encoding of both.
type line struct {
	Seq uint64 `json:"seq"`
	audit.Record
	Checksum string `json:"checksum"`
}

func encodeLine(seq uint64, rec audit.Record) ([]byte, error) {
	b, err := json.Marshal(body{Seq: seq, Record: rec})
	if err != nil {
		return nil, fmt.Errorf("marshal audit record: %w", err)
	}
	data, err := json.Marshal(line{Seq: seq, Record: rec, Checksum: checksum(b)})
	if err != nil {
		return nil, fmt.Errorf("marshal audit line: %w", err)
	}
	return append(data, '\n'), nil
}

// decodeLine parses raw and verifies its checksum.
func decodeLine(raw []byte) (line, error) {
	var l line
	if err := json.Unmarshal(raw, &l); err != nil {
		return line{}, fmt.Errorf("malformed line: %w", err)
	}
	b, err := json.Marshal(body{Seq: l.Seq, Record: l.Record})
	if err != nil {
		return line{}, fmt.Errorf("re-encode line: %w", err)
	}
	if got := checksum(b); got != l.Checksum {
		return l, fmt.Errorf("%w: seq %d: stored %s, computed %s", ErrChecksumMismatch, l.Seq, l.Checksum, got)
	}
	return l, nil
}

func checksum(b []byte) string {
	return strconv.FormatUint(xxhash.Sum64(b), 16)
}
