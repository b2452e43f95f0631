package vfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/S1riyS/vfs-switch/internal/pkg/kerrors"
	"github.com/S1riyS/vfs-switch/pkg/codec"
)

// Dirent is a directory entry as returned by DirentFinder and packed into
// DirReader blobs.
type Dirent struct {
	InodeID  InodeID  `cbor:"1,keyasint"`
	DeviceID DeviceID `cbor:"2,keyasint"`
	Name     string   `cbor:"3,keyasint"`
	// RecLen is the encoded size of the record, filled in by EncodeDirent
	// and DecodeDirents.
	RecLen int `cbor:"-"`
}

// EncodeDirent packs d as one read_dir record.
func EncodeDirent(d Dirent) ([]byte, error) {
	rec, err := codec.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode dirent %q: %w", d.Name, err)
	}
	return rec, nil
}

// DecodeDirents unpacks the records of a read_dir blob.
func DecodeDirents(buf []byte) ([]Dirent, error) {
	var out []Dirent

	r := bytes.NewReader(buf)
	dec := codec.NewDecoder(r)
	consumed := 0
	for {
		var d Dirent
		if err := dec.Decode(&d); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("decode dirent at %d: %w", consumed, err)
		}
		n := dec.NumBytesRead()
		d.RecLen = n - consumed
		consumed = n
		out = append(out, d)
	}
}

// PackDirents encodes ds into buf as a DirReader would, starting at the
// record that begins at byte offset off. Only whole records are written.
// An offset inside a record is rejected with EINVAL.
func PackDirents(ds []Dirent, buf []byte, off int64) (int, error) {
	var pos int64
	written := 0
	for _, d := range ds {
		rec, err := EncodeDirent(d)
		if err != nil {
			return written, err
		}
		if pos < off {
			pos += int64(len(rec))
			continue
		}
		if pos != off && written == 0 {
			return 0, kerrors.New(kerrors.EINVAL, "offset inside a directory record")
		}
		if written+len(rec) > len(buf) {
			break
		}
		written += copy(buf[written:], rec)
		pos += int64(len(rec))
	}
	return written, nil
}

// DirentRecLen is the encoded size of d.
func DirentRecLen(d Dirent) int {
	rec, err := EncodeDirent(d)
	if err != nil {
		return 0
	}
	return len(rec)
}
