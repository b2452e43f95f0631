package binary

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/http"

	"github.com/S1riyS/vfs-switch/internal/models"
)

// NameSize is the fixed width of a name field, including the terminating
// zero.
const NameSize = 256

// EncodeStat lays out st as little-endian fields in declaration order.
func EncodeStat(st *models.Stat) ([]byte, error) {
	buf := new(bytes.Buffer)

	fields := []struct {
		name  string
		value any
	}{
		{"device", st.Device},
		{"ino", st.Ino},
		{"mode", st.Mode},
		{"nlink", st.Nlink},
		{"uid", st.UID},
		{"gid", st.GID},
		{"rdev", st.Rdev},
		{"size", st.Size},
		{"mtime", st.Mtime},
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.LittleEndian, f.value); err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", f.name, err)
		}
	}

	return buf.Bytes(), nil
}

func DecodeStat(data []byte) (*models.Stat, error) {
	var st models.Stat
	r := bytes.NewReader(data)
	for _, p := range []any{&st.Device, &st.Ino, &st.Mode, &st.Nlink, &st.UID, &st.GID, &st.Rdev, &st.Size, &st.Mtime} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return nil, fmt.Errorf("failed to decode stat: %w", err)
		}
	}
	return &st, nil
}

func encodeName(buf *bytes.Buffer, name string) error {
	if len(name) >= NameSize {
		return fmt.Errorf("name too long: %d bytes", len(name))
	}
	// name (char[256], null-terminated, padded with zeros)
	nameBytes := make([]byte, NameSize)
	copy(nameBytes, name)
	_, err := buf.Write(nameBytes)
	return err
}

// EncodeDirents writes a uint32 count followed by one fixed-size record per
// entry.
func EncodeDirents(dirents []models.Dirent) ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, uint32(len(dirents))); err != nil {
		return nil, fmt.Errorf("failed to encode count: %w", err)
	}

	for _, d := range dirents {
		if err := encodeName(buf, d.Name); err != nil {
			return nil, fmt.Errorf("failed to encode name: %w", err)
		}
		// ino (uint32, 4 bytes)
		if err := binary.Write(buf, binary.LittleEndian, d.Ino); err != nil {
			return nil, fmt.Errorf("failed to encode ino: %w", err)
		}
		// device (uint32, 4 bytes)
		if err := binary.Write(buf, binary.LittleEndian, d.Device); err != nil {
			return nil, fmt.Errorf("failed to encode device: %w", err)
		}
	}

	return buf.Bytes(), nil
}

func DecodeDirents(data []byte) ([]models.Dirent, error) {
	r := bytes.NewReader(data)

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("failed to decode count: %w", err)
	}
	if int64(count)*(NameSize+8) > int64(r.Len()) {
		return nil, fmt.Errorf("truncated dirent list: %d entries in %d bytes", count, r.Len())
	}

	out := make([]models.Dirent, 0, count)
	name := make([]byte, NameSize)
	for i := uint32(0); i < count; i++ {
		var d models.Dirent
		if _, err := r.Read(name); err != nil {
			return nil, fmt.Errorf("failed to decode name: %w", err)
		}
		d.Name = string(bytes.TrimRight(name, "\x00"))
		if err := binary.Read(r, binary.LittleEndian, &d.Ino); err != nil {
			return nil, fmt.Errorf("failed to decode ino: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &d.Device); err != nil {
			return nil, fmt.Errorf("failed to decode device: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}

// WriteResponse frames data behind an int64 status: 0 on success, a
// negative errno otherwise.
func WriteResponse(w http.ResponseWriter, code int64, data []byte) error {
	response := new(bytes.Buffer)

	// status code (int64, 8 bytes)
	if err := binary.Write(response, binary.LittleEndian, code); err != nil {
		return fmt.Errorf("failed to write response code: %w", err)
	}

	if data != nil {
		if _, err := response.Write(data); err != nil {
			return fmt.Errorf("failed to write response data: %w", err)
		}
	}

	body := response.Bytes()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.WriteHeader(http.StatusOK)

	_, err := w.Write(body)
	return err
}

func WriteInt64Response(w http.ResponseWriter, code int64, value int64) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, value); err != nil {
		return err
	}
	return WriteResponse(w, code, buf.Bytes())
}

// ReadResponse splits a framed body into its status code and payload.
func ReadResponse(body []byte) (int64, []byte, error) {
	if len(body) < 8 {
		return 0, nil, fmt.Errorf("short response: %d bytes", len(body))
	}
	return int64(binary.LittleEndian.Uint64(body[:8])), body[8:], nil
}
