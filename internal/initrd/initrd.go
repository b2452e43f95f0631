// Package initrd populates a VFS from a tar image at boot. Images may be
// plain, gzip, zstd or lz4 compressed; the format is detected from the
// leading magic bytes.
package initrd

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/sys/unix"

	"github.com/S1riyS/vfs-switch/internal/pkg/kerrors"
	"github.com/S1riyS/vfs-switch/internal/vfs"
	"github.com/S1riyS/vfs-switch/pkg/logging"
)

type Format int

const (
	FormatTar Format = iota
	FormatGzip
	FormatZstd
	FormatLZ4
)

func (f Format) String() string {
	switch f {
	case FormatTar:
		return "tar"
	case FormatGzip:
		return "gzip"
	case FormatZstd:
		return "zstd"
	case FormatLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", int(f))
	}
}

var (
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicLZ4  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// Detect guesses the compression of an image from its first bytes.
func Detect(head []byte) Format {
	switch {
	case bytes.HasPrefix(head, magicZstd):
		return FormatZstd
	case bytes.HasPrefix(head, magicLZ4):
		return FormatLZ4
	case bytes.HasPrefix(head, magicGzip):
		return FormatGzip
	default:
		return FormatTar
	}
}

// decompress wraps r in the decoder matching its magic. The returned close
// function releases decoder resources.
func decompress(r io.Reader) (io.Reader, func(), Format, error) {
	br := bufio.NewReader(r)
	// A short image is left for the tar reader to reject.
	head, _ := br.Peek(len(magicZstd))

	format := Detect(head)
	switch format {
	case FormatZstd:
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, format, err
		}
		return dec, dec.Close, format, nil
	case FormatLZ4:
		return lz4.NewReader(br), func() {}, format, nil
	case FormatGzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, format, err
		}
		return zr, func() { _ = zr.Close() }, format, nil
	default:
		return br, func() {}, format, nil
	}
}

// Stats counts what an unpack created.
type Stats struct {
	Dirs     int
	Files    int
	Symlinks int
	Links    int
	Nodes    int
	Skipped  int
	Bytes    int64
}

// UnpackFile unpacks the image at file into dest.
func UnpackFile(ctx context.Context, v *vfs.VFS, ns *vfs.Namespace, file, dest string) (Stats, error) {
	const op = "initrd.UnpackFile"

	f, err := os.Open(file)
	if err != nil {
		return Stats{}, fmt.Errorf("%s: %w", op, err)
	}
	defer f.Close()

	return Unpack(ctx, v, ns, f, dest)
}

// Unpack extracts every entry of the image in r below dest, which must be an
// existing directory. Existing directories are reused and existing regular
// files are overwritten.
func Unpack(ctx context.Context, v *vfs.VFS, ns *vfs.Namespace, r io.Reader, dest string) (Stats, error) {
	const op = "initrd.Unpack"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	src, closeSrc, format, err := decompress(r)
	if err != nil {
		return Stats{}, fmt.Errorf("%s: open %s image: %w", op, format, err)
	}
	defer closeSrc()

	u := &unpacker{v: v, ns: ns, dest: dest, buf: make([]byte, 32<<10)}
	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return u.stats, fmt.Errorf("%s: %w", op, err)
		}
		if err := u.entry(ctx, hdr, tr); err != nil {
			return u.stats, fmt.Errorf("%s: %s: %w", op, hdr.Name, err)
		}
	}

	logger.Info("Unpacked initrd",
		slog.String("format", format.String()),
		slog.String("dest", dest),
		slog.Int("dirs", u.stats.Dirs),
		slog.Int("files", u.stats.Files),
		slog.Int("symlinks", u.stats.Symlinks),
		slog.Int("links", u.stats.Links),
		slog.Int("nodes", u.stats.Nodes),
		slog.Int64("bytes", u.stats.Bytes),
	)
	return u.stats, nil
}

var nodeModes = map[byte]uint32{
	tar.TypeChar:  vfs.ModeChar,
	tar.TypeBlock: vfs.ModeBlock,
	tar.TypeFifo:  vfs.ModeFIFO,
}

type unpacker struct {
	v     *vfs.VFS
	ns    *vfs.Namespace
	dest  string
	buf   []byte
	stats Stats
}

func (u *unpacker) target(name string) string {
	return path.Join(u.dest, path.Clean("/"+name))
}

func (u *unpacker) entry(ctx context.Context, hdr *tar.Header, body io.Reader) error {
	logger := logging.GetLoggerFromContextWithOp(ctx, "initrd.unpacker.entry")

	target := u.target(hdr.Name)
	perm := uint32(hdr.Mode) & vfs.ModePerm

	switch hdr.Typeflag {
	case tar.TypeDir:
		if target != path.Clean(u.dest) {
			_, err := u.v.Mkdir(ctx, u.ns, target, perm)
			if err != nil && !errors.Is(err, kerrors.EEXIST) {
				return err
			}
		}
		u.stats.Dirs++

	case tar.TypeReg:
		if err := u.file(ctx, target, perm, body); err != nil {
			return err
		}
		u.stats.Files++

	case tar.TypeSymlink:
		if err := u.v.Symlink(ctx, u.ns, hdr.Linkname, target); err != nil {
			return err
		}
		u.stats.Symlinks++

	case tar.TypeLink:
		// A hard link shares the metadata of its first name.
		if err := u.v.Link(ctx, u.ns, u.target(hdr.Linkname), target); err != nil {
			return err
		}
		u.stats.Links++
		return nil

	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		mode := nodeModes[hdr.Typeflag]
		rdev := unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor))
		if err := u.v.Mknod(ctx, u.ns, target, mode|perm, rdev); err != nil {
			return err
		}
		u.stats.Nodes++

	default:
		logger.Debug("Skipping unsupported entry",
			slog.String("name", hdr.Name),
			slog.String("type", string(hdr.Typeflag)),
		)
		u.stats.Skipped++
		return nil
	}

	uid, gid := uint32(hdr.Uid), uint32(hdr.Gid)
	mtime := hdr.ModTime
	return u.v.Setattr(ctx, u.ns, target, vfs.Attr{Perm: &perm, UID: &uid, GID: &gid, Mtime: &mtime})
}

func (u *unpacker) file(ctx context.Context, target string, perm uint32, body io.Reader) error {
	_, err := u.v.Create(ctx, u.ns, target, perm)
	switch {
	case errors.Is(err, kerrors.EEXIST):
		if err := u.v.Truncate(ctx, u.ns, target, 0); err != nil {
			return err
		}
	case err != nil:
		return err
	}

	var off int64
	for {
		n, rerr := body.Read(u.buf)
		if n > 0 {
			if _, err := u.v.Write(ctx, u.ns, target, u.buf[:n], off); err != nil {
				return err
			}
			off += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	u.stats.Bytes += off
	return nil
}
