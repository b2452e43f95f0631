package handler

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/S1riyS/vfs-switch/internal/fs/ramfs"
	"github.com/S1riyS/vfs-switch/internal/pkg/kerrors"
	"github.com/S1riyS/vfs-switch/internal/service"
	"github.com/S1riyS/vfs-switch/internal/vfs"
	"github.com/S1riyS/vfs-switch/pkg/binary"
	"github.com/S1riyS/vfs-switch/pkg/logging"
)

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()

	ctx := logging.MakeContextWithDiscardLogger(context.Background())
	v := vfs.New(vfs.DefaultOptions())
	if err := ramfs.Register(ctx, v); err != nil {
		t.Fatalf("register ramfs: %v", err)
	}
	if err := v.Initialize(ctx, ramfs.FSType, ""); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	ns := v.NewNamespace()
	t.Cleanup(func() {
		v.Close(ctx, ns)
		_ = v.Shutdown(ctx)
	})

	mux := http.NewServeMux()
	NewHandler(service.NewFileSystemService(v, ns)).RegisterRoutes(mux)
	return mux
}

// call issues a GET and returns the decoded status and payload.
func call(t *testing.T, mux *http.ServeMux, endpoint string, params url.Values) (int64, []byte) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, endpoint+"?"+params.Encode(), nil)
	req = req.WithContext(logging.MakeContextWithDiscardLogger(req.Context()))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("%s: HTTP %d", endpoint, rec.Code)
	}
	code, payload, err := binary.ReadResponse(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("%s: %v", endpoint, err)
	}
	return code, payload
}

func TestCreateWriteRead(t *testing.T) {
	mux := newTestMux(t)

	code, payload := call(t, mux, "/api/create_file", url.Values{"path": {"/f"}, "mode": {"644"}})
	if code != 0 {
		t.Fatalf("create_file code = %d", code)
	}
	st, err := binary.DecodeStat(payload)
	if err != nil {
		t.Fatalf("DecodeStat: %v", err)
	}
	if st.Mode != vfs.ModeRegular|0o644 {
		t.Errorf("mode = %#o", st.Mode)
	}

	code, payload = call(t, mux, "/api/write", url.Values{
		"path":   {"/f"},
		"offset": {"0"},
		"data":   {base64.StdEncoding.EncodeToString([]byte("payload"))},
	})
	if code != 0 || len(payload) != 8 || payload[0] != 7 {
		t.Fatalf("write = %d %v", code, payload)
	}

	code, payload = call(t, mux, "/api/read", url.Values{"path": {"/f"}, "len": {"3"}, "offset": {"4"}})
	if code != 0 || string(payload) != "oad" {
		t.Errorf("read = %d %q", code, payload)
	}
}

func TestErrorsMapToNegativeErrno(t *testing.T) {
	mux := newTestMux(t)

	tests := []struct {
		name     string
		endpoint string
		params   url.Values
		want     int64
	}{
		{name: "missing param", endpoint: "/api/stat", params: url.Values{}, want: -int64(kerrors.EINVAL)},
		{name: "bad mode", endpoint: "/api/mkdir", params: url.Values{"path": {"/d"}, "mode": {"9z"}}, want: -int64(kerrors.EINVAL)},
		{name: "missing file", endpoint: "/api/stat", params: url.Values{"path": {"/nope"}}, want: -int64(kerrors.ENOENT)},
		{name: "bad base64", endpoint: "/api/write", params: url.Values{"path": {"/"}, "offset": {"0"}, "data": {"!!"}}, want: -int64(kerrors.EINVAL)},
		{name: "unmount root", endpoint: "/api/umount", params: url.Values{"path": {"/"}}, want: -int64(kerrors.EBUSY)},
		{name: "mount over root", endpoint: "/api/mount", params: url.Values{"fstype": {"ramfs"}, "path": {"/"}}, want: -int64(kerrors.EBUSY)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _ := call(t, mux, tt.endpoint, tt.params); code != tt.want {
				t.Errorf("code = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestReadDirAndSymlink(t *testing.T) {
	mux := newTestMux(t)

	if code, _ := call(t, mux, "/api/mkdir", url.Values{"path": {"/d"}, "mode": {"755"}}); code != 0 {
		t.Fatalf("mkdir code = %d", code)
	}
	if code, _ := call(t, mux, "/api/symlink", url.Values{"target": {"/d"}, "path": {"/l"}}); code != 0 {
		t.Fatalf("symlink code = %d", code)
	}

	code, payload := call(t, mux, "/api/readdir", url.Values{"path": {"/"}})
	if code != 0 {
		t.Fatalf("readdir code = %d", code)
	}
	entries, err := binary.DecodeDirents(payload)
	if err != nil {
		t.Fatalf("DecodeDirents: %v", err)
	}
	if len(entries) != 4 || entries[2].Name != "d" || entries[3].Name != "l" {
		t.Errorf("entries = %+v", entries)
	}

	code, payload = call(t, mux, "/api/readlink", url.Values{"path": {"/l"}})
	if code != 0 || string(payload) != "/d" {
		t.Errorf("readlink = %d %q", code, payload)
	}

	code, payload = call(t, mux, "/api/lstat", url.Values{"path": {"/l"}})
	st, _ := binary.DecodeStat(payload)
	if code != 0 || st.Mode&vfs.ModeType != vfs.ModeSymlink {
		t.Errorf("lstat = %d mode %#o", code, st.Mode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	mux := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/stat?path=/", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d", rec.Code)
	}
}
