package handler

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/S1riyS/vfs-switch/internal/models"
	"github.com/S1riyS/vfs-switch/internal/pkg/kerrors"
	"github.com/S1riyS/vfs-switch/internal/service"
	"github.com/S1riyS/vfs-switch/pkg/binary"
	"github.com/S1riyS/vfs-switch/pkg/logging"
	"github.com/S1riyS/vfs-switch/pkg/logging/slogext"
)

var (
	codeEINVAL = -int64(kerrors.EINVAL)
	codeENOMEM = -int64(kerrors.ENOMEM)
)

type Handler struct {
	service service.FileSystemService
}

func NewHandler(service service.FileSystemService) *Handler {
	return &Handler{service: service}
}

// query pulls required parameters out of the request, answering EINVAL for
// the first one that is missing.
func query(w http.ResponseWriter, r *http.Request, names ...string) (map[string]string, bool) {
	q := r.URL.Query()
	out := make(map[string]string, len(names))
	for _, name := range names {
		v := q.Get(name)
		if v == "" {
			logging.GetLoggerFromContext(r.Context()).Debug("Missing required parameter", slog.String("name", name))
			binary.WriteResponse(w, codeEINVAL, nil)
			return nil, false
		}
		out[name] = v
	}
	return out, true
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func parseMode(w http.ResponseWriter, s string) (uint32, bool) {
	mode, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		binary.WriteResponse(w, codeEINVAL, nil)
		return 0, false
	}
	return uint32(mode), true
}

func parseInt64(w http.ResponseWriter, s string) (int64, bool) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		binary.WriteResponse(w, codeEINVAL, nil)
		return 0, false
	}
	return v, true
}

func (h *Handler) writeStatOrError(w http.ResponseWriter, r *http.Request, op string, st *models.Stat, err error) {
	if err != nil {
		writeError(w, err)
		return
	}

	data, err := binary.EncodeStat(st)
	if err != nil {
		logging.GetLoggerFromContextWithOp(r.Context(), op).Error("Failed to encode stat", slogext.Err(err))
		binary.WriteResponse(w, codeENOMEM, nil)
		return
	}
	binary.WriteResponse(w, 0, data)
}

func writeError(w http.ResponseWriter, err error) {
	binary.WriteResponse(w, kerrors.Code(err), nil)
}

func (h *Handler) HandleStat(w http.ResponseWriter, r *http.Request) {
	const op = "handler.HandleStat"

	if !allowGet(w, r) {
		return
	}
	params, ok := query(w, r, "path")
	if !ok {
		return
	}

	st, err := h.service.Stat(r.Context(), params["path"])
	h.writeStatOrError(w, r, op, st, err)
}

// HandleLstat is HandleStat without following a trailing symlink.
func (h *Handler) HandleLstat(w http.ResponseWriter, r *http.Request) {
	const op = "handler.HandleLstat"

	if !allowGet(w, r) {
		return
	}
	params, ok := query(w, r, "path")
	if !ok {
		return
	}

	st, err := h.service.Lstat(r.Context(), params["path"])
	h.writeStatOrError(w, r, op, st, err)
}

func (h *Handler) HandleReadDir(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	const op = "handler.HandleReadDir"

	if !allowGet(w, r) {
		return
	}
	params, ok := query(w, r, "path")
	if !ok {
		return
	}

	dirents, err := h.service.ReadDir(ctx, params["path"])
	if err != nil {
		writeError(w, err)
		return
	}

	data, err := binary.EncodeDirents(dirents)
	if err != nil {
		logging.GetLoggerFromContextWithOp(ctx, op).Error("Failed to encode dirents", slogext.Err(err))
		binary.WriteResponse(w, codeENOMEM, nil)
		return
	}

	binary.WriteResponse(w, 0, data)
}

func (h *Handler) HandleCreateFile(w http.ResponseWriter, r *http.Request) {
	const op = "handler.HandleCreateFile"

	if !allowGet(w, r) {
		return
	}
	params, ok := query(w, r, "path", "mode")
	if !ok {
		return
	}
	mode, ok := parseMode(w, params["mode"])
	if !ok {
		return
	}

	st, err := h.service.CreateFile(r.Context(), params["path"], mode)
	h.writeStatOrError(w, r, op, st, err)
}

func (h *Handler) HandleMkdir(w http.ResponseWriter, r *http.Request) {
	const op = "handler.HandleMkdir"

	if !allowGet(w, r) {
		return
	}
	params, ok := query(w, r, "path", "mode")
	if !ok {
		return
	}
	mode, ok := parseMode(w, params["mode"])
	if !ok {
		return
	}

	st, err := h.service.Mkdir(r.Context(), params["path"], mode)
	h.writeStatOrError(w, r, op, st, err)
}

func (h *Handler) HandleMknod(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	params, ok := query(w, r, "path", "mode")
	if !ok {
		return
	}
	mode, ok := parseMode(w, params["mode"])
	if !ok {
		return
	}
	var rdev uint64
	if s := r.URL.Query().Get("rdev"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			binary.WriteResponse(w, codeEINVAL, nil)
			return
		}
		rdev = v
	}

	if err := h.service.Mknod(r.Context(), params["path"], mode, rdev); err != nil {
		writeError(w, err)
		return
	}
	binary.WriteResponse(w, 0, nil)
}

func (h *Handler) HandleUnlink(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	params, ok := query(w, r, "path")
	if !ok {
		return
	}

	if err := h.service.Unlink(r.Context(), params["path"]); err != nil {
		writeError(w, err)
		return
	}
	binary.WriteResponse(w, 0, nil)
}

func (h *Handler) HandleRmdir(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	params, ok := query(w, r, "path")
	if !ok {
		return
	}

	if err := h.service.Rmdir(r.Context(), params["path"]); err != nil {
		writeError(w, err)
		return
	}
	binary.WriteResponse(w, 0, nil)
}

func (h *Handler) HandleRead(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	params, ok := query(w, r, "path", "len", "offset")
	if !ok {
		return
	}
	length, ok := parseInt64(w, params["len"])
	if !ok {
		return
	}
	offset, ok := parseInt64(w, params["offset"])
	if !ok {
		return
	}

	data, err := h.service.Read(r.Context(), params["path"], offset, length)
	if err != nil {
		writeError(w, err)
		return
	}
	binary.WriteResponse(w, 0, data)
}

func (h *Handler) HandleWrite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	const op = "handler.HandleWrite"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	if !allowGet(w, r) {
		return
	}
	params, ok := query(w, r, "path", "offset", "data")
	if !ok {
		return
	}
	offset, ok := parseInt64(w, params["offset"])
	if !ok {
		return
	}

	data, err := base64.StdEncoding.DecodeString(params["data"])
	if err != nil {
		logger.Warn("Failed to decode base64 data", slogext.Err(err))
		binary.WriteResponse(w, codeEINVAL, nil)
		return
	}

	written, err := h.service.Write(ctx, params["path"], data, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	binary.WriteInt64Response(w, 0, written)
}

func (h *Handler) HandleTruncate(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	params, ok := query(w, r, "path", "size")
	if !ok {
		return
	}
	size, ok := parseInt64(w, params["size"])
	if !ok {
		return
	}

	if err := h.service.Truncate(r.Context(), params["path"], size); err != nil {
		writeError(w, err)
		return
	}
	binary.WriteResponse(w, 0, nil)
}

func (h *Handler) HandleLink(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	params, ok := query(w, r, "old", "new")
	if !ok {
		return
	}

	if err := h.service.Link(r.Context(), params["old"], params["new"]); err != nil {
		writeError(w, err)
		return
	}
	binary.WriteResponse(w, 0, nil)
}

func (h *Handler) HandleSymlink(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	params, ok := query(w, r, "target", "path")
	if !ok {
		return
	}

	if err := h.service.Symlink(r.Context(), params["target"], params["path"]); err != nil {
		writeError(w, err)
		return
	}
	binary.WriteResponse(w, 0, nil)
}

func (h *Handler) HandleReadlink(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	params, ok := query(w, r, "path")
	if !ok {
		return
	}

	target, err := h.service.Readlink(r.Context(), params["path"])
	if err != nil {
		writeError(w, err)
		return
	}
	binary.WriteResponse(w, 0, []byte(target))
}

func (h *Handler) HandleMount(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	params, ok := query(w, r, "fstype", "path")
	if !ok {
		return
	}
	var flags uint32
	if s := r.URL.Query().Get("flags"); s != "" {
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			binary.WriteResponse(w, codeEINVAL, nil)
			return
		}
		flags = uint32(v)
	}

	source := r.URL.Query().Get("source")
	if err := h.service.Mount(r.Context(), params["fstype"], source, params["path"], flags); err != nil {
		writeError(w, err)
		return
	}
	binary.WriteResponse(w, 0, nil)
}

func (h *Handler) HandleUnmount(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	params, ok := query(w, r, "path")
	if !ok {
		return
	}

	if err := h.service.Unmount(r.Context(), params["path"]); err != nil {
		writeError(w, err)
		return
	}
	binary.WriteResponse(w, 0, nil)
}

func (h *Handler) HandleSync(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if err := h.service.Sync(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	binary.WriteResponse(w, 0, nil)
}

func (h *Handler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	response := `{"status":"ok","service":"vfs-switch"}`
	w.Write([]byte(response))
}
