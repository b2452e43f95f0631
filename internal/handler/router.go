package handler

import (
	"net/http"
)

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// System endpoints
	mux.HandleFunc("/health", h.HandleHealthCheck)

	// API endpoints
	mux.HandleFunc("/api/stat", h.HandleStat)
	mux.HandleFunc("/api/lstat", h.HandleLstat)
	mux.HandleFunc("/api/readdir", h.HandleReadDir)
	mux.HandleFunc("/api/create_file", h.HandleCreateFile)
	mux.HandleFunc("/api/mkdir", h.HandleMkdir)
	mux.HandleFunc("/api/mknod", h.HandleMknod)
	mux.HandleFunc("/api/unlink", h.HandleUnlink)
	mux.HandleFunc("/api/rmdir", h.HandleRmdir)
	mux.HandleFunc("/api/read", h.HandleRead)
	mux.HandleFunc("/api/write", h.HandleWrite)
	mux.HandleFunc("/api/truncate", h.HandleTruncate)
	mux.HandleFunc("/api/link", h.HandleLink)
	mux.HandleFunc("/api/symlink", h.HandleSymlink)
	mux.HandleFunc("/api/readlink", h.HandleReadlink)
	mux.HandleFunc("/api/mount", h.HandleMount)
	mux.HandleFunc("/api/umount", h.HandleUnmount)
	mux.HandleFunc("/api/sync", h.HandleSync)
}
