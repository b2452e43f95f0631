package models

import "time"

// Filesystem is one pgfs instance, identified by the token it is mounted
// from.
type Filesystem struct {
	Token     string
	RootIno   int64
	NextIno   int64
	CreatedAt time.Time
}

// Inode is a stored inode row.
type Inode struct {
	Ino   int64
	Token string
	Mode  uint32
	UID   uint32
	GID   uint32
	Size  int64
	Nlink uint32
	Rdev  uint64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// DirectoryEntry is one stored name in a directory, in insertion order.
type DirectoryEntry struct {
	ParentIno int64
	Name      string
	Ino       int64
}

// Stat is the wire form of inode metadata returned by the HTTP API.
type Stat struct {
	Device uint32 `json:"device" yaml:"device"`
	Ino    uint32 `json:"ino" yaml:"ino"`
	Mode   uint32 `json:"mode" yaml:"mode"`
	Nlink  uint32 `json:"nlink" yaml:"nlink"`
	UID    uint32 `json:"uid" yaml:"uid"`
	GID    uint32 `json:"gid" yaml:"gid"`
	Rdev   uint64 `json:"rdev" yaml:"rdev"`
	Size   int64  `json:"size" yaml:"size"`
	Mtime  int64  `json:"mtime" yaml:"mtime"`
}

// Dirent is the wire form of a directory entry.
type Dirent struct {
	Name   string `json:"name" yaml:"name"`
	Ino    uint32 `json:"ino" yaml:"ino"`
	Device uint32 `json:"device" yaml:"device"`
}
