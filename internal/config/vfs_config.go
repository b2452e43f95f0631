package config

type VFSConfig struct {
	InodeCacheSize   int `yaml:"inode_cache_size" env-default:"256"`
	InodeTableSize   int `yaml:"inode_table_size" env-default:"64"`
	DirCacheSize     int `yaml:"dir_cache_size" env-default:"512"`
	DirTableSize     int `yaml:"dir_table_size" env-default:"128"`
	MaxPathRecursion int `yaml:"max_path_recursion" env-default:"8"`
	MaxNameLength    int `yaml:"max_name_length" env-default:"256"`

	RootFSType string `yaml:"root_fs_type" env-default:"ramfs"`
	RootDevice string `yaml:"root_device"`
}

// MountConfig is a filesystem attached during boot, after the initrd.
type MountConfig struct {
	FSType string `yaml:"fstype"`
	Device string `yaml:"device"`
	Path   string `yaml:"path"`
	Flags  uint32 `yaml:"flags"`
}

type InitrdConfig struct {
	Path string `yaml:"path" env:"VFS_INITRD"`
}

type FuseConfig struct {
	Mountpoint string `yaml:"mountpoint" env:"VFS_FUSE_MOUNTPOINT"`
	Debug      bool   `yaml:"debug"`
}
