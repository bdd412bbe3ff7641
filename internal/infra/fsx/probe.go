package fsx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrSpaceUnknown 表示当前平台/文件系统无法给出可用空间（调用方应跳过该检查）。
var ErrSpaceUnknown = errors.New("fsx: free space unknown")

// freeSpaceFunc 可在测试中替换。
var freeSpaceFunc = freeSpace

// ProbeWritable 在 dst 所在目录写入并删除一个探针文件，确认有写权限。
// 探针名形如 "<dst>.probe-*"，无论成功与否都会被删除。
func ProbeWritable(dst string) error {
	dir := filepath.Dir(filepath.Clean(dst))
	f, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".probe-*")
	if err != nil {
		return fmt.Errorf("无法写入目标目录 %q：%w", dir, err)
	}
	name := f.Name()
	_, werr := f.Write([]byte("probe"))
	cerr := f.Close()
	rerr := os.Remove(name)
	if werr != nil {
		return fmt.Errorf("无法写入目标目录 %q：%w", dir, werr)
	}
	if cerr != nil {
		return cerr
	}
	return rerr
}

// FreeSpace 返回 path 所在文件系统对当前用户可用的字节数。
// 不支持的平台返回 ErrSpaceUnknown。
func FreeSpace(path string) (uint64, error) {
	return freeSpaceFunc(path)
}
