package sidecar

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/John-Robertt/facesmudge/internal/domain"
	"github.com/John-Robertt/facesmudge/internal/infra/fsx"
	"github.com/sirupsen/logrus"
)

// Ext 是操作 sidecar 的文件名后缀：<video>.smudge.json。
const Ext = ".smudge.json"

// Store 读写视频旁的操作 sidecar。
//
// 约束：
// - ReadOnly=true 时只允许读（CLI 的 export 只读 sidecar）
// - 写入一律原子替换：失败时旧文件保持原样
type Store struct {
	ReadOnly bool
}

var ErrReadOnly = errors.New("sidecar: read-only")

func New(readOnly bool) Store {
	return Store{ReadOnly: readOnly}
}

// OpsPath 返回 video 对应的 sidecar 绝对路径。
func (s Store) OpsPath(video string) (string, error) {
	video = strings.TrimSpace(video)
	if video == "" {
		return "", fmt.Errorf("video 路径不能为空")
	}
	abs, err := filepath.Abs(video)
	if err != nil {
		return "", err
	}
	return abs + Ext, nil
}

// ReadOps 读取并校验 sidecar；不存在时 ok=false 且不报错。
func (s Store) ReadOps(video string) (domain.OpsFile, bool, error) {
	path, err := s.OpsPath(video)
	if err != nil {
		return domain.OpsFile{}, false, err
	}
	return ReadFile(path)
}

// ReadFile 读取任意位置的 sidecar（CLI 的 --ops 参数）。
func ReadFile(path string) (domain.OpsFile, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.OpsFile{}, false, nil
		}
		return domain.OpsFile{}, false, err
	}
	f, err := domain.DecodeOps(b)
	if err != nil {
		return domain.OpsFile{}, false, fmt.Errorf("sidecar 无效 %s：%w", path, err)
	}
	logrus.WithFields(logrus.Fields{
		"function":   "ReadFile",
		"path":       path,
		"operations": len(f.Operations),
	}).Debug("Loaded operations sidecar")
	return f, true, nil
}

// WriteOps 把 ops 写到 video 的 sidecar。
func (s Store) WriteOps(video string, ops []domain.SmudgeOperation) error {
	if s.ReadOnly {
		return ErrReadOnly
	}
	path, err := s.OpsPath(video)
	if err != nil {
		return err
	}
	b, err := domain.EncodeOps(filepath.Base(video), ops)
	if err != nil {
		return err
	}
	if err := fsx.CheckFileTarget(path); err != nil {
		return err
	}
	dir, name := filepath.Split(path)
	return fsx.WriteFileAtomic(dir, name, b)
}

// Remove 删除 video 的 sidecar；不存在不算错误。
func (s Store) Remove(video string) error {
	if s.ReadOnly {
		return ErrReadOnly
	}
	path, err := s.OpsPath(video)
	if err != nil {
		return err
	}
	return fsx.RemoveIfExists(path)
}
