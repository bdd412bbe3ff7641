package scan

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/John-Robertt/facesmudge/internal/domain"
	"github.com/sirupsen/logrus"
)

// ExportSuffix 是导出产物文件名的后缀（见 export.DefaultOutput）。
const ExportSuffix = "_smudged"

// Options 控制目录扫描。
type Options struct {
	// ExcludeDirs 相对 root（绝对路径按原样）；命中的目录整棵跳过。
	ExcludeDirs []string
	// IncludeExported 为 true 时不跳过 *_smudged.* 产物。
	IncludeExported bool
}

// ScanVideos 列出 root 下可打开的视频文件。
//
// 规则：
// - 隐藏文件与隐藏目录（. 开头）一律跳过：导出过程的临时文件就是隐藏的
// - 默认跳过已导出的 *_smudged.* 产物
// - 只做 stat（DirEntry.Info），不读文件内容
func ScanVideos(root string, opts Options) ([]domain.VideoFile, error) {
	root = filepath.Clean(root)
	excluded := buildExcluded(root, opts.ExcludeDirs)

	files := make([]domain.VideoFile, 0, 32)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if isExcluded(path, excluded) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		name := d.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if !IsVideoExt(ext) {
			return nil
		}
		base := strings.TrimSuffix(name, filepath.Ext(name))
		if !opts.IncludeExported && strings.HasSuffix(base, ExportSuffix) {
			logrus.WithFields(logrus.Fields{
				"function": "ScanVideos",
				"path":     path,
			}).Debug("Skipping exported output")
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		files = append(files, domain.VideoFile{
			AbsPath: path,
			RelPath: rel,
			Base:    base,
			Ext:     ext,
			Size:    info.Size(),
			ModUnix: info.ModTime().Unix(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 稳定输出，不依赖文件系统的遍历顺序。
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, nil
}

// IsVideoExt 判断扩展名（小写，含点）是否是支持的视频容器。
func IsVideoExt(ext string) bool {
	switch ext {
	case ".mp4", ".mov", ".m4v", ".mkv", ".avi", ".webm":
		return true
	default:
		return false
	}
}

func buildExcluded(root string, excludeDirs []string) []string {
	excluded := make([]string, 0, len(excludeDirs))
	for _, x := range excludeDirs {
		x = strings.TrimSpace(x)
		if x == "" {
			continue
		}
		if filepath.IsAbs(x) {
			excluded = append(excluded, filepath.Clean(x))
			continue
		}
		excluded = append(excluded, filepath.Clean(filepath.Join(root, x)))
	}
	sort.Strings(excluded)
	return excluded
}

func isExcluded(path string, excluded []string) bool {
	path = filepath.Clean(path)
	for _, base := range excluded {
		if isUnder(path, base) {
			return true
		}
	}
	return false
}

func isUnder(path, base string) bool {
	if path == base {
		return true
	}
	return strings.HasPrefix(path, base+string(filepath.Separator))
}
