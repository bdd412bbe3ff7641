package ffx

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrToolNotFound 表示配置路径、可执行文件旁、PATH 三处都找不到工具。
var ErrToolNotFound = errors.New("ffx: tool not found")

// 可替换，便于测试“随程序打包”的查找分支。
var (
	lookPathFunc   = exec.LookPath
	executableFunc = os.Executable
)

// Locate 按固定顺序查找外部工具：
// 1) configured（配置文件/CLI 显式给出，非空时必须存在，不再回退）
// 2) 与当前可执行文件同目录（随程序打包）
// 3) PATH
func Locate(name, configured string) (string, error) {
	configured = strings.TrimSpace(configured)
	if configured != "" {
		if isExecutableFile(configured) {
			return configured, nil
		}
		return "", fmt.Errorf("%w：%s（配置路径 %q 不可执行）", ErrToolNotFound, name, configured)
	}

	bin := name
	if runtime.GOOS == "windows" && !strings.HasSuffix(strings.ToLower(bin), ".exe") {
		bin += ".exe"
	}
	if exe, err := executableFunc(); err == nil {
		cand := filepath.Join(filepath.Dir(exe), bin)
		if isExecutableFile(cand) {
			return cand, nil
		}
	}

	p, err := lookPathFunc(name)
	if err != nil {
		return "", fmt.Errorf("%w：%s", ErrToolNotFound, name)
	}
	return p, nil
}

func isExecutableFile(p string) bool {
	fi, err := os.Stat(p)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return fi.Mode().Perm()&0o111 != 0
}
