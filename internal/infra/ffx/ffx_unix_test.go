//go:build unix

package ffx

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript 写出一个可执行 sh 脚本，用来替代真实的 ffmpeg/ffprobe。
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return p
}

func TestRunner_CapturesOutputAndLines(t *testing.T) {
	dir := t.TempDir()
	sh := writeScript(t, dir, "tool", `echo one; echo two; echo oops 1>&2`)

	lines := make(chan Line, 8)
	res, err := Runner{Lines: lines}.Run(context.Background(), 5*time.Second, sh)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(res.Stdout))
	assert.Equal(t, "oops\n", string(res.Stderr))

	close(lines)
	var got []string
	for l := range lines {
		got = append(got, l.Stream+":"+l.Text)
	}
	assert.ElementsMatch(t, []string{"stdout:one", "stdout:two", "stderr:oops"}, got)
}

func TestRunner_WriterForLongRunningProcess(t *testing.T) {
	lines := make(chan Line, 8)
	w := Runner{Lines: lines}.Writer("/usr/bin/ffmpeg", "stderr")
	_, _ = w.Write([]byte("frame=1\r\nfra"))
	_, _ = w.Write([]byte("me=2\npartial"))
	w.Flush()
	close(lines)

	var got []string
	for l := range lines {
		assert.Equal(t, "ffmpeg", l.Tool)
		got = append(got, l.Stream+":"+l.Text)
	}
	assert.Equal(t, []string{"stderr:frame=1", "stderr:frame=2", "stderr:partial"}, got)
	assert.Equal(t, "frame=1\r\nframe=2\npartial", w.String())

	// 没有队列时只保留输出
	quiet := Runner{}.Writer("ffmpeg", "stderr")
	_, _ = quiet.Write([]byte("x\n"))
	quiet.Flush()
	assert.Equal(t, "x\n", quiet.String())
}

func TestRunner_NonZeroExit(t *testing.T) {
	dir := t.TempDir()
	sh := writeScript(t, dir, "tool", `echo bad input 1>&2; exit 3`)

	_, err := Runner{}.Run(context.Background(), 5*time.Second, sh)
	var te *ToolError
	require.True(t, errors.As(err, &te), "期望 ToolError，实际 %T %v", err, err)
	assert.Equal(t, 3, te.ExitCode)
	assert.False(t, te.Timeout)
	assert.Contains(t, te.Error(), "bad input")
}

func TestRunner_TimeoutKills(t *testing.T) {
	dir := t.TempDir()
	sh := writeScript(t, dir, "tool", `sleep 10`)

	started := time.Now()
	_, err := Runner{}.Run(context.Background(), 200*time.Millisecond, sh)
	require.Error(t, err)
	assert.True(t, IsTimeout(err), "期望超时错误，实际 %v", err)
	assert.Less(t, time.Since(started), 5*time.Second, "超时后不应继续等待子进程")
}

func TestRunner_RejectsUnboundedTimeout(t *testing.T) {
	_, err := Runner{}.Run(context.Background(), 0, "/bin/true")
	assert.Error(t, err)
}

func TestToolchain_HasAudio(t *testing.T) {
	dir := t.TempDir()
	withAudio := writeScript(t, dir, "ffprobe-a", `echo audio`)
	noAudio := writeScript(t, dir, "ffprobe-n", `exit 0`)

	ok, err := Toolchain{FFprobe: withAudio}.HasAudio(context.Background(), "in.mp4")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Toolchain{FFprobe: noAudio}.HasAudio(context.Background(), "in.mp4")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = Toolchain{}.HasAudio(context.Background(), "in.mp4")
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestToolchain_ExtractAudio_ValidatesSize(t *testing.T) {
	dir := t.TempDir()
	// 最后一个参数是输出路径。
	big := writeScript(t, dir, "ffmpeg-big", `for a; do last=$a; done; head -c 4096 /dev/zero > "$last"`)
	small := writeScript(t, dir, "ffmpeg-small", `for a; do last=$a; done; printf x > "$last"`)

	out := filepath.Join(dir, "a.mka")
	require.NoError(t, Toolchain{FFmpeg: big}.ExtractAudio(context.Background(), "in.mp4", out))

	out2 := filepath.Join(dir, "b.mka")
	assert.Error(t, Toolchain{FFmpeg: small}.ExtractAudio(context.Background(), "in.mp4", out2))
}

func TestLocate_ConfiguredMustExist(t *testing.T) {
	_, err := Locate("ffmpeg", filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestLocate_BundledNextToExecutable(t *testing.T) {
	dir := t.TempDir()
	bundled := writeScript(t, dir, "ffprobe", `exit 0`)

	oldExe, oldLook := executableFunc, lookPathFunc
	executableFunc = func() (string, error) { return filepath.Join(dir, "smudge"), nil }
	lookPathFunc = func(string) (string, error) { return "", errors.New("not on PATH") }
	defer func() { executableFunc, lookPathFunc = oldExe, oldLook }()

	p, err := Locate("ffprobe", "")
	require.NoError(t, err)
	assert.Equal(t, bundled, p)

	_, err = Locate("ffmpeg", "")
	assert.ErrorIs(t, err, ErrToolNotFound)
}
