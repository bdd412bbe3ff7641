//go:build unix

package export

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/facesmudge/internal/domain"
	"github.com/John-Robertt/facesmudge/internal/infra/ffx"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return p
}

// fakeFFmpeg: -version 打印版本；编码调用先读空 stdin；其余调用把 4KB 写到最后一个参数（输出路径）。
// muxExit 非 0 时，带 -shortest 的调用（mux）以该退出码失败。
func fakeTools(t *testing.T, probeOut string, muxExit string) ffx.Toolchain {
	dir := t.TempDir()
	ffmpeg := writeScript(t, dir, "ffmpeg", `
for last; do :; done
case "$*" in
  *-version*) echo "ffmpeg version 6.1-fake"; exit 0 ;;
  *rawvideo*) cat > /dev/null ;;
  *-shortest*) if [ "`+muxExit+`" != "0" ]; then echo "mux error" 1>&2; : > "$last"; exit `+muxExit+`; fi ;;
esac
head -c 4096 /dev/zero > "$last"`)
	ffprobe := writeScript(t, dir, "ffprobe", probeOut)
	return ffx.Toolchain{FFmpeg: ffmpeg, FFprobe: ffprobe}
}

func assertNoLeftovers(t *testing.T, f *fixture, want ...string) {
	t.Helper()
	assert.Empty(t, listDir(t, f.tempDir), "临时目录必须清理")
	var names []string
	for _, n := range listDir(t, f.outDir) {
		assert.False(t, strings.HasPrefix(n, "."), "残留隐藏临时文件 %s", n)
		names = append(names, n)
	}
	assert.ElementsMatch(t, want, names)
}

func TestRun_AudioPreserved(t *testing.T) {
	stubPreflight(t, 1<<40, nil)
	f := newFixture(t, 16, 16, 10)
	p := Pipeline{
		Tools:      fakeTools(t, `echo audio`, "0"),
		NewEncoder: checkFactory(nil, 0, nil),
		TempDir:    f.tempDir,
	}
	rep := p.Run(context.Background(), f.request(sampleOp(2)))

	require.True(t, rep.OK(), "%s: %s", rep.ErrorCode, rep.ErrorMsg)
	assert.True(t, rep.AudioPreserved)
	assert.Empty(t, rep.AudioNote)
	assert.EqualValues(t, 4096, rep.OutputBytes)
	assertNoLeftovers(t, f, "clip_smudged.mp4")
}

func TestRun_NoAudioStream(t *testing.T) {
	stubPreflight(t, 1<<40, nil)
	f := newFixture(t, 16, 16, 10)
	p := Pipeline{
		Tools:      fakeTools(t, `exit 0`, "0"),
		NewEncoder: checkFactory(nil, 0, nil),
		TempDir:    f.tempDir,
	}
	rep := p.Run(context.Background(), f.request(sampleOp(2)))

	require.True(t, rep.OK(), rep.ErrorMsg)
	assert.False(t, rep.AudioPreserved)
	assert.Equal(t, domain.AudioNoteNoStream, rep.AudioNote)
	assertNoLeftovers(t, f, "clip_smudged.mp4")
}

func TestRun_ProbeFailureDowngrades(t *testing.T) {
	stubPreflight(t, 1<<40, nil)
	f := newFixture(t, 16, 16, 4)
	p := Pipeline{
		Tools:      fakeTools(t, `exit 2`, "0"),
		NewEncoder: checkFactory(nil, 0, nil),
		TempDir:    f.tempDir,
	}
	rep := p.Run(context.Background(), f.request(sampleOp(0)))
	require.True(t, rep.OK(), rep.ErrorMsg)
	assert.Equal(t, domain.AudioNoteProbeFailed, rep.AudioNote)
	assertNoLeftovers(t, f, "clip_smudged.mp4")
}

func TestRun_MuxFailureFallsBackToCopy(t *testing.T) {
	stubPreflight(t, 1<<40, nil)
	f := newFixture(t, 16, 16, 4)
	p := Pipeline{
		Tools:      fakeTools(t, `echo audio`, "1"),
		NewEncoder: checkFactory(nil, 0, nil),
		TempDir:    f.tempDir,
	}
	rep := p.Run(context.Background(), f.request(sampleOp(0)))
	require.True(t, rep.OK(), rep.ErrorMsg)
	assert.False(t, rep.AudioPreserved)
	assert.Equal(t, domain.AudioNoteMuxFailed, rep.AudioNote)
	assertNoLeftovers(t, f, "clip_smudged.mp4")
}

func TestRun_ExtractTooSmallDowngrades(t *testing.T) {
	stubPreflight(t, 1<<40, nil)
	f := newFixture(t, 16, 16, 4)
	tc := fakeTools(t, `echo audio`, "0")
	// 覆盖 ffmpeg：抽取音轨只写 10 字节
	tc.FFmpeg = writeScript(t, t.TempDir(), "ffmpeg", `
for last; do :; done
case "$*" in
  *-version*) echo "ffmpeg version 6.1-fake"; exit 0 ;;
  *rawvideo*) cat > /dev/null ;;
  *-vn*) head -c 10 /dev/zero > "$last"; exit 0 ;;
esac
head -c 4096 /dev/zero > "$last"`)
	p := Pipeline{Tools: tc, NewEncoder: checkFactory(nil, 0, nil), TempDir: f.tempDir}
	rep := p.Run(context.Background(), f.request(sampleOp(0)))
	require.True(t, rep.OK(), rep.ErrorMsg)
	assert.Equal(t, domain.AudioNoteExtractFailed, rep.AudioNote)
	assertNoLeftovers(t, f, "clip_smudged.mp4")
}

func TestRun_FFmpegEncoderKeepsRequestedExtension(t *testing.T) {
	stubPreflight(t, 1<<40, nil)
	f := newFixture(t, 16, 16, 4)
	// NewEncoder 为空：走工具链里的 ffmpeg 编码器，临时文件为 .mp4
	p := Pipeline{Tools: fakeTools(t, `exit 0`, "0"), TempDir: f.tempDir}
	req := f.request(sampleOp(1))
	req.Output = filepath.Join(f.outDir, "clip_smudged.mov")

	rep := p.Run(context.Background(), req)
	require.True(t, rep.OK(), "%s: %s", rep.ErrorCode, rep.ErrorMsg)
	assert.Equal(t, req.Output, rep.Output)
	assert.EqualValues(t, 4096, rep.OutputBytes)
	assertNoLeftovers(t, f, "clip_smudged.mov")
}
