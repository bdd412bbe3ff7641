//go:build unix

package media

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/facesmudge/internal/infra/ffx"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return p
}

const probe2x2 = `echo '{"streams":[{"codec_name":"mpeg4","codec_tag_string":"mp4v","width":2,"height":2,"r_frame_rate":"10/1","avg_frame_rate":"10/1","nb_frames":"3"}],"format":{"duration":"0.3"}}'`

func fakeSource(t *testing.T, dir string) string {
	src := filepath.Join(dir, "in.mp4")
	require.NoError(t, os.WriteFile(src, []byte("not really a video"), 0o644))
	return src
}

func TestOpenFFmpeg_NotFound(t *testing.T) {
	_, err := OpenFFmpeg(context.Background(), ffx.Toolchain{}, filepath.Join(t.TempDir(), "nope.mp4"))
	assert.Equal(t, OpenNotFound, OpenKind(err))
}

func TestOpenFFmpeg_ProbeFailureIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	tc := ffx.Toolchain{
		FFprobe: writeScript(t, dir, "ffprobe", `echo "Invalid data" 1>&2; exit 1`),
		FFmpeg:  writeScript(t, dir, "ffmpeg", `exit 0`),
	}
	_, err := OpenFFmpeg(context.Background(), tc, fakeSource(t, dir))
	assert.Equal(t, OpenCorrupt, OpenKind(err))
}

func TestOpenFFmpeg_ZeroFramesIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	tc := ffx.Toolchain{
		FFprobe: writeScript(t, dir, "ffprobe", `echo '{"streams":[{"width":2,"height":2,"r_frame_rate":"10/1","nb_frames":"0"}],"format":{}}'`),
		FFmpeg:  writeScript(t, dir, "ffmpeg", `exit 0`),
	}
	_, err := OpenFFmpeg(context.Background(), tc, fakeSource(t, dir))
	assert.Equal(t, OpenCorrupt, OpenKind(err))
}

func TestOpenFFmpeg_UndecodableIsUnsupported(t *testing.T) {
	dir := t.TempDir()
	tc := ffx.Toolchain{
		FFprobe: writeScript(t, dir, "ffprobe", probe2x2),
		FFmpeg:  writeScript(t, dir, "ffmpeg", `exit 1`),
	}
	_, err := OpenFFmpeg(context.Background(), tc, fakeSource(t, dir))
	assert.Equal(t, OpenUnsupportedCodec, OpenKind(err))
}

func TestFFmpegDecoder_SequentialAndSeek(t *testing.T) {
	dir := t.TempDir()
	// 每帧 2x2x4=16 字节；不管 -ss 是多少都输出 3 帧。
	tc := ffx.Toolchain{
		FFprobe: writeScript(t, dir, "ffprobe", probe2x2),
		FFmpeg:  writeScript(t, dir, "ffmpeg", `head -c 48 /dev/zero`),
	}
	d, err := OpenFFmpeg(context.Background(), tc, fakeSource(t, dir))
	require.NoError(t, err)
	defer d.Close()

	m := d.Metadata()
	assert.Equal(t, 3, m.FrameCount)
	assert.Equal(t, 10.0, m.FPS)
	assert.Equal(t, "mp4v", m.Codec)

	for i := 1; i < 3; i++ {
		f, ok := d.Frame(i)
		require.True(t, ok, "frame %d", i)
		assert.Len(t, f.Pix, 16)
	}
	_, ok := d.Frame(3)
	assert.False(t, ok, "越界")
	_, ok = d.Frame(-1)
	assert.False(t, ok)

	// 回退触发重启
	f, ok := d.Frame(0)
	require.True(t, ok)
	assert.Len(t, f.Pix, 16)
	require.NoError(t, d.Close())
}

func TestFFmpegDecoder_FrameAfterClose(t *testing.T) {
	dir := t.TempDir()
	tc := ffx.Toolchain{
		FFprobe: writeScript(t, dir, "ffprobe", probe2x2),
		FFmpeg:  writeScript(t, dir, "ffmpeg", `head -c 48 /dev/zero`),
	}
	d, err := OpenFFmpeg(context.Background(), tc, fakeSource(t, dir))
	require.NoError(t, err)

	// 取帧与关闭并发：不得在已关闭的管道上读取
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			d.Frame(i % 3)
		}
	}()
	require.NoError(t, d.Close())
	wg.Wait()

	_, ok := d.Frame(0)
	assert.False(t, ok, "关闭后取帧失败")
	require.NoError(t, d.Close())
}

func collectLines(lines chan ffx.Line, stream string) []string {
	close(lines)
	var out []string
	for l := range lines {
		if l.Stream == stream {
			out = append(out, l.Tool+":"+l.Text)
		}
	}
	return out
}

func TestFFmpegDecoder_StderrToLines(t *testing.T) {
	dir := t.TempDir()
	lines := make(chan ffx.Line, 32)
	tc := ffx.Toolchain{
		FFprobe: writeScript(t, dir, "ffprobe", probe2x2),
		FFmpeg:  writeScript(t, dir, "ffmpeg", `echo "decoder note" 1>&2; head -c 48 /dev/zero`),
		Runner:  ffx.Runner{Lines: lines},
	}
	d, err := OpenFFmpeg(context.Background(), tc, fakeSource(t, dir))
	require.NoError(t, err)
	require.NoError(t, d.Close())

	assert.Contains(t, collectLines(lines, "stderr"), "ffmpeg:decoder note")
}

func TestFFmpegEncoder_StderrToLines(t *testing.T) {
	dir := t.TempDir()
	lines := make(chan ffx.Line, 32)
	tc := ffx.Toolchain{
		FFmpeg: writeScript(t, dir, "ffmpeg", `
for last; do :; done
echo "encoder warning" 1>&2
cat > /dev/null
head -c 4096 /dev/zero > "$last"`),
		Runner: ffx.Runner{Lines: lines},
	}
	out := filepath.Join(dir, "out.mp4")
	enc, err := NewFFmpegEncoder(tc, out, 2, 2, 30)
	require.NoError(t, err)
	require.NoError(t, enc.WriteFrame(image.NewRGBA(image.Rect(0, 0, 2, 2))))
	require.NoError(t, enc.Close())

	fi, err := os.Stat(out)
	require.NoError(t, err)
	assert.EqualValues(t, 4096, fi.Size())
	assert.Equal(t, []string{"ffmpeg:encoder warning"}, collectLines(lines, "stderr"))
}

func TestFFmpegEncoder_FailureKeepsStderr(t *testing.T) {
	dir := t.TempDir()
	tc := ffx.Toolchain{FFmpeg: writeScript(t, dir, "ffmpeg", `cat > /dev/null; echo "Unknown encoder" 1>&2; exit 1`)}
	enc, err := NewFFmpegEncoder(tc, filepath.Join(dir, "out.mp4"), 2, 2, 30)
	require.NoError(t, err)
	require.NoError(t, enc.WriteFrame(image.NewRGBA(image.Rect(0, 0, 2, 2))))

	err = enc.Close()
	var te *ffx.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 1, te.ExitCode)
	assert.Contains(t, te.Error(), "Unknown encoder")
}
