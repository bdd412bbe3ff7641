package media

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/icza/mjpeg"
	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/facesmudge/internal/infra/ffx"
	"github.com/John-Robertt/facesmudge/internal/infra/imgx"
)

// encoderCloseTimeout 限制 Close 等待 ffmpeg 收尾的时间。
const encoderCloseTimeout = 120 * time.Second

// FFmpegEncoder 把 RGBA 帧通过 stdin 管道交给 ffmpeg，输出 MPEG-4 Part 2（mp4v）。
type FFmpegEncoder struct {
	path          string
	width, height int

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	w      *bufio.Writer
	stderr *ffx.LineWriter

	closeOnce sync.Once
	closeErr  error
}

// NewFFmpegEncoder 启动 tc.FFmpeg；帧尺寸必须与 width x height 一致。
// ffmpeg 的 stderr 逐行投递到 tc.Runner.Lines。
func NewFFmpegEncoder(tc ffx.Toolchain, path string, width, height int, fps float64) (*FFmpegEncoder, error) {
	ffmpeg := tc.FFmpeg
	if ffmpeg == "" {
		return nil, ffx.ErrToolNotFound
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("编码尺寸无效：%dx%d", width, height)
	}
	if !(fps > 0) {
		fps = 30
	}

	cmd := exec.Command(ffmpeg,
		"-v", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
		"-an",
		"-c:v", "mpeg4",
		"-q:v", "2",
		"-pix_fmt", "yuv420p",
		"-y",
		path,
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stderr := tc.Runner.Writer(ffmpeg, "stderr")
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, &ffx.ToolError{Tool: "ffmpeg", Err: err}
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewFFmpegEncoder",
		"path":     path,
		"size":     fmt.Sprintf("%dx%d", width, height),
		"fps":      fps,
	}).Debug("Started ffmpeg encoder")

	return &FFmpegEncoder{
		path:   path,
		width:  width,
		height: height,
		cmd:    cmd,
		stdin:  stdin,
		w:      bufio.NewWriterSize(stdin, width*height*4),
		stderr: stderr,
	}, nil
}

func (e *FFmpegEncoder) WriteFrame(img *image.RGBA) error {
	if img.Rect.Dx() != e.width || img.Rect.Dy() != e.height {
		return fmt.Errorf("帧尺寸 %dx%d 与编码器 %dx%d 不一致", img.Rect.Dx(), img.Rect.Dy(), e.width, e.height)
	}
	// 子图像的 Stride 可能大于 4*width，逐行写出。
	rowLen := e.width * 4
	for y := 0; y < e.height; y++ {
		off := img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y)
		if _, err := e.w.Write(img.Pix[off : off+rowLen]); err != nil {
			return fmt.Errorf("写入 ffmpeg 失败：%w", err)
		}
	}
	return nil
}

// Close 关闭 stdin 并等待 ffmpeg 完成容器；可重复调用。
func (e *FFmpegEncoder) Close() error {
	e.closeOnce.Do(func() {
		flushErr := e.w.Flush()
		_ = e.stdin.Close()

		done := make(chan error, 1)
		go func() { done <- e.cmd.Wait() }()

		var waitErr error
		select {
		case waitErr = <-done:
			e.stderr.Flush()
		case <-time.After(encoderCloseTimeout):
			_ = e.cmd.Process.Kill()
			waitErr = <-done
			e.stderr.Flush()
			waitErr = &ffx.ToolError{Tool: "ffmpeg", Timeout: true, Stderr: e.stderr.String(), Err: waitErr}
		}

		switch {
		case waitErr != nil:
			var te *ffx.ToolError
			if !errors.As(waitErr, &te) {
				code := -1
				if e.cmd.ProcessState != nil {
					code = e.cmd.ProcessState.ExitCode()
				}
				waitErr = &ffx.ToolError{Tool: "ffmpeg", ExitCode: code, Stderr: e.stderr.String(), Err: waitErr}
			}
			e.closeErr = waitErr
		case flushErr != nil:
			e.closeErr = flushErr
		}
	})
	return e.closeErr
}

// MJPEGEncoder 在没有 ffmpeg 时使用：每帧编码为 JPEG，写入 AVI 容器。
type MJPEGEncoder struct {
	aw            mjpeg.AviWriter
	width, height int
	quality       int
	buf           bytes.Buffer

	closeOnce sync.Once
	closeErr  error
}

// NewMJPEGEncoder 创建 AVI 文件。AVI 头只能记录整数帧率，fps 四舍五入且至少为 1。
func NewMJPEGEncoder(path string, width, height int, fps float64) (*MJPEGEncoder, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("编码尺寸无效：%dx%d", width, height)
	}
	rate := int32(math.Round(fps))
	if rate < 1 {
		rate = 1
	}
	aw, err := mjpeg.New(path, int32(width), int32(height), rate)
	if err != nil {
		return nil, fmt.Errorf("创建 AVI 失败：%w", err)
	}
	return &MJPEGEncoder{aw: aw, width: width, height: height, quality: 90}, nil
}

func (e *MJPEGEncoder) WriteFrame(img *image.RGBA) error {
	if img.Rect.Dx() != e.width || img.Rect.Dy() != e.height {
		return fmt.Errorf("帧尺寸 %dx%d 与编码器 %dx%d 不一致", img.Rect.Dx(), img.Rect.Dy(), e.width, e.height)
	}
	e.buf.Reset()
	if err := imgx.EncodeJPEG(&e.buf, img, e.quality); err != nil {
		return err
	}
	return e.aw.AddFrame(e.buf.Bytes())
}

func (e *MJPEGEncoder) Close() error {
	e.closeOnce.Do(func() { e.closeErr = e.aw.Close() })
	return e.closeErr
}

// TempExt 返回临时编码文件应使用的扩展名：有 ffmpeg 时为 .mp4，否则 .avi。
func TempExt(tc ffx.Toolchain) string {
	if tc.FFmpeg != "" {
		return ".mp4"
	}
	return ".avi"
}

// DefaultEncoderFactory 按工具链选择编码器。
func DefaultEncoderFactory(tc ffx.Toolchain) EncoderFactory {
	if tc.FFmpeg != "" {
		return func(path string, width, height int, fps float64) (Encoder, error) {
			return NewFFmpegEncoder(tc, path, width, height, fps)
		}
	}
	return func(path string, width, height int, fps float64) (Encoder, error) {
		return NewMJPEGEncoder(path, width, height, fps)
	}
}
