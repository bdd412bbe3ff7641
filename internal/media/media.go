// Package media 是帧解码与编码的边界：元数据探测、按下标取帧、把帧序列写成容器文件。
package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"

	"github.com/John-Robertt/facesmudge/internal/domain"
	"github.com/John-Robertt/facesmudge/internal/infra/ffx"
)

// Decoder 持有一个独占的解码句柄。
//
// 约束：
// - 不支持多个 goroutine 并发调用；由帧缓存负责串行化
// - Frame 越界或读取失败返回 ok=false（"该帧不可用"），从不把单帧失败升级为会话失败
// - 返回的 *image.RGBA 归调用方所有
type Decoder interface {
	Metadata() domain.VideoMetadata
	Frame(idx int) (*image.RGBA, bool)
	Close() error
}

// Encoder 接收按顺序写入的帧，Close 时完成容器文件。
type Encoder interface {
	WriteFrame(img *image.RGBA) error
	Close() error
}

// EncoderFactory 在 path 创建一个 width x height @ fps 的编码器。
type EncoderFactory func(path string, width, height int, fps float64) (Encoder, error)

// OpenErrorKind 区分打开源失败的原因。
type OpenErrorKind string

const (
	OpenNotFound         OpenErrorKind = "not_found"
	OpenCorrupt          OpenErrorKind = "corrupt"
	OpenUnsupportedCodec OpenErrorKind = "unsupported_codec"
)

// OpenError 是打开源时的输入错误：对会话致命，只报告一次，不重试。
type OpenError struct {
	Kind OpenErrorKind
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	switch e.Kind {
	case OpenNotFound:
		return fmt.Sprintf("视频文件不存在：%q", e.Path)
	case OpenUnsupportedCodec:
		return fmt.Sprintf("无法解码视频（编码不受支持）：%q：%v", e.Path, e.Err)
	default:
		return fmt.Sprintf("无法打开视频（文件可能已损坏）：%q：%v", e.Path, e.Err)
	}
}

func (e *OpenError) Unwrap() error { return e.Err }

// OpenKind 从 err 中提取 OpenErrorKind；不是 *OpenError 时返回空串。
func OpenKind(err error) OpenErrorKind {
	var e *OpenError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// validateMetadata 落实打开时的硬约束：宽高、帧数必须 > 0；fps<=0 静默替换为默认值。
func validateMetadata(m *domain.VideoMetadata) error {
	if m.Width <= 0 || m.Height <= 0 {
		return fmt.Errorf("视频尺寸无效：%dx%d", m.Width, m.Height)
	}
	if m.FrameCount <= 0 {
		return fmt.Errorf("帧数无效：%d", m.FrameCount)
	}
	if !(m.FPS > 0) {
		m.FPS = domain.DefaultFPS
	}
	if m.Codec == "" {
		m.Codec = "unknown"
	}
	return nil
}

// Open 按路径类型选择解码器：目录按图片序列打开（使用 seqFPS），其余交给 ffmpeg。
func Open(ctx context.Context, tc ffx.Toolchain, path string, seqFPS float64) (Decoder, error) {
	fi, err := os.Stat(path)
	if err == nil && fi.IsDir() {
		return OpenImageSequence(path, seqFPS)
	}
	return OpenFFmpeg(ctx, tc, path)
}
