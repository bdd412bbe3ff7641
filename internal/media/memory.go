package media

import (
	"fmt"
	"image"
	"os"
	"sync/atomic"

	"github.com/John-Robertt/facesmudge/internal/domain"
	"github.com/John-Robertt/facesmudge/internal/infra/imgx"
)

// MemoryDecoder 从内存帧序列"解码"。nil 帧表示该下标不可读（模拟坏帧）。
// 用于合成源、单元测试，以及把已解码好的帧交给会话。
type MemoryDecoder struct {
	meta    domain.VideoMetadata
	frames  []*image.RGBA
	decodes atomic.Int64
	closed  atomic.Bool
}

// NewMemoryDecoder 以 frames 构造解码器；尺寸取第一张非 nil 帧。
func NewMemoryDecoder(name string, frames []*image.RGBA, fps float64) (*MemoryDecoder, error) {
	meta := domain.VideoMetadata{Path: name, FPS: fps, FrameCount: len(frames), Codec: "raw"}
	for _, f := range frames {
		if f != nil {
			meta.Width, meta.Height = f.Rect.Dx(), f.Rect.Dy()
			break
		}
	}
	if err := validateMetadata(&meta); err != nil {
		return nil, &OpenError{Kind: OpenCorrupt, Path: name, Err: err}
	}
	for i, f := range frames {
		if f != nil && (f.Rect.Dx() != meta.Width || f.Rect.Dy() != meta.Height) {
			return nil, &OpenError{Kind: OpenCorrupt, Path: name, Err: fmt.Errorf("第 %d 帧尺寸不一致", i)}
		}
	}
	return &MemoryDecoder{meta: meta, frames: frames}, nil
}

func (d *MemoryDecoder) Metadata() domain.VideoMetadata { return d.meta }

func (d *MemoryDecoder) Frame(idx int) (*image.RGBA, bool) {
	if d.closed.Load() || idx < 0 || idx >= len(d.frames) || d.frames[idx] == nil {
		return nil, false
	}
	d.decodes.Add(1)
	return imgx.Clone(d.frames[idx]), true
}

// Decodes 返回成功解码的次数（帧缓存测试用它判断命中/未命中）。
func (d *MemoryDecoder) Decodes() int { return int(d.decodes.Load()) }

// Closed 报告 Close 是否已被调用。
func (d *MemoryDecoder) Closed() bool { return d.closed.Load() }

func (d *MemoryDecoder) Close() error {
	d.closed.Store(true)
	return nil
}

// MemoryEncoder 把帧保存在内存（无损），用于测试与预览。
type MemoryEncoder struct {
	Path   string
	Frames []*image.RGBA
	closed bool
}

// NewMemoryEncoderFactory 返回一个工厂；每次创建的编码器都会追加到 *out。
// 若 minBytes>0，Close 时在 path 写出 minBytes 字节的占位文件，以通过产物大小校验。
func NewMemoryEncoderFactory(out *[]*MemoryEncoder, minBytes int) EncoderFactory {
	return func(path string, width, height int, fps float64) (Encoder, error) {
		e := &MemoryEncoder{Path: path}
		*out = append(*out, e)
		return &placeholderEncoder{MemoryEncoder: e, minBytes: minBytes}, nil
	}
}

func (e *MemoryEncoder) WriteFrame(img *image.RGBA) error {
	if e.closed {
		return fmt.Errorf("encoder 已关闭")
	}
	e.Frames = append(e.Frames, imgx.Clone(img))
	return nil
}

func (e *MemoryEncoder) Close() error {
	e.closed = true
	return nil
}

type placeholderEncoder struct {
	*MemoryEncoder
	minBytes int
}

func (e *placeholderEncoder) Close() error {
	if err := e.MemoryEncoder.Close(); err != nil {
		return err
	}
	if e.minBytes <= 0 || e.Path == "" || len(e.Frames) == 0 {
		return nil
	}
	return os.WriteFile(e.Path, make([]byte, e.minBytes), 0o644)
}
