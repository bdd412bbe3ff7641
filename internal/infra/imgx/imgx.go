package imgx

import (
	"bytes"
	"errors"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"
)

// Clone 返回 src 的深拷贝（Pix 独立，Rect 归零到原点）。
// 帧缓存依赖它保证调用方修改副本时不会污染缓存原件。
func Clone(src *image.RGBA) *image.RGBA {
	if src == nil {
		return nil
	}
	dst := &image.RGBA{
		Pix:    make([]byte, len(src.Pix)),
		Stride: src.Stride,
		Rect:   src.Rect,
	}
	copy(dst.Pix, src.Pix)
	return dst
}

// ToRGBA 把任意 image.Image 转成以原点为左上角的 *image.RGBA。
// 已经是 *image.RGBA 且原点对齐时直接返回（不拷贝）。
func ToRGBA(src image.Image) *image.RGBA {
	if src == nil {
		return nil
	}
	if rgba, ok := src.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// Decode 解码 PNG/JPEG 并转成 *image.RGBA。
func Decode(r io.Reader) (*image.RGBA, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, errors.New("图片尺寸无效")
	}
	return ToRGBA(img), nil
}

// EncodePNG 无损编码（用于单帧预览导出）。
func EncodePNG(img image.Image) ([]byte, error) {
	var out bytes.Buffer
	if err := png.Encode(&out, img); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// EncodeJPEG 编码为 JPEG；quality 超出 [1,100] 时取 90。
func EncodeJPEG(w io.Writer, img image.Image, quality int) error {
	if quality < 1 || quality > 100 {
		quality = 90
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}

// DiffPoints 返回 a 与 b 不同的像素坐标（尺寸不一致返回 nil, false）。
func DiffPoints(a, b *image.RGBA) ([]image.Point, bool) {
	if a == nil || b == nil || a.Rect.Size() != b.Rect.Size() {
		return nil, false
	}
	w, h := a.Rect.Dx(), a.Rect.Dy()
	var out []image.Point
	for y := 0; y < h; y++ {
		ra := a.Pix[y*a.Stride : y*a.Stride+w*4]
		rb := b.Pix[y*b.Stride : y*b.Stride+w*4]
		if bytes.Equal(ra, rb) {
			continue
		}
		for x := 0; x < w; x++ {
			i := x * 4
			if ra[i] != rb[i] || ra[i+1] != rb[i+1] || ra[i+2] != rb[i+2] || ra[i+3] != rb[i+3] {
				out = append(out, image.Pt(x, y))
			}
		}
	}
	return out, true
}
