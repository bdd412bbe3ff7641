// Package blur 把圆形高斯模糊合成到帧上。
package blur

import (
	"image"
	"math"

	"github.com/John-Robertt/facesmudge/internal/domain"
)

// maxHalf 限制核的半宽，避免极大 sigma 让 int 溢出。
const maxHalf = 1 << 30

// exactTail 以内的尾部权重逐项求和，更多时用 erf 积分近似。
const exactTail = 1 << 16

// KernelSize = 2*ceil(3*sigma)+1，恒为奇数且 >= 1（半宽不超过 maxHalf）。
func KernelSize(sigma float64) int {
	if !(sigma > 0) || math.IsInf(sigma, 0) {
		return 1
	}
	half := math.Ceil(3 * sigma)
	if half > maxHalf {
		half = maxHalf
	}
	return 2*int(half) + 1
}

// Region 返回 op 在 width x height 帧上的模糊包围盒（已裁剪到帧内），以及圆心。
// 完全落在帧外时返回空矩形。
func Region(op *domain.SmudgeOperation, width, height int) (image.Rectangle, image.Point) {
	cx, cy := op.Center(width, height)
	r := op.Radius
	box := image.Rect(cx-r, cy-r, cx+r+1, cy+r+1).Intersect(image.Rect(0, 0, width, height))
	return box, image.Pt(cx, cy)
}

// InMask 报告 (x,y) 是否在以 c 为圆心、半径 r 的圆内（含边界）。
func InMask(x, y int, c image.Point, r int) bool {
	dx, dy := x-c.X, y-c.Y
	return dx*dx+dy*dy <= r*r
}

// Apply 在 frame 上原地合成 op，并返回 frame。
//
// 只对包围盒子区域做高斯模糊（边缘像素复制延伸），只把圆内的像素写回；
// alpha 保持原值。包围盒为空（操作完全在帧外）时不做任何修改。
func Apply(frame *image.RGBA, op *domain.SmudgeOperation) *image.RGBA {
	if frame == nil || op == nil || op.Radius <= 0 {
		return frame
	}
	w, h := frame.Rect.Dx(), frame.Rect.Dy()
	box, c := Region(op, w, h)
	if box.Empty() {
		return frame
	}

	bw, bh := box.Dx(), box.Dy()
	// 超出包围盒的抽头在边缘夹取下都落在边缘像素上，折叠进两端即可。
	kernel := gaussian(op.Sigma, max(bw, bh))

	// 读取子区域（帧坐标 -> 以 box.Min 为原点）
	src := make([]float32, bw*bh*3)
	for y := 0; y < bh; y++ {
		for x := 0; x < bw; x++ {
			i := frame.PixOffset(frame.Rect.Min.X+box.Min.X+x, frame.Rect.Min.Y+box.Min.Y+y)
			j := (y*bw + x) * 3
			src[j], src[j+1], src[j+2] = float32(frame.Pix[i]), float32(frame.Pix[i+1]), float32(frame.Pix[i+2])
		}
	}

	tmp := make([]float32, len(src))
	convolve(tmp, src, bw, bh, kernel, true)
	convolve(src, tmp, bw, bh, kernel, false)

	for y := 0; y < bh; y++ {
		fy := box.Min.Y + y
		for x := 0; x < bw; x++ {
			fx := box.Min.X + x
			if !InMask(fx, fy, c, op.Radius) {
				continue
			}
			i := frame.PixOffset(frame.Rect.Min.X+fx, frame.Rect.Min.Y+fy)
			j := (y*bw + x) * 3
			frame.Pix[i] = clampByte(src[j])
			frame.Pix[i+1] = clampByte(src[j+1])
			frame.Pix[i+2] = clampByte(src[j+2])
		}
	}
	return frame
}

// ApplyAll 按给定顺序依次合成 ops。
func ApplyAll(frame *image.RGBA, ops ...*domain.SmudgeOperation) *image.RGBA {
	for _, op := range ops {
		frame = Apply(frame, op)
	}
	return frame
}

// gaussian 返回归一化的一维核。limit>0 时半宽不超过 limit，
// 被截掉的尾部权重加到两端的抽头上。
func gaussian(sigma float64, limit int) []float32 {
	size := KernelSize(sigma)
	if size == 1 {
		return []float32{1}
	}
	half := size / 2
	keep := half
	if limit > 0 && keep > limit {
		keep = limit
	}
	k := make([]float64, 2*keep+1)
	var sum float64
	for i := range k {
		k[i] = weight(float64(i-keep), sigma)
		sum += k[i]
	}
	if keep < half {
		tail := tailWeight(sigma, keep, half)
		k[0] += tail
		k[len(k)-1] += tail
		sum += 2 * tail
	}
	out := make([]float32, len(k))
	for i := range k {
		out[i] = float32(k[i] / sum)
	}
	return out
}

func weight(d, sigma float64) float64 {
	return math.Exp(-(d * d) / (2 * sigma * sigma))
}

// tailWeight 返回 d 从 from+1 到 to 的未归一化权重之和。
func tailWeight(sigma float64, from, to int) float64 {
	if to-from <= exactTail {
		var s float64
		for d := from + 1; d <= to; d++ {
			s += weight(float64(d), sigma)
		}
		return s
	}
	s := sigma * math.Sqrt2
	return sigma * math.Sqrt(math.Pi/2) * (math.Erf((float64(to)+0.5)/s) - math.Erf((float64(from)+0.5)/s))
}

// convolve 做一维卷积（horizontal=true 沿 x，否则沿 y），越界下标夹到边缘。
func convolve(dst, src []float32, w, h int, kernel []float32, horizontal bool) {
	half := len(kernel) / 2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var r, g, b float32
			for k, kv := range kernel {
				sx, sy := x, y
				if horizontal {
					sx = clampInt(x+k-half, 0, w-1)
				} else {
					sy = clampInt(y+k-half, 0, h-1)
				}
				j := (sy*w + sx) * 3
				r += src[j] * kv
				g += src[j+1] * kv
				b += src[j+2] * kv
			}
			j := (y*w + x) * 3
			dst[j], dst[j+1], dst[j+2] = r, g, b
		}
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampByte(v float32) uint8 {
	v = float32(math.Round(float64(v)))
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v)
}
