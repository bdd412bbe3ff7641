// Package viewport 把帧放进显示区域（保持宽高比，居中，余下为黑边），并在两者之间换算坐标。
//
// 所有几何量都是普通整数；实时交互与测试用的是同一套换算。
package viewport

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
)

// Layout 返回帧在 Dw x Dh 显示区域内实际占用的矩形。
//
// Fw/Fh > Dw/Dh 时上下留黑边（letterbox），否则左右留黑边（pillarbox）。
// 任一尺寸 <= 0 返回 ok=false。
func Layout(dw, dh, fw, fh int) (image.Rectangle, bool) {
	if dw <= 0 || dh <= 0 || fw <= 0 || fh <= 0 {
		return image.Rectangle{}, false
	}
	frameAspect := float64(fw) / float64(fh)
	displayAspect := float64(dw) / float64(dh)

	var w, h int
	if frameAspect > displayAspect {
		w = dw
		h = int(math.Round(float64(dw) / frameAspect))
	} else {
		h = dh
		w = int(math.Round(float64(dh) * frameAspect))
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	x0 := (dw - w) / 2
	y0 := (dh - h) / 2
	return image.Rect(x0, y0, x0+w, y0+h), true
}

// ToFrame 把显示坐标 (px, py) 换算为帧内归一化坐标 [0,1]²。
// 落在黑边里（或尺寸非法）返回 ok=false。
func ToFrame(px, py float64, dw, dh, fw, fh int) (x, y float64, ok bool) {
	r, ok := Layout(dw, dh, fw, fh)
	if !ok {
		return 0, 0, false
	}
	if px < float64(r.Min.X) || px > float64(r.Max.X) || py < float64(r.Min.Y) || py > float64(r.Max.Y) {
		return 0, 0, false
	}
	x = clamp01((px - float64(r.Min.X)) / float64(r.Dx()))
	y = clamp01((py - float64(r.Min.Y)) / float64(r.Dy()))
	return x, y, true
}

// ToDisplay 是 ToFrame 的逆变换。
func ToDisplay(x, y float64, dw, dh, fw, fh int) (px, py float64, ok bool) {
	r, ok := Layout(dw, dh, fw, fh)
	if !ok {
		return 0, 0, false
	}
	px = float64(r.Min.X) + clamp01(x)*float64(r.Dx())
	py = float64(r.Min.Y) + clamp01(y)*float64(r.Dy())
	return px, py, true
}

// Render 把 frame 缩放进 dw x dh 的画布，黑边填黑。尺寸非法返回 ok=false。
func Render(frame *image.RGBA, dw, dh int) (*image.RGBA, bool) {
	if frame == nil {
		return nil, false
	}
	r, ok := Layout(dw, dh, frame.Rect.Dx(), frame.Rect.Dy())
	if !ok {
		return nil, false
	}
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.RGBA{A: 255}), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, r, frame, frame.Bounds(), draw.Src, nil)
	return dst, true
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	}
	return v
}
