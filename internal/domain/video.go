package domain

import "time"

// DefaultFPS 在源报告 fps<=0 时替代使用（播放节奏永远不能除以 0）。
const DefaultFPS = 30.0

// VideoFile 描述一次扫描得到的视频文件（只做 stat，不读内容）。
//
// 不变量（实现必须遵守）：
// - AbsPath 必须是 clean + absolute
// - 扫描阶段只做 stat，不读文件内容
type VideoFile struct {
	AbsPath string
	RelPath string
	Base    string // filename without ext
	Ext     string // ".mp4"
	Size    int64
	ModUnix int64
}

// VideoMetadata 在打开源时计算一次，之后不可变。
//
// 音轨是否存在不在打开时判断：导出阶段才按需探测（见 export 包）。
type VideoMetadata struct {
	Path       string  `json:"path"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	FPS        float64 `json:"fps"`
	FrameCount int     `json:"frame_count"`
	Codec      string  `json:"codec"`
}

// Duration = FrameCount / FPS。
func (m VideoMetadata) Duration() time.Duration {
	if m.FPS <= 0 {
		return 0
	}
	return time.Duration(float64(m.FrameCount) / m.FPS * float64(time.Second))
}

// FrameTime 返回第 idx 帧的时间戳。
func (m VideoMetadata) FrameTime(idx int) time.Duration {
	if m.FPS <= 0 || idx <= 0 {
		return 0
	}
	return time.Duration(float64(idx) / m.FPS * float64(time.Second))
}

// LastFrame 返回最后一帧的下标（FrameCount 为 0 时返回 0）。
func (m VideoMetadata) LastFrame() int {
	if m.FrameCount <= 0 {
		return 0
	}
	return m.FrameCount - 1
}

// RawSizeEstimate 是未压缩 24bit 帧序列的字节数估算（用于导出前磁盘空间预检）。
func (m VideoMetadata) RawSizeEstimate() int64 {
	return int64(m.Width) * int64(m.Height) * int64(m.FrameCount) * 3
}
