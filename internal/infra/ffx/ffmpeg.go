package ffx

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// 外部工具调用的有界超时。
const (
	ProbeTimeout   = 5 * time.Second
	ExtractTimeout = 60 * time.Second
	MuxTimeout     = 300 * time.Second
)

// MinMediaBytes 是媒体产物的最小可信大小；更小的输出按损坏处理。
const MinMediaBytes = 1024

// Toolchain 是一组已定位的 ffmpeg/ffprobe。
// 空路径表示该工具不可用（调用对应方法会直接返回 ErrToolNotFound）。
type Toolchain struct {
	FFmpeg  string
	FFprobe string
	Runner  Runner
}

// LocateToolchain 定位 ffmpeg 与 ffprobe；找不到的工具留空，不视为错误。
func LocateToolchain(ffmpegPath, ffprobePath string) Toolchain {
	tc := Toolchain{}
	if p, err := Locate("ffmpeg", ffmpegPath); err == nil {
		tc.FFmpeg = p
	} else {
		logrus.WithFields(logrus.Fields{
			"function": "LocateToolchain",
			"error":    err.Error(),
		}).Warn("ffmpeg not available")
	}
	if p, err := Locate("ffprobe", ffprobePath); err == nil {
		tc.FFprobe = p
	} else {
		logrus.WithFields(logrus.Fields{
			"function": "LocateToolchain",
			"error":    err.Error(),
		}).Warn("ffprobe not available")
	}
	return tc
}

// Version 运行 `ffmpeg -version`，确认 ffmpeg 真的可执行。
func (tc Toolchain) Version(ctx context.Context) (string, error) {
	if tc.FFmpeg == "" {
		return "", ErrToolNotFound
	}
	res, err := tc.Runner.Run(ctx, ProbeTimeout, tc.FFmpeg, "-version")
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(string(res.Stdout))
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return line, nil
}

// HasAudio 探测 src 是否含有音轨（a:0）。
func (tc Toolchain) HasAudio(ctx context.Context, src string) (bool, error) {
	if tc.FFprobe == "" {
		return false, ErrToolNotFound
	}
	res, err := tc.Runner.Run(ctx, ProbeTimeout, tc.FFprobe,
		"-v", "error",
		"-select_streams", "a:0",
		"-show_entries", "stream=codec_type",
		"-of", "csv=p=0",
		src,
	)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(res.Stdout)) == "audio", nil
}

// ExtractAudio 把 src 的原始音轨（不转码）复制到 dst。
// dst 使用 Matroska 音频容器（.mka），可容纳任意音频编码。
func (tc Toolchain) ExtractAudio(ctx context.Context, src, dst string) error {
	if tc.FFmpeg == "" {
		return ErrToolNotFound
	}
	if _, err := tc.Runner.Run(ctx, ExtractTimeout, tc.FFmpeg,
		"-v", "error",
		"-i", src,
		"-vn",
		"-acodec", "copy",
		"-y",
		dst,
	); err != nil {
		return err
	}
	return CheckOutput(dst)
}

// Mux 把 video 的视频流（直接拷贝）与 audio 的音频流（转为 AAC）合并到 dst，
// 以较短的流为准结束。
func (tc Toolchain) Mux(ctx context.Context, video, audio, dst string) error {
	if tc.FFmpeg == "" {
		return ErrToolNotFound
	}
	if _, err := tc.Runner.Run(ctx, MuxTimeout, tc.FFmpeg,
		"-v", "error",
		"-i", video,
		"-i", audio,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-shortest",
		"-y",
		dst,
	); err != nil {
		return err
	}
	return CheckOutput(dst)
}

// CheckOutput 校验产物存在且不小于 MinMediaBytes。
func CheckOutput(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("产物不存在：%w", err)
	}
	if fi.Size() < MinMediaBytes {
		return fmt.Errorf("产物过小（%d bytes）：%s", fi.Size(), path)
	}
	return nil
}
