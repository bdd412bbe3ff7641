package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/facesmudge/internal/domain"
	"github.com/John-Robertt/facesmudge/internal/infra/ffx"
)

const (
	metadataTimeout = 10 * time.Second
	largeFileBytes  = 2 << 30
)

// FFmpegDecoder 用 ffprobe 取元数据，用 ffmpeg rawvideo 管道取帧。
//
// 顺序读取（idx == 上一帧+1）复用同一个管道；其余情况按时间戳重启 ffmpeg（seek）。
// 播放与导出都是顺序访问，因此绝大多数帧只需一次管道读取。
type FFmpegDecoder struct {
	tc   ffx.Toolchain
	meta domain.VideoMetadata

	mu     sync.Mutex
	closed bool
	stream *frameStream
}

type frameStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *ffx.LineWriter
	next   int
}

// OpenFFmpeg 打开 path 并校验元数据；同时试解第 0 帧，解不出来视为编码不受支持。
func OpenFFmpeg(ctx context.Context, tc ffx.Toolchain, path string) (*FFmpegDecoder, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &OpenError{Kind: OpenNotFound, Path: path, Err: err}
		}
		return nil, &OpenError{Kind: OpenCorrupt, Path: path, Err: err}
	}
	if fi.IsDir() {
		return nil, &OpenError{Kind: OpenCorrupt, Path: path, Err: errors.New("是目录而不是视频文件")}
	}
	if fi.Size() > largeFileBytes {
		logrus.WithFields(logrus.Fields{
			"function": "OpenFFmpeg",
			"path":     path,
			"size_gb":  fmt.Sprintf("%.2f", float64(fi.Size())/float64(1<<30)),
		}).Warn("Large video file detected")
	}
	if tc.FFprobe == "" || tc.FFmpeg == "" {
		return nil, &OpenError{Kind: OpenUnsupportedCodec, Path: path, Err: ffx.ErrToolNotFound}
	}

	meta, err := probeMetadata(ctx, tc, path)
	if err != nil {
		return nil, &OpenError{Kind: OpenCorrupt, Path: path, Err: err}
	}
	if err := validateMetadata(&meta); err != nil {
		return nil, &OpenError{Kind: OpenCorrupt, Path: path, Err: err}
	}

	d := &FFmpegDecoder{tc: tc, meta: meta}
	if _, ok := d.Frame(0); !ok {
		_ = d.Close()
		return nil, &OpenError{Kind: OpenUnsupportedCodec, Path: path, Err: fmt.Errorf("无法解码第 0 帧（codec=%s）", meta.Codec)}
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenFFmpeg",
		"path":     path,
		"width":    meta.Width,
		"height":   meta.Height,
		"fps":      meta.FPS,
		"frames":   meta.FrameCount,
		"codec":    meta.Codec,
	}).Info("Loaded video")
	return d, nil
}

func (d *FFmpegDecoder) Metadata() domain.VideoMetadata { return d.meta }

func (d *FFmpegDecoder) Frame(idx int) (*image.RGBA, bool) {
	if idx < 0 || idx >= d.meta.FrameCount {
		logrus.WithFields(logrus.Fields{
			"function": "FFmpegDecoder.Frame",
			"frame":    idx,
			"frames":   d.meta.FrameCount,
		}).Warn("Invalid frame number")
		return nil, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, false
	}
	if d.stream == nil || d.stream.next != idx {
		if err := d.seek(idx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "FFmpegDecoder.Frame",
				"frame":    idx,
				"error":    err.Error(),
			}).Warn("Could not start frame stream")
			return nil, false
		}
	}

	img := image.NewRGBA(image.Rect(0, 0, d.meta.Width, d.meta.Height))
	if _, err := io.ReadFull(d.stream.stdout, img.Pix); err != nil {
		stderr := d.stopStream()
		logrus.WithFields(logrus.Fields{
			"function": "FFmpegDecoder.Frame",
			"frame":    idx,
			"error":    err.Error(),
			"stderr":   strings.TrimSpace(stderr),
		}).Warn("Could not read frame (may be end of video or corrupted)")
		return nil, false
	}
	d.stream.next = idx + 1
	return img, true
}

// Close 结束管道；之后 Frame 一律返回 false。可重复调用。
func (d *FFmpegDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.stopStream()
	return nil
}

// seek 与 stopStream 由持有 d.mu 的调用方使用。
func (d *FFmpegDecoder) seek(idx int) error {
	d.stopStream()

	args := []string{"-v", "error"}
	if idx > 0 {
		// -ss 放在 -i 之前：快速定位 + 解码后精确丢弃到目标时间戳。
		args = append(args, "-ss", strconv.FormatFloat(d.meta.FrameTime(idx).Seconds(), 'f', 6, 64))
	}
	args = append(args,
		"-i", d.meta.Path,
		"-an", "-sn",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-",
	)

	cmd := exec.Command(d.tc.FFmpeg, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr := d.tc.Runner.Writer(d.tc.FFmpeg, "stderr")
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	d.stream = &frameStream{cmd: cmd, stdout: stdout, stderr: stderr, next: idx}
	return nil
}

// stopStream 结束当前管道，返回它的 stderr 输出。
func (d *FFmpegDecoder) stopStream() string {
	if d.stream == nil {
		return ""
	}
	s := d.stream
	d.stream = nil
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.stdout.Close()
	_ = s.cmd.Wait()
	s.stderr.Flush()
	return s.stderr.String()
}

type probeOutput struct {
	Streams []struct {
		CodecName    string `json:"codec_name"`
		CodecTag     string `json:"codec_tag_string"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func probeMetadata(ctx context.Context, tc ffx.Toolchain, path string) (domain.VideoMetadata, error) {
	res, err := tc.Runner.Run(ctx, metadataTimeout, tc.FFprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_name,codec_tag_string,width,height,r_frame_rate,avg_frame_rate,nb_frames,duration:format=duration",
		"-of", "json",
		path,
	)
	if err != nil {
		return domain.VideoMetadata{}, err
	}
	return parseProbe(path, res.Stdout)
}

func parseProbe(path string, b []byte) (domain.VideoMetadata, error) {
	var po probeOutput
	if err := json.Unmarshal(b, &po); err != nil {
		return domain.VideoMetadata{}, fmt.Errorf("ffprobe 输出无法解析：%w", err)
	}
	if len(po.Streams) == 0 {
		return domain.VideoMetadata{}, errors.New("没有视频流")
	}
	s := po.Streams[0]

	fps := parseRate(s.AvgFrameRate)
	if fps <= 0 {
		fps = parseRate(s.RFrameRate)
	}
	if fps <= 0 {
		logrus.WithFields(logrus.Fields{
			"function": "parseProbe",
			"path":     path,
		}).Warn("Invalid FPS detected, using default 30 FPS")
		fps = domain.DefaultFPS
	}

	count, _ := strconv.Atoi(strings.TrimSpace(s.NbFrames))
	if count <= 0 {
		dur := parseFloat(s.Duration)
		if dur <= 0 {
			dur = parseFloat(po.Format.Duration)
		}
		count = int(math.Round(dur * fps))
	}

	codec := strings.TrimSpace(s.CodecTag)
	if codec == "" || strings.HasPrefix(codec, "[") {
		codec = strings.TrimSpace(s.CodecName)
	}

	return domain.VideoMetadata{
		Path:       path,
		Width:      s.Width,
		Height:     s.Height,
		FPS:        fps,
		FrameCount: count,
		Codec:      codec,
	}, nil
}

// parseRate 解析 "30000/1001" 或 "29.97"；无法解析返回 0。
func parseRate(s string) float64 {
	s = strings.TrimSpace(s)
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, d := parseFloat(num), parseFloat(den)
		if d <= 0 {
			return 0
		}
		return n / d
	}
	return parseFloat(s)
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
