// Package export 把带操作的整段视频重新编码到目标路径，并尽量保留原音轨。
package export

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/facesmudge/internal/blur"
	"github.com/John-Robertt/facesmudge/internal/domain"
	"github.com/John-Robertt/facesmudge/internal/infra/ffx"
	"github.com/John-Robertt/facesmudge/internal/infra/fsx"
	"github.com/John-Robertt/facesmudge/internal/media"
)

// SpaceFactor 是磁盘空间预检的放大系数（相对未压缩帧序列的估算）。
const SpaceFactor = 1.5

// 可在测试中替换。
var (
	freeSpace     = fsx.FreeSpace
	probeWritable = fsx.ProbeWritable
)

// FrameSource 按帧号提供已解码帧（调用方拥有返回的副本）。framecache.Cache 满足该接口。
type FrameSource interface {
	Get(frame int) (*image.RGBA, bool)
}

// Request 是一次导出的输入。Ops 是快照：导出期间会话继续编辑不影响本次导出。
type Request struct {
	Meta   domain.VideoMetadata
	Output string
	Frames FrameSource
	Ops    []domain.SmudgeOperation
}

// Pipeline 持有导出所需的外部协作者。零值可用（工具链为空时走无音轨路径）。
type Pipeline struct {
	Tools ffx.Toolchain
	// NewEncoder 为空时按 Tools 选择 ffmpeg 或 MJPEG。
	NewEncoder media.EncoderFactory
	// TempDir 为空时使用 os.TempDir()。
	TempDir  string
	Observer Observer
}

// DefaultOutput 返回默认目标路径：<dir>/<stem>_smudged<ext>。
func DefaultOutput(source string) string {
	ext := filepath.Ext(source)
	stem := strings.TrimSuffix(filepath.Base(source), ext)
	if ext == "" {
		ext = ".mp4"
	}
	return filepath.Join(filepath.Dir(source), stem+"_smudged"+ext)
}

// Run 顺序执行导出并返回报告。硬失败时 rep.ErrorCode 非空，且 Output 上不留下产物。
func (p *Pipeline) Run(ctx context.Context, req Request) (rep domain.ExportReport) {
	started := time.Now()
	rep = domain.ExportReport{
		Source:      req.Meta.Path,
		Output:      req.Output,
		StartedAt:   started,
		TotalFrames: req.Meta.FrameCount,
	}
	obs := p.Observer
	if obs != nil {
		obs.OnStart(req, req.Meta.FrameCount)
	}
	logger := logrus.WithFields(logrus.Fields{
		"function": "Pipeline.Run",
		"source":   req.Meta.Path,
	})

	defer func() {
		rep.FinishedAt = time.Now()
		rep.Finalize()
		if rep.OK() {
			logger.WithFields(logrus.Fields{
				"output":          rep.Output,
				"frames":          rep.FramesWritten,
				"audio_preserved": rep.AudioPreserved,
				"audio_note":      rep.AudioNote,
			}).Info("Export finished")
		} else {
			logger.WithFields(logrus.Fields{
				"error_code": rep.ErrorCode,
				"error":      rep.ErrorMsg,
			}).Error("Export failed")
		}
		if obs != nil {
			obs.OnFinish(rep)
		}
	}()

	setErr := func(err *Error) domain.ExportReport {
		rep.ErrorCode = err.Code
		rep.ErrorMsg = err.Error()
		return rep
	}

	if err := validate(&req); err != nil {
		return setErr(err)
	}
	rep.Output = req.Output

	tempRoot := p.TempDir
	if tempRoot == "" {
		tempRoot = os.TempDir()
	}

	stageStarted := time.Now()
	if err := preflight(req, tempRoot); err != nil {
		return setErr(err)
	}
	stage(obs, StagePreflight, map[string]any{"estimate_bytes": req.Meta.RawSizeEstimate()}, stageStarted)

	tmpDir, err := os.MkdirTemp(tempRoot, "facesmudge-export-*")
	if err != nil {
		return setErr(fail(domain.ErrCodePreflightPermission, StagePreflight, fmt.Errorf("无法创建临时目录：%w", err)))
	}
	temps := newTempSet(tmpDir)
	stopSignals := cleanupOnSignal(temps)
	defer func() {
		stopSignals()
		temps.cleanup()
	}()

	tmpVideo := filepath.Join(tmpDir, "video"+p.tempExt())

	// 2. 编码
	stageStarted = time.Now()
	if err := p.encode(req, tmpVideo, &rep, obs); err != nil {
		return setErr(err)
	}
	stage(obs, StageEncode, map[string]any{
		"written":     rep.FramesWritten,
		"skipped":     rep.FramesSkipped,
		"ops_applied": rep.OpsApplied,
		"ops_failed":  rep.OpsFailed,
	}, stageStarted)

	// 3. 校验临时视频
	if err := ffx.CheckOutput(tmpVideo); err != nil {
		return setErr(fail(domain.ErrCodeTempInvalid, StageVerifyTemp, err))
	}
	stage(obs, StageVerifyTemp, nil, time.Now())

	// 只有 MJPEG 兜底时临时容器是 AVI：目标扩展名跟随容器，避免把 AVI 写进 .mp4。
	// ffmpeg 编出的 mp4v 可以直接放进 .mov/.mkv 等目标，保留用户给的扩展名。
	if ext := filepath.Ext(tmpVideo); p.mjpegFallback() && !strings.EqualFold(ext, filepath.Ext(rep.Output)) {
		next := strings.TrimSuffix(rep.Output, filepath.Ext(rep.Output)) + ext
		logger.WithFields(logrus.Fields{
			"requested": rep.Output,
			"output":    next,
		}).Warn("Output extension changed to match encoder container")
		rep.Output = next
		if err := fsx.CheckFileTarget(rep.Output); err != nil {
			return setErr(fail(domain.ErrCodeIOFailed, StageCopy, err))
		}
	}

	// 4. 音轨
	rep.AudioPreserved, rep.AudioNote = p.preserveAudio(ctx, req.Meta.Path, tmpVideo, rep.Output, temps, obs)

	// 5. 无音轨：直接复制
	if !rep.AudioPreserved {
		stageStarted = time.Now()
		if err := fsx.CopyFileAtomic(tmpVideo, rep.Output); err != nil {
			return setErr(fail(domain.ErrCodeIOFailed, StageCopy, err))
		}
		stage(obs, StageCopy, nil, stageStarted)
	}

	// 6. 校验最终产物
	if err := ffx.CheckOutput(rep.Output); err != nil {
		_ = fsx.RemoveIfExists(rep.Output)
		return setErr(fail(domain.ErrCodeOutputInvalid, StageVerifyOutput, err))
	}
	rep.OutputBytes, _ = fsx.FileSize(rep.Output)
	stage(obs, StageVerifyOutput, map[string]any{"bytes": rep.OutputBytes}, time.Now())
	return rep
}

func validate(req *Request) *Error {
	m := req.Meta
	if m.Width <= 0 || m.Height <= 0 || m.FrameCount <= 0 || req.Frames == nil {
		return fail(domain.ErrCodeSourceInvalid, StageValidate, fmt.Errorf("源无效：%dx%d，%d 帧", m.Width, m.Height, m.FrameCount))
	}
	if len(req.Ops) == 0 {
		return fail(domain.ErrCodeNoOperations, StageValidate, errors.New("没有任何模糊操作，无需导出"))
	}
	if strings.TrimSpace(req.Output) == "" {
		req.Output = DefaultOutput(m.Path)
	}
	out, err := filepath.Abs(req.Output)
	if err != nil {
		return fail(domain.ErrCodeIOFailed, StageValidate, err)
	}
	req.Output = out
	if src, err := filepath.Abs(m.Path); err == nil && src == out {
		return fail(domain.ErrCodeSourceInvalid, StageValidate, errors.New("目标路径不能与源文件相同"))
	}
	if err := fsx.CheckFileTarget(out); err != nil {
		return fail(domain.ErrCodeIOFailed, StageValidate, err)
	}
	return nil
}

// preflight 检查目标目录与临时目录的可用空间和写权限；任何失败都在编码前中止。
func preflight(req Request, tempRoot string) *Error {
	need := uint64(float64(req.Meta.RawSizeEstimate()) * SpaceFactor)
	outDir := filepath.Dir(req.Output)

	checked := map[string]bool{}
	for _, dir := range []string{outDir, tempRoot} {
		if checked[dir] {
			continue
		}
		checked[dir] = true
		free, err := freeSpace(dir)
		if err != nil {
			// 无法判断时跳过，不阻止导出。
			logrus.WithFields(logrus.Fields{
				"function": "preflight",
				"dir":      dir,
				"error":    err.Error(),
			}).Debug("Free space unknown, skipping check")
			continue
		}
		if free < need {
			return fail(domain.ErrCodePreflightDisk, StagePreflight,
				fmt.Errorf("磁盘空间不足：%s 可用 %.1f MB，需要约 %.1f MB", dir, mb(free), mb(need)))
		}
	}

	if err := probeWritable(req.Output); err != nil {
		return fail(domain.ErrCodePreflightPermission, StagePreflight, err)
	}
	return nil
}

// mjpegFallback 报告本次编码是否会落到内置 MJPEG/AVI 编码器。
func (p *Pipeline) mjpegFallback() bool {
	return p.NewEncoder == nil && p.Tools.FFmpeg == ""
}

func (p *Pipeline) tempExt() string {
	return media.TempExt(p.Tools)
}

func (p *Pipeline) encode(req Request, tmpVideo string, rep *domain.ExportReport, obs Observer) *Error {
	factory := p.NewEncoder
	if factory == nil {
		factory = media.DefaultEncoderFactory(p.Tools)
	}
	m := req.Meta
	enc, err := factory(tmpVideo, m.Width, m.Height, m.FPS)
	if err != nil {
		return fail(domain.ErrCodeEncodeFailed, StageEncode, err)
	}

	byFrame := make(map[int][]domain.SmudgeOperation, len(req.Ops))
	for _, op := range req.Ops {
		byFrame[op.FrameNumber] = append(byFrame[op.FrameNumber], op)
	}

	logger := logrus.WithFields(logrus.Fields{"function": "Pipeline.encode"})
	for i := 0; i < m.FrameCount; i++ {
		img, ok := req.Frames.Get(i)
		if !ok {
			rep.FramesSkipped++
			logger.WithFields(logrus.Fields{"frame": i}).Warn("Could not read frame, skipped")
			if obs != nil {
				obs.OnFrame(i+1, m.FrameCount)
			}
			continue
		}
		for j := range byFrame[i] {
			op := &byFrame[i][j]
			if err := op.Validate(); err != nil {
				rep.OpsFailed++
				logger.WithFields(logrus.Fields{
					"frame":        i,
					"operation_id": op.ID,
					"error":        err.Error(),
				}).Warn("Could not apply operation, skipped")
				continue
			}
			blur.Apply(img, op)
			rep.OpsApplied++
		}
		if err := enc.WriteFrame(img); err != nil {
			_ = enc.Close()
			return fail(domain.ErrCodeEncodeFailed, StageEncode, fmt.Errorf("写入第 %d 帧失败：%w", i, err))
		}
		rep.FramesWritten++
		if obs != nil {
			obs.OnFrame(i+1, m.FrameCount)
		}
	}

	if err := enc.Close(); err != nil {
		return fail(domain.ErrCodeEncodeFailed, StageEncode, err)
	}
	if rep.FramesWritten == 0 {
		return fail(domain.ErrCodeNoFrames, StageEncode, errors.New("没有成功写出任何帧"))
	}
	return nil
}

// preserveAudio 尝试把原音轨合并进最终产物。每一步失败都只降级为"无音轨"。
// 返回 true 时 dst 已是带音轨的完整产物。
func (p *Pipeline) preserveAudio(ctx context.Context, src, tmpVideo, dst string, temps *tempSet, obs Observer) (bool, string) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "Pipeline.preserveAudio",
		"source":   src,
	})
	tc := p.Tools
	if tc.FFmpeg == "" || tc.FFprobe == "" {
		logger.Warn("ffmpeg/ffprobe not available, exporting without audio")
		return false, domain.AudioNoteToolMissing
	}
	started := time.Now()
	if _, err := tc.Version(ctx); err != nil {
		logger.WithFields(logrus.Fields{"error": err.Error()}).Warn("ffmpeg not usable, exporting without audio")
		return false, domain.AudioNoteToolMissing
	}
	has, err := tc.HasAudio(ctx, src)
	stage(obs, StageAudioProbe, map[string]any{"has_audio": has}, started)
	if err != nil {
		logger.WithFields(logrus.Fields{"error": err.Error()}).Warn("Audio probe failed, exporting without audio")
		return false, domain.AudioNoteProbeFailed
	}
	if !has {
		logger.Info("Source has no audio stream")
		return false, domain.AudioNoteNoStream
	}

	started = time.Now()
	audio := filepath.Join(temps.dir, "audio.mka")
	if err := tc.ExtractAudio(ctx, src, audio); err != nil {
		logger.WithFields(logrus.Fields{"error": err.Error()}).Warn("Audio extraction failed, exporting without audio")
		return false, domain.AudioNoteExtractFailed
	}
	stage(obs, StageAudioExtract, nil, started)

	started = time.Now()
	muxTmp, err := reserveSibling(dst, "mux")
	if err != nil {
		logger.WithFields(logrus.Fields{"error": err.Error()}).Warn("Could not create mux target, exporting without audio")
		return false, domain.AudioNoteMuxFailed
	}
	temps.add(muxTmp)
	if err := tc.Mux(ctx, tmpVideo, audio, muxTmp); err != nil {
		_ = fsx.RemoveIfExists(muxTmp)
		logger.WithFields(logrus.Fields{"error": err.Error()}).Warn("Mux failed, exporting without audio")
		return false, domain.AudioNoteMuxFailed
	}
	if err := fsx.Rename(muxTmp, dst); err != nil {
		_ = fsx.RemoveIfExists(muxTmp)
		logger.WithFields(logrus.Fields{"error": err.Error()}).Warn("Could not move muxed output, exporting without audio")
		return false, domain.AudioNoteMuxFailed
	}
	temps.forget(muxTmp)
	stage(obs, StageMux, nil, started)
	return true, ""
}

// reserveSibling 在 dst 同目录创建一个空的隐藏临时文件，扩展名与 dst 相同（ffmpeg 按扩展名选容器）。
func reserveSibling(dst, tag string) (string, error) {
	ext := filepath.Ext(dst)
	stem := strings.TrimSuffix(filepath.Base(dst), ext)
	f, err := os.CreateTemp(filepath.Dir(dst), "."+stem+"."+tag+"-*"+ext)
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}

func stage(obs Observer, s Stage, fields map[string]any, started time.Time) {
	if obs != nil {
		obs.OnStage(s, fields, time.Since(started))
	}
}

func mb(b uint64) float64 { return float64(b) / (1 << 20) }
