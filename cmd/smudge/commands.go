package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/facesmudge/internal/app/export"
	"github.com/John-Robertt/facesmudge/internal/app/session"
	"github.com/John-Robertt/facesmudge/internal/config"
	"github.com/John-Robertt/facesmudge/internal/domain"
	"github.com/John-Robertt/facesmudge/internal/infra/ffx"
	"github.com/John-Robertt/facesmudge/internal/infra/fsx"
	"github.com/John-Robertt/facesmudge/internal/infra/imgx"
	"github.com/John-Robertt/facesmudge/internal/infra/sidecar"
	"github.com/John-Robertt/facesmudge/internal/media"
	"github.com/John-Robertt/facesmudge/internal/scan"
	"github.com/John-Robertt/facesmudge/internal/viewport"
)

// pollInterval 是 UI 轮询导出进度队列的间隔。
const pollInterval = 100 * time.Millisecond

// ---- info ----

type infoEntry struct {
	domain.VideoMetadata
	Duration   string `json:"duration"`
	Operations int    `json:"operations"`
	ErrorCode  string `json:"error_code,omitempty"`
	ErrorMsg   string `json:"error_msg,omitempty"`
}

func infoCmd(args []string, stdout, stderr io.Writer) int {
	if wantsHelp(args) {
		printInfoUsage(stdout)
		return 0
	}
	pa, err := parseArgs(args, map[string]bool{"fps": true, "include-exported": false})
	if err != nil {
		return usageErr(stderr, err, printInfoUsage)
	}
	if len(pa.positional) != 1 {
		return usageErr(stderr, errors.New("需要且只需要一个路径"), printInfoUsage)
	}
	fps := domain.DefaultFPS
	if pa.has("fps") {
		if fps, err = pa.floatValue("fps"); err != nil {
			return usageErr(stderr, err, printInfoUsage)
		}
	}
	e, err := setup(pa, stderr)
	if err != nil {
		return failf(stderr, config.Code(err), err)
	}

	path := pa.positional[0]
	targets := []string{path}
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		videos, err := scan.ScanVideos(path, scan.Options{IncludeExported: pa.bools["include-exported"]})
		if err != nil {
			return failf(stderr, domain.ErrCodeIOFailed, err)
		}
		// 目录里没有视频：按图片序列处理。
		if len(videos) > 0 {
			targets = targets[:0]
			for _, v := range videos {
				targets = append(targets, v.AbsPath)
			}
		}
	}

	ctx := context.Background()
	entries := make([]infoEntry, 0, len(targets))
	failed := 0
	for _, t := range targets {
		ent := describe(ctx, e, t, fps)
		if ent.ErrorCode != "" {
			failed++
		}
		entries = append(entries, ent)
	}

	if isTTY(stdout) {
		for _, ent := range entries {
			if ent.ErrorCode != "" {
				fmt.Fprintf(stdout, "%s  %s: %s\n", ent.Path, ent.ErrorCode, ent.ErrorMsg)
				continue
			}
			fmt.Fprintf(stdout, "%s  %dx%d  %.3gfps  %d frames  %s  codec=%s  ops=%d\n",
				ent.Path, ent.Width, ent.Height, ent.FPS, ent.FrameCount, ent.Duration, ent.Codec, ent.Operations)
		}
	} else if len(entries) == 1 {
		emitJSON(stdout, entries[0])
	} else {
		emitJSON(stdout, entries)
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func describe(ctx context.Context, e env, path string, fps float64) infoEntry {
	dec, err := media.Open(ctx, e.tools, path, fps)
	if err != nil {
		return infoEntry{
			VideoMetadata: domain.VideoMetadata{Path: path},
			ErrorCode:     domain.ErrCodeSourceInvalid,
			ErrorMsg:      fmt.Sprintf("%s: %v", media.OpenKind(err), err),
		}
	}
	defer dec.Close()
	meta := dec.Metadata()
	ent := infoEntry{VideoMetadata: meta, Duration: meta.Duration().Round(time.Millisecond).String()}
	if f, ok, err := sidecar.New(true).ReadOps(path); err == nil && ok {
		ent.Operations = len(f.Operations)
	}
	return ent
}

// ---- frame ----

func frameCmd(args []string, stdout, stderr io.Writer) int {
	if wantsHelp(args) {
		printFrameUsage(stdout)
		return 0
	}
	pa, err := parseArgs(args, map[string]bool{"frame": true, "out": true, "ops": true, "display": true, "fps": true})
	if err != nil {
		return usageErr(stderr, err, printFrameUsage)
	}
	if len(pa.positional) != 1 {
		return usageErr(stderr, errors.New("需要且只需要一个视频路径"), printFrameUsage)
	}
	frame := 0
	if pa.has("frame") {
		if frame, err = pa.intValue("frame"); err != nil {
			return usageErr(stderr, err, printFrameUsage)
		}
	}
	dw, dh := 0, 0
	if pa.has("display") {
		if dw, dh, err = parseSize(pa.values["display"]); err != nil {
			return usageErr(stderr, err, printFrameUsage)
		}
	}
	e, err := setup(pa, stderr)
	if err != nil {
		return failf(stderr, config.Code(err), err)
	}

	src := pa.positional[0]
	s, code, err := openSession(e, src, pa)
	if err != nil {
		return failf(stderr, code, err)
	}
	defer s.Close()
	if _, err := loadOps(s, src, pa.values["ops"]); err != nil {
		return failf(stderr, domain.ErrCodeSourceInvalid, err)
	}

	meta := s.Metadata()
	if frame < 0 || frame >= meta.FrameCount {
		return usageErr(stderr, fmt.Errorf("--frame 越界：%d（共 %d 帧）", frame, meta.FrameCount), printFrameUsage)
	}

	out := pa.values["out"]
	if out == "" {
		stem := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
		out = filepath.Join(filepath.Dir(src), fmt.Sprintf("%s_frame%06d.png", stem, frame))
	}

	var (
		img *image.RGBA
		ok  bool
	)
	if dw > 0 {
		if err := s.SetDisplaySize(dw, dh); err != nil {
			return failf(stderr, "", err)
		}
		s.Seek(frame)
		img, ok = s.Display()
	} else {
		img, ok = s.Frame(frame)
	}
	if !ok {
		return failf(stderr, "frame_unavailable", fmt.Errorf("第 %d 帧无法解码", frame))
	}

	if err := writePNG(out, img); err != nil {
		if fsx.IsPathTypeConflict(err) {
			return failf(stderr, domain.ErrCodeOutputInvalid, err)
		}
		return failf(stderr, domain.ErrCodeIOFailed, err)
	}
	fmt.Fprintln(stdout, out)
	return 0
}

func writePNG(path string, img *image.RGBA) error {
	b, err := imgx.EncodePNG(img)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := fsx.CheckFileTarget(abs); err != nil {
		return err
	}
	dir, name := filepath.Split(abs)
	return fsx.WriteFileAtomic(filepath.Clean(dir), name, b)
}

// ---- ops ----

func opsCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || isHelp(args[0]) {
		printOpsUsage(stdout)
		return 0
	}
	switch args[0] {
	case "add":
		return opsAddCmd(args[1:], stdout, stderr)
	case "list":
		return opsListCmd(args[1:], stdout, stderr)
	case "undo":
		return opsUndoCmd(args[1:], stdout, stderr)
	case "clear":
		return opsClearCmd(args[1:], stdout, stderr)
	default:
		return usageErr(stderr, fmt.Errorf("未知的 ops 子命令：%q", args[0]), printOpsUsage)
	}
}

// opsAddCmd 模拟一次拖动：在 --frame 按下，按住指针逐帧前进到 --to，然后松开。
// 每经过一帧生成一个操作（与“边播放边涂抹”相同的路径）。
func opsAddCmd(args []string, stdout, stderr io.Writer) int {
	pa, err := parseArgs(args, map[string]bool{
		"frame": true, "to": true, "x": true, "y": true,
		"point": true, "display": true, "fps": true,
	})
	if err != nil {
		return usageErr(stderr, err, printOpsUsage)
	}
	if len(pa.positional) != 1 {
		return usageErr(stderr, errors.New("需要且只需要一个视频路径"), printOpsUsage)
	}
	frame := 0
	if pa.has("frame") {
		if frame, err = pa.intValue("frame"); err != nil {
			return usageErr(stderr, err, printOpsUsage)
		}
	}
	to := frame
	if pa.has("to") {
		if to, err = pa.intValue("to"); err != nil {
			return usageErr(stderr, err, printOpsUsage)
		}
	}
	if to < frame {
		return usageErr(stderr, fmt.Errorf("--to（%d）不能小于 --frame（%d）", to, frame), printOpsUsage)
	}
	usePoint := pa.has("point")
	if usePoint == (pa.has("x") || pa.has("y")) {
		return usageErr(stderr, errors.New("必须二选一：--x/--y（归一化）或 --point PX,PY（显示坐标）"), printOpsUsage)
	}

	e, err := setup(pa, stderr)
	if err != nil {
		return failf(stderr, config.Code(err), err)
	}
	src := pa.positional[0]
	s, code, err := openSession(e, src, pa)
	if err != nil {
		return failf(stderr, code, err)
	}
	defer s.Close()
	before, err := loadOps(s, src, "")
	if err != nil {
		return failf(stderr, domain.ErrCodeSourceInvalid, err)
	}

	meta := s.Metadata()
	if frame < 0 || to >= meta.FrameCount {
		return usageErr(stderr, fmt.Errorf("帧号越界：[%d,%d]（共 %d 帧）", frame, to, meta.FrameCount), printOpsUsage)
	}

	dw, dh := meta.Width, meta.Height
	if pa.has("display") {
		if dw, dh, err = parseSize(pa.values["display"]); err != nil {
			return usageErr(stderr, err, printOpsUsage)
		}
	}
	var px, py float64
	if usePoint {
		if px, py, err = parsePoint(pa.values["point"]); err != nil {
			return usageErr(stderr, err, printOpsUsage)
		}
	} else {
		x, err1 := pa.floatValue("x")
		y, err2 := pa.floatValue("y")
		if err := errors.Join(err1, err2); err != nil {
			return usageErr(stderr, err, printOpsUsage)
		}
		if x < 0 || x > 1 || y < 0 || y > 1 {
			return usageErr(stderr, fmt.Errorf("坐标必须在 [0,1]：(%v,%v)", x, y), printOpsUsage)
		}
		var ok bool
		if px, py, ok = viewport.ToDisplay(x, y, dw, dh, meta.Width, meta.Height); !ok {
			return usageErr(stderr, fmt.Errorf("显示尺寸无效：%dx%d", dw, dh), printOpsUsage)
		}
	}

	if err := s.SetDisplaySize(dw, dh); err != nil {
		return failf(stderr, "", err)
	}
	s.Seek(frame)
	if !s.PointerDown(px, py) {
		return failf(stderr, "", fmt.Errorf("指针 (%v,%v) 落在画面之外", px, py))
	}
	for cur := frame; cur < to; {
		cur = s.Step(1)
	}
	s.PointerUp()

	ops := s.Operations()
	if err := sidecar.New(false).WriteOps(src, ops); err != nil {
		return failf(stderr, domain.ErrCodeIOFailed, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "opsAddCmd",
		"video":    src,
		"added":    len(ops) - before,
		"total":    len(ops),
	}).Info("Operations saved")
	if isTTY(stdout) {
		fmt.Fprintf(stdout, "新增 %d 个操作（共 %d 个）\n", len(ops)-before, len(ops))
	} else {
		emitJSON(stdout, ops[before:])
	}
	return 0
}

func opsListCmd(args []string, stdout, stderr io.Writer) int {
	pa, err := parseArgs(args, map[string]bool{})
	if err != nil {
		return usageErr(stderr, err, printOpsUsage)
	}
	if len(pa.positional) != 1 {
		return usageErr(stderr, errors.New("需要且只需要一个视频路径"), printOpsUsage)
	}
	logrus.SetOutput(stderr)
	f, _, err := sidecar.New(true).ReadOps(pa.positional[0])
	if err != nil {
		return failf(stderr, domain.ErrCodeSourceInvalid, err)
	}
	if f.Operations == nil {
		f.Operations = []domain.SmudgeOperation{}
	}
	if !isTTY(stdout) {
		emitJSON(stdout, f.Operations)
		return 0
	}
	for _, op := range f.Operations {
		fmt.Fprintf(stdout, "frame=%d  x=%.4f y=%.4f  r=%d sigma=%g  %s\n",
			op.FrameNumber, op.X, op.Y, op.Radius, op.Sigma, op.ID)
	}
	fmt.Fprintf(stdout, "共 %d 个操作\n", len(f.Operations))
	return 0
}

// opsUndoCmd 撤销最近创建（按 timestamp）的操作。
func opsUndoCmd(args []string, stdout, stderr io.Writer) int {
	pa, err := parseArgs(args, map[string]bool{"fps": true})
	if err != nil {
		return usageErr(stderr, err, printOpsUsage)
	}
	if len(pa.positional) != 1 {
		return usageErr(stderr, errors.New("需要且只需要一个视频路径"), printOpsUsage)
	}
	e, err := setup(pa, stderr)
	if err != nil {
		return failf(stderr, config.Code(err), err)
	}
	src := pa.positional[0]
	s, code, err := openSession(e, src, pa)
	if err != nil {
		return failf(stderr, code, err)
	}
	defer s.Close()
	if _, err := loadOps(s, src, ""); err != nil {
		return failf(stderr, domain.ErrCodeSourceInvalid, err)
	}
	op, ok := s.Undo()
	if !ok {
		fmt.Fprintln(stderr, "没有可撤销的操作")
		return 1
	}
	if err := sidecar.New(false).WriteOps(src, s.Operations()); err != nil {
		return failf(stderr, domain.ErrCodeIOFailed, err)
	}
	if isTTY(stdout) {
		fmt.Fprintf(stdout, "已撤销 frame=%d %s\n", op.FrameNumber, op.ID)
	} else {
		emitJSON(stdout, op)
	}
	return 0
}

func opsClearCmd(args []string, stdout, stderr io.Writer) int {
	pa, err := parseArgs(args, map[string]bool{})
	if err != nil {
		return usageErr(stderr, err, printOpsUsage)
	}
	if len(pa.positional) != 1 {
		return usageErr(stderr, errors.New("需要且只需要一个视频路径"), printOpsUsage)
	}
	if err := sidecar.New(false).Remove(pa.positional[0]); err != nil {
		return failf(stderr, domain.ErrCodeIOFailed, err)
	}
	return 0
}

// ---- export ----

func exportCmd(args []string, stdout, stderr io.Writer) int {
	if wantsHelp(args) {
		printExportUsage(stdout)
		return 0
	}
	pa, err := parseArgs(args, map[string]bool{"out": true, "ops": true, "tmp": true, "fps": true})
	if err != nil {
		return usageErr(stderr, err, printExportUsage)
	}
	if len(pa.positional) != 1 {
		return usageErr(stderr, errors.New("需要且只需要一个视频路径"), printExportUsage)
	}
	e, err := setup(pa, stderr)
	if err != nil {
		return failf(stderr, config.Code(err), err)
	}

	// 外部工具的逐行输出（探测、解码管道、编码器、音轨合并）都走队列，由下面的轮询循环取出。
	lines := make(chan ffx.Line, 256)
	e.tools.Runner.Lines = lines

	src := pa.positional[0]
	s, code, err := openSession(e, src, pa)
	if err != nil {
		return failf(stderr, code, err)
	}
	defer s.Close()
	if _, err := loadOps(s, src, pa.values["ops"]); err != nil {
		return failf(stderr, domain.ErrCodeSourceInvalid, err)
	}

	out := pa.values["out"]
	if out == "" {
		out = export.DefaultOutput(s.Metadata().Path)
	}
	tmp := e.eff.TempDir
	if pa.has("tmp") {
		tmp = pa.values["tmp"]
	}

	job, err := s.StartExport(context.Background(), export.Pipeline{Tools: e.tools, TempDir: tmp}, out)
	if err != nil {
		return failf(stderr, "", err)
	}
	var ui *progressUI
	if isTTY(stderr) {
		ui = newProgressUI(stderr)
	}
	rep := waitJob(job, ui, lines, pollInterval)

	if isTTY(stdout) {
		if rep.OK() {
			fmt.Fprintf(stdout, "完成：%s（frames=%d skipped=%d audio=%s）\n",
				rep.Output, rep.FramesWritten, rep.FramesSkipped, audioLabel(rep))
		}
	} else {
		emitJSON(stdout, rep)
	}
	if !rep.OK() {
		fmt.Fprintf(stderr, "%s: %s\n", rep.ErrorCode, rep.ErrorMsg)
		return 1
	}
	return 0
}

// waitJob 按固定间隔轮询进度队列，直到导出结束。ui 为 nil 时只丢弃消息。
func waitJob(job *export.Job, ui *progressUI, lines <-chan ffx.Line, every time.Duration) domain.ExportReport {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			drainLines(lines)
			ui.handle(job.Poll())
		case <-job.Done():
			drainLines(lines)
			ui.handle(job.Poll())
			return job.Wait()
		}
	}
}

// drainLines 取出当前排队的外部工具输出（不阻塞），记到 debug 日志。
func drainLines(lines <-chan ffx.Line) {
	for {
		select {
		case l := <-lines:
			logrus.WithFields(logrus.Fields{
				"function": "drainLines",
				"tool":     l.Tool,
				"stream":   l.Stream,
			}).Debug(l.Text)
		default:
			return
		}
	}
}

func audioLabel(rep domain.ExportReport) string {
	if rep.AudioPreserved {
		return "preserved"
	}
	if rep.AudioNote == "" {
		return "none"
	}
	return "none (" + rep.AudioNote + ")"
}

// ---- config ----

type configView struct {
	Path          string  `json:"path"`
	Found         bool    `json:"found"`
	BlurRadius    int     `json:"blur_radius"`
	BlurSigma     float64 `json:"blur_sigma"`
	CacheSize     int     `json:"cache_size"`
	PlaybackSpeed float64 `json:"playback_speed"`
	FFmpegPath    string  `json:"ffmpeg_path"`
	FFprobePath   string  `json:"ffprobe_path"`
	TempDir       string  `json:"temp_dir"`
	LogLevel      string  `json:"log_level"`
	FFmpeg        string  `json:"ffmpeg"`
	FFprobe       string  `json:"ffprobe"`
}

func configCmd(args []string, stdout, stderr io.Writer) int {
	if wantsHelp(args) {
		printConfigUsage(stdout)
		return 0
	}
	pa, err := parseArgs(args, map[string]bool{"save": false})
	if err != nil {
		return usageErr(stderr, err, printConfigUsage)
	}
	if len(pa.positional) != 0 {
		return usageErr(stderr, fmt.Errorf("多余的参数：%q", pa.positional), printConfigUsage)
	}
	e, err := setup(pa, stderr)
	if err != nil {
		return failf(stderr, config.Code(err), err)
	}
	if pa.bools["save"] {
		if err := config.Save(e.eff); err != nil {
			return failf(stderr, config.Code(err), err)
		}
		e.eff.Found = true
		fmt.Fprintf(stderr, "已保存：%s\n", e.eff.Path)
	}
	emitJSON(stdout, configView{
		Path:          e.eff.Path,
		Found:         e.eff.Found,
		BlurRadius:    e.eff.BlurRadius,
		BlurSigma:     e.eff.BlurSigma,
		CacheSize:     e.eff.CacheSize,
		PlaybackSpeed: e.eff.PlaybackSpeed,
		FFmpegPath:    e.eff.FFmpegPath,
		FFprobePath:   e.eff.FFprobePath,
		TempDir:       e.eff.TempDir,
		LogLevel:      e.eff.LogLevel,
		FFmpeg:        e.tools.FFmpeg,
		FFprobe:       e.tools.FFprobe,
	})
	return 0
}

// ---- 共享 ----

func openSession(e env, src string, pa parsedArgs) (*session.Session, string, error) {
	fps := domain.DefaultFPS
	if pa.has("fps") {
		v, err := pa.floatValue("fps")
		if err != nil {
			return nil, "", err
		}
		fps = v
	}
	dec, err := media.Open(context.Background(), e.tools, src, fps)
	if err != nil {
		return nil, domain.ErrCodeSourceInvalid, err
	}
	s, err := session.New(dec, e.sessionOptions(), nil)
	if err != nil {
		_ = dec.Close()
		return nil, "", err
	}
	return s, "", nil
}

// loadOps 把操作载入会话：opsPath 非空时必须存在，否则读取视频旁的 sidecar（可选）。
// 操作按创建时间载入，保证撤销顺序与创建顺序一致。
func loadOps(s *session.Session, video, opsPath string) (int, error) {
	var (
		f   domain.OpsFile
		ok  bool
		err error
	)
	if opsPath != "" {
		f, ok, err = sidecar.ReadFile(opsPath)
		if err == nil && !ok {
			err = fmt.Errorf("操作文件不存在：%s", opsPath)
		}
	} else {
		f, ok, err = sidecar.New(true).ReadOps(video)
	}
	if err != nil || !ok {
		return 0, err
	}
	sort.SliceStable(f.Operations, func(i, j int) bool {
		return f.Operations[i].CreatedAt.Before(f.Operations[j].CreatedAt)
	})
	return s.LoadOperations(f.Operations)
}
