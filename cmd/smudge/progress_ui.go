package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/John-Robertt/facesmudge/internal/app/export"
	"github.com/John-Robertt/facesmudge/internal/domain"
)

// progressUI 在交互终端上展示导出进度。
//
// - 只消费 Job.Poll 取出的消息，不直接挂在导出 goroutine 上
// - 所有输出写到 stderr，不污染 stdout 的 JSON
type progressUI struct {
	w         io.Writer
	bar       *progressbar.ProgressBar
	startedAt time.Time
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{w: w}
}

// handle 处理一批消息；p 为 nil 时什么也不做。
func (p *progressUI) handle(msgs []export.Message) {
	if p == nil {
		return
	}
	for _, m := range msgs {
		switch m.Kind {
		case export.MsgStart:
			p.startedAt = time.Now()
			fmt.Fprintf(p.w, "[%s] 导出开始：%d 帧\n", p.startedAt.Format("15:04:05"), m.Total)
			p.bar = progressbar.NewOptions(m.Total,
				progressbar.OptionSetWriter(p.w),
				progressbar.OptionSetDescription("编码"),
				progressbar.OptionShowCount(),
				progressbar.OptionShowIts(),
				progressbar.OptionSetItsString("frame"),
				progressbar.OptionSetWidth(40),
				progressbar.OptionThrottle(65*time.Millisecond),
				progressbar.OptionSetRenderBlankState(true),
			)
		case export.MsgFrame:
			if p.bar != nil {
				_ = p.bar.Set(m.Done)
			}
		case export.MsgStage:
			if m.Stage == export.StageEncode {
				p.finishBar()
			}
			fmt.Fprintf(p.w, "%s%s (%s)\n", m.Stage, formatFields(m.Fields), formatShortDuration(m.Dur))
		case export.MsgFinish:
			p.finishBar()
			if m.Report != nil {
				fmt.Fprintln(p.w, summaryLine(*m.Report, time.Since(p.startedAt)))
			}
		}
	}
}

func (p *progressUI) finishBar() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
	fmt.Fprintln(p.w)
	p.bar = nil
}

func summaryLine(rep domain.ExportReport, elapsed time.Duration) string {
	if !rep.OK() {
		return fmt.Sprintf("失败：%s %s (%s)", rep.ErrorCode, truncate(rep.ErrorMsg, 160), formatElapsed(elapsed))
	}
	return fmt.Sprintf("完成：frames=%d/%d skipped=%d ops=%d ops_failed=%d audio=%s size=%s (%s)",
		rep.FramesWritten, rep.TotalFrames, rep.FramesSkipped, rep.OpsApplied, rep.OpsFailed,
		audioLabel(rep), formatBytes(rep.OutputBytes), formatElapsed(elapsed),
	)
}

// formatFields 以稳定顺序输出 " k=v k=v"。
func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
