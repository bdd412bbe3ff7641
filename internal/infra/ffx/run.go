package ffx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Line 是外部进程输出的一行（stdout/stderr 各一个读取 goroutine 产出）。
type Line struct {
	Tool   string
	Stream string // "stdout" | "stderr"
	Text   string
}

// Result 是一次外部进程调用的结果。Stdout/Stderr 保留完整输出。
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Elapsed  time.Duration
}

// ToolError 描述外部工具调用失败：找不到、非零退出、超时。
type ToolError struct {
	Tool     string
	Args     []string
	ExitCode int
	Timeout  bool
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s 超时：%v", e.Tool, e.Err)
	case e.ExitCode != 0:
		return fmt.Sprintf("%s 退出码 %d：%s", e.Tool, e.ExitCode, lastLine(e.Stderr))
	default:
		return fmt.Sprintf("%s 执行失败：%v", e.Tool, e.Err)
	}
}

func (e *ToolError) Unwrap() error { return e.Err }

// IsTimeout 判断 err 是否为外部工具超时。
func IsTimeout(err error) bool {
	var e *ToolError
	return errors.As(err, &e) && e.Timeout
}

// Runner 执行外部进程；Lines 非空时，每个输出流由独立 goroutine 逐行投递。
//
// 约束：
// - 每次调用必须带有限超时（timeout<=0 视为调用方错误，直接拒绝）
// - Lines 满时丢弃该行（完整输出仍在 Result 中），读取端永远不会被 UI 消费速度卡住
// - 超时后进程被强制终止；WaitDelay 保证孙进程占用管道时 Wait 也能返回
type Runner struct {
	Lines chan<- Line
}

// 可在测试中替换，用来模拟进程启动失败。
var commandContext = exec.CommandContext

// Run 运行 path args...，并在 timeout 内返回。
func (r Runner) Run(ctx context.Context, timeout time.Duration, path string, args ...string) (Result, error) {
	tool := toolName(path)
	if timeout <= 0 {
		return Result{}, &ToolError{Tool: tool, Args: args, Err: errors.New("timeout 必须 > 0")}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := commandContext(ctx, path, args...)
	cmd.WaitDelay = 2 * time.Second

	outW := r.Writer(path, "stdout")
	errW := r.Writer(path, "stderr")
	cmd.Stdout = outW
	cmd.Stderr = errW

	logrus.WithFields(logrus.Fields{
		"function": "Runner.Run",
		"tool":     tool,
		"args":     strings.Join(args, " "),
		"timeout":  timeout.String(),
	}).Debug("Starting external tool")

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, &ToolError{Tool: tool, Args: args, Err: err}
	}

	waitErr := cmd.Wait()
	outW.Flush()
	errW.Flush()
	res := Result{
		Stdout:  outW.Bytes(),
		Stderr:  errW.Bytes(),
		Elapsed: time.Since(started),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctx.Err() == context.DeadlineExceeded {
		logrus.WithFields(logrus.Fields{
			"function": "Runner.Run",
			"tool":     tool,
			"elapsed":  res.Elapsed.String(),
		}).Warn("External tool timed out and was killed")
		return res, &ToolError{Tool: tool, Args: args, ExitCode: res.ExitCode, Timeout: true, Stderr: string(res.Stderr), Err: ctx.Err()}
	}
	if waitErr != nil {
		return res, &ToolError{Tool: tool, Args: args, ExitCode: res.ExitCode, Stderr: string(res.Stderr), Err: waitErr}
	}
	return res, nil
}

// LineWriter 作为 cmd.Stdout/Stderr：os/exec 为每个流起一个拷贝 goroutine，
// 这里把字节切成行并投递到队列，同时保留完整输出。
// 长时间运行的进程（编码器、解码管道）也用它接 stderr。
type LineWriter struct {
	mu      sync.Mutex
	lines   chan<- Line
	tool    string
	stream  string
	buf     bytes.Buffer
	partial []byte
}

// Writer 返回 path 对应工具在 stream 上的 LineWriter，行投递到 r.Lines（为空时只保留输出）。
func (r Runner) Writer(path, stream string) *LineWriter {
	return &LineWriter{lines: r.Lines, tool: toolName(path), stream: stream}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	if w.lines == nil {
		return len(p), nil
	}
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(string(bytes.TrimRight(w.partial[:i], "\r")))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

// Flush 投递最后一段不以换行结尾的输出。进程 Wait 返回后调用。
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 && w.lines != nil {
		w.emit(string(w.partial))
	}
	w.partial = nil
}

// Bytes 返回到目前为止的完整输出。
func (w *LineWriter) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Bytes()
}

func (w *LineWriter) String() string { return string(w.Bytes()) }

func (w *LineWriter) emit(text string) {
	select {
	case w.lines <- Line{Tool: w.tool, Stream: w.stream, Text: text}:
	default:
	}
}

func toolName(path string) string {
	base := path
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	return strings.TrimSuffix(base, ".exe")
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
