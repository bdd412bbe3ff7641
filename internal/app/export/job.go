package export

import (
	"context"

	"github.com/John-Robertt/facesmudge/internal/domain"
)

// Job 是在后台 goroutine 上运行的一次导出。UI 用 Poll 按固定间隔取进度，不阻塞。
// 导出开始后不可取消（ctx 只限制外部工具调用）。
type Job struct {
	queue *Queue
	done  chan struct{}
	rep   domain.ExportReport
}

// Start 启动导出。p 按值复制：调用方之后修改 p 不影响本次导出。
func Start(ctx context.Context, p Pipeline, req Request) *Job {
	j := &Job{queue: NewQueue(), done: make(chan struct{})}
	p.Observer = Tee(p.Observer, j.queue)
	go func() {
		defer close(j.done)
		j.rep = p.Run(ctx, req)
	}()
	return j
}

// Poll 取出自上次 Poll 以来的进度消息。
func (j *Job) Poll() []Message { return j.queue.Poll() }

// Done 在导出结束后关闭。
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait 阻塞直到导出结束并返回报告。
func (j *Job) Wait() domain.ExportReport {
	<-j.done
	return j.rep
}
