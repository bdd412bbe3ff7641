package export

import (
	"sync"
	"time"

	"github.com/John-Robertt/facesmudge/internal/domain"
)

// Observer 把导出进度从流程中解耦出来。
//
// 约束：
// - export 包只发事件，不做任何输出
// - 事件都来自导出 goroutine；实现若把它们转给 UI，需要自行排队
type Observer interface {
	// OnStart 在开始时调用（total = 总帧数）。
	OnStart(req Request, total int)
	// OnStage 在某一步结束时调用。
	OnStage(stage Stage, fields map[string]any, dur time.Duration)
	// OnFrame 每写出（或跳过）一帧调用一次。
	OnFrame(done, total int)
	// OnFinish 在报告定稿后调用（成功和失败都会调用）。
	OnFinish(rep domain.ExportReport)
}

// MessageKind 区分 Queue 中的消息。
type MessageKind string

const (
	MsgStart  MessageKind = "start"
	MsgStage  MessageKind = "stage"
	MsgFrame  MessageKind = "frame"
	MsgFinish MessageKind = "finish"
)

// Message 是投递给 UI 的一条进度消息。
type Message struct {
	Kind   MessageKind
	Stage  Stage
	Fields map[string]any
	Dur    time.Duration
	Done   int
	Total  int
	Report *domain.ExportReport
}

// Queue 是线程安全的消息队列：导出 goroutine 写入，UI 按固定间隔 Poll。
//
// 帧进度会被合并（只保留最新一条），其余消息按顺序保留，不会丢失。
type Queue struct {
	mu      sync.Mutex
	msgs    []Message
	frame   *Message
	pending bool
}

func NewQueue() *Queue { return &Queue{} }

func (q *Queue) push(m Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushFrameLocked()
	q.msgs = append(q.msgs, m)
}

func (q *Queue) flushFrameLocked() {
	if q.pending {
		q.msgs = append(q.msgs, *q.frame)
		q.pending = false
	}
}

func (q *Queue) OnStart(req Request, total int) {
	q.push(Message{Kind: MsgStart, Total: total})
}

func (q *Queue) OnStage(stage Stage, fields map[string]any, dur time.Duration) {
	q.push(Message{Kind: MsgStage, Stage: stage, Fields: fields, Dur: dur})
}

func (q *Queue) OnFrame(done, total int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frame = &Message{Kind: MsgFrame, Done: done, Total: total}
	q.pending = true
}

func (q *Queue) OnFinish(rep domain.ExportReport) {
	q.push(Message{Kind: MsgFinish, Report: &rep})
}

// Poll 取出当前所有消息（不阻塞）。
func (q *Queue) Poll() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushFrameLocked()
	out := q.msgs
	q.msgs = nil
	return out
}

// multi 把事件转发给多个 Observer。
type multi []Observer

func (m multi) OnStart(req Request, total int) {
	for _, o := range m {
		o.OnStart(req, total)
	}
}

func (m multi) OnStage(stage Stage, fields map[string]any, dur time.Duration) {
	for _, o := range m {
		o.OnStage(stage, fields, dur)
	}
}

func (m multi) OnFrame(done, total int) {
	for _, o := range m {
		o.OnFrame(done, total)
	}
}

func (m multi) OnFinish(rep domain.ExportReport) {
	for _, o := range m {
		o.OnFinish(rep)
	}
}

// Tee 合并多个 Observer（nil 会被忽略）。
func Tee(obs ...Observer) Observer {
	var out multi
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}
