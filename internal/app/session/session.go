// Package session 是单一所有者的编辑会话：解码器、帧缓存、操作存储、撤销栈、
// 当前帧与拖动状态都只在 Dispatcher 的 goroutine 上被修改。
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/facesmudge/internal/app/export"
	"github.com/John-Robertt/facesmudge/internal/app/playback"
	"github.com/John-Robertt/facesmudge/internal/blur"
	"github.com/John-Robertt/facesmudge/internal/domain"
	"github.com/John-Robertt/facesmudge/internal/framecache"
	"github.com/John-Robertt/facesmudge/internal/media"
	"github.com/John-Robertt/facesmudge/internal/smudge"
	"github.com/John-Robertt/facesmudge/internal/viewport"
)

// JoinTimeout 是关闭会话时等待播放循环退出的上限。
const JoinTimeout = 2 * time.Second

// ErrClosed 表示会话已关闭。
var ErrClosed = errors.New("session: closed")

// Options 是会话启动参数（来自配置，CLI 可覆盖）。
type Options struct {
	BlurRadius int
	BlurSigma  float64
	CacheSize  int
	Speed      float64
}

// DefaultOptions 与配置默认值一致。
func DefaultOptions() Options {
	return Options{BlurRadius: 50, BlurSigma: 25, CacheSize: framecache.DefaultCapacity, Speed: 1}
}

// View 接收渲染结果；在 UI goroutine 上调用，img 归实现所有。
// Present 内不得再调用 Session 的公开方法（它们会等待 UI goroutine）。
type View interface {
	Present(frame int, img *image.RGBA)
}

// ViewFunc 让普通函数实现 View。
type ViewFunc func(frame int, img *image.RGBA)

func (f ViewFunc) Present(frame int, img *image.RGBA) { f(frame, img) }

type dragState struct {
	down   bool
	x, y   float64
	active *domain.SmudgeOperation // 正在拖动、尚未保存的操作（预览层）
}

// Session 是一次编辑会话。公开方法可以在任意 goroutine 调用：它们经由 Dispatcher 串行执行。
type Session struct {
	disp  *Dispatcher
	meta  domain.VideoMetadata
	cache *framecache.Cache
	store *smudge.Store
	hist  *smudge.History
	play  *playback.Player

	// 以下字段只在 UI goroutine 上访问
	opts     Options
	current  int
	drag     dragState
	displayW int
	displayH int
	view     View

	closeOnce sync.Once
	closed    chan struct{}
}

// New 接管 dec（经由帧缓存在 Close 时关闭）并渲染第 0 帧。
func New(dec media.Decoder, opts Options, view View) (*Session, error) {
	def := DefaultOptions()
	if opts.BlurRadius <= 0 {
		opts.BlurRadius = def.BlurRadius
	}
	if !(opts.BlurSigma > 0) {
		opts.BlurSigma = def.BlurSigma
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = def.CacheSize
	}
	if opts.Speed == 0 {
		opts.Speed = def.Speed
	}

	meta := dec.Metadata()
	s := &Session{
		disp:     NewDispatcher(),
		meta:     meta,
		cache:    framecache.New(dec, opts.CacheSize),
		store:    smudge.NewStore(),
		hist:     &smudge.History{},
		opts:     opts,
		displayW: meta.Width,
		displayH: meta.Height,
		view:     view,
		closed:   make(chan struct{}),
	}
	s.play = playback.New(s.disp, advancer{s}, meta.FPS)
	if err := s.play.SetSpeed(opts.Speed); err != nil {
		s.disp.Stop()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "session.New",
		"path":       meta.Path,
		"frames":     meta.FrameCount,
		"cache_size": opts.CacheSize,
	}).Info("Session opened")

	s.disp.Call(s.render)
	return s, nil
}

// advancer 把 Player 的 tick 接到会话上；只在 UI goroutine 上被调用。
type advancer struct{ s *Session }

func (a advancer) Advance() bool { return a.s.advance() }

// do 在 UI goroutine 上执行 fn 并等待；会话关闭后返回 ErrClosed。
func (s *Session) do(fn func()) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	ran := false
	s.disp.Call(func() {
		fn()
		ran = true
	})
	if !ran {
		return ErrClosed
	}
	return nil
}

func (s *Session) Metadata() domain.VideoMetadata { return s.meta }

// Cache 暴露帧缓存（导出复用它读取帧）。
func (s *Session) Cache() *framecache.Cache { return s.cache }

// ---- 渲染 ----

// compose 返回 frame 的合成结果：已保存操作按插入顺序，然后是预览层。
func (s *Session) compose(frame int) (*image.RGBA, bool) {
	img, ok := s.cache.Get(frame)
	if !ok {
		return nil, false
	}
	ops := s.store.ForFrame(frame)
	if a := s.drag.active; a != nil && a.FrameNumber == frame && !s.store.Contains(a) {
		ops = append(ops, a)
	}
	if len(ops) > 0 {
		blur.ApplyAll(img, ops...)
		s.cache.MarkModified(frame)
	}
	return img, true
}

func (s *Session) render() {
	img, ok := s.compose(s.current)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Session.render",
			"frame":    s.current,
		}).Warn("Frame unavailable")
		return
	}
	if s.view != nil {
		s.view.Present(s.current, img)
	}
}

// Frame 返回 frame 的合成结果（含预览层）。
func (s *Session) Frame(frame int) (img *image.RGBA, ok bool) {
	err := s.do(func() { img, ok = s.compose(frame) })
	return img, ok && err == nil
}

// Display 返回当前帧按显示尺寸 letterbox 后的图像。
func (s *Session) Display() (img *image.RGBA, ok bool) {
	err := s.do(func() {
		f, fok := s.compose(s.current)
		if !fok {
			return
		}
		img, ok = viewport.Render(f, s.displayW, s.displayH)
	})
	return img, ok && err == nil
}

// SetDisplaySize 设置显示区域尺寸（指针坐标以此换算）。
func (s *Session) SetDisplaySize(w, h int) error {
	return s.do(func() { s.displayW, s.displayH = w, h })
}

// ---- 指针与操作 ----

// PointerDown 在显示坐标 (px,py) 按下。落在黑边里返回 false，不开始拖动。
func (s *Session) PointerDown(px, py float64) (started bool) {
	_ = s.do(func() {
		x, y, ok := viewport.ToFrame(px, py, s.displayW, s.displayH, s.meta.Width, s.meta.Height)
		if !ok {
			return
		}
		s.drag.down = true
		s.drag.x, s.drag.y = x, y
		s.createOrExtend(s.current, x, y)
		s.render()
		started = true
	})
	return started
}

// PointerMove 更新拖动位置；移到黑边里时保留上一次的位置。
func (s *Session) PointerMove(px, py float64) {
	_ = s.do(func() {
		if !s.drag.down {
			return
		}
		x, y, ok := viewport.ToFrame(px, py, s.displayW, s.displayH, s.meta.Width, s.meta.Height)
		if !ok {
			return
		}
		s.drag.x, s.drag.y = x, y
		s.createOrExtend(s.current, x, y)
		s.render()
	})
}

// PointerUp 结束拖动并保存进行中的操作。
func (s *Session) PointerUp() {
	_ = s.do(func() {
		s.endDrag()
		s.render()
	})
}

// createOrExtend：同一帧上仍在拖动的操作原地更新位置；否则先保存旧的再新建。
func (s *Session) createOrExtend(frame int, x, y float64) {
	if a := s.drag.active; a != nil && a.FrameNumber == frame {
		a.X, a.Y = x, y
		return
	}
	s.finalize()
	s.drag.active = smudge.NewOperation(frame, x, y, s.opts.BlurRadius, s.opts.BlurSigma)
	logrus.WithFields(logrus.Fields{
		"function":     "Session.createOrExtend",
		"frame":        frame,
		"operation_id": s.drag.active.ID,
	}).Debug("Started operation")
}

// finalize 保存进行中的操作（幂等），它从此不可变。
func (s *Session) finalize() {
	a := s.drag.active
	if a == nil {
		return
	}
	s.drag.active = nil
	if s.store.Save(a) {
		s.hist.Push(a)
	}
}

func (s *Session) endDrag() {
	s.finalize()
	s.drag.down = false
}

// AddOperation 直接在 frame 上新增一个操作（归一化坐标），可撤销。
func (s *Session) AddOperation(frame int, x, y float64) (op domain.SmudgeOperation, err error) {
	derr := s.do(func() {
		if frame < 0 || frame >= s.meta.FrameCount {
			err = fmt.Errorf("帧号越界：%d（共 %d 帧）", frame, s.meta.FrameCount)
			return
		}
		o := smudge.NewOperation(frame, x, y, s.opts.BlurRadius, s.opts.BlurSigma)
		if err = o.Validate(); err != nil {
			return
		}
		s.endDrag()
		s.store.Save(o)
		s.hist.Push(o)
		op = *o
		if frame == s.current {
			s.render()
		}
	})
	if derr != nil {
		return op, derr
	}
	return op, err
}

// LoadOperations 批量载入操作（例如来自 sidecar）；每个都进入撤销栈。
func (s *Session) LoadOperations(ops []domain.SmudgeOperation) (loaded int, err error) {
	derr := s.do(func() {
		s.endDrag()
		for i := range ops {
			o := ops[i]
			if e := o.Validate(); e != nil {
				err = fmt.Errorf("第 %d 个操作无效：%w", i, e)
				return
			}
			if o.FrameNumber >= s.meta.FrameCount {
				err = fmt.Errorf("第 %d 个操作帧号越界：%d", i, o.FrameNumber)
				return
			}
		}
		for i := range ops {
			o := ops[i]
			if s.store.Save(&o) {
				s.hist.Push(&o)
				loaded++
			}
		}
		s.render()
	})
	if derr != nil {
		return 0, derr
	}
	return loaded, err
}

// Undo 撤销最近的操作；拖动中先结束拖动。
func (s *Session) Undo() (op domain.SmudgeOperation, ok bool) {
	_ = s.do(func() {
		s.endDrag()
		o, uok := s.hist.Undo(s.store, s.cache)
		if !uok {
			return
		}
		op, ok = *o, true
		s.render()
	})
	return op, ok
}

// Redo 重做最近撤销的操作（同一身份）。
func (s *Session) Redo() (op domain.SmudgeOperation, ok bool) {
	_ = s.do(func() {
		s.endDrag()
		o, rok := s.hist.Redo(s.store, s.cache)
		if !rok {
			return
		}
		op, ok = *o, true
		s.render()
	})
	return op, ok
}

func (s *Session) CanUndo() (v bool) {
	_ = s.do(func() { v = s.hist.CanUndo() })
	return v
}

func (s *Session) CanRedo() (v bool) {
	_ = s.do(func() { v = s.hist.CanRedo() })
	return v
}

// ClearAll 删除全部操作与撤销历史，清空缓存。
func (s *Session) ClearAll() {
	_ = s.do(func() {
		s.drag = dragState{}
		s.store.Clear()
		s.hist.Clear()
		s.cache.Clear()
		s.render()
		logrus.WithFields(logrus.Fields{"function": "Session.ClearAll"}).Info("Cleared all operations")
	})
}

// Operations 返回已保存操作的值快照（帧号升序，帧内插入顺序）。
func (s *Session) Operations() (out []domain.SmudgeOperation) {
	_ = s.do(func() { out = s.snapshotOps() })
	return out
}

func (s *Session) snapshotOps() []domain.SmudgeOperation {
	all := s.store.All()
	out := make([]domain.SmudgeOperation, len(all))
	for i, o := range all {
		out[i] = *o
	}
	return out
}

// HasUnsavedChanges 报告是否存在尚未导出的操作（关闭前提示用）。
func (s *Session) HasUnsavedChanges() (v bool) {
	_ = s.do(func() { v = s.store.Count() > 0 || s.drag.active != nil })
	return v
}

// ---- 导航 ----

// Seek 跳到 frame（夹到 [0,last]）。拖动中时，进行中的操作延续到新帧。
func (s *Session) Seek(frame int) (cur int) {
	_ = s.do(func() {
		s.seek(frame)
		cur = s.current
	})
	return cur
}

func (s *Session) seek(frame int) {
	if frame < 0 {
		frame = 0
	}
	if last := s.meta.LastFrame(); frame > last {
		frame = last
	}
	s.current = frame
	if s.drag.down {
		s.createOrExtend(frame, s.drag.x, s.drag.y)
	}
	s.render()
}

// Step 相对移动 delta 帧。
func (s *Session) Step(delta int) (cur int) {
	_ = s.do(func() {
		s.seek(s.current + delta)
		cur = s.current
	})
	return cur
}

func (s *Session) JumpStart() int { return s.Seek(0) }
func (s *Session) JumpEnd() int   { return s.Seek(s.meta.LastFrame()) }

// advance 是播放循环每个 tick 的工作：前进一帧；到末尾返回 false 并停在最后一帧。
func (s *Session) advance() bool {
	next := s.current + 1
	if next > s.meta.LastFrame() {
		return false
	}
	s.seek(next)
	return true
}

// ---- 播放 ----

func (s *Session) Play() bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	return s.play.Play()
}

func (s *Session) Pause() { s.play.Pause() }

// TogglePlay 在播放/暂停间切换，返回切换后是否在播放。
func (s *Session) TogglePlay() bool {
	if s.play.State() == playback.Playing {
		s.play.Pause()
		return false
	}
	return s.Play()
}

// Stop 停止播放并回到第 0 帧。进行中的拖动先结束，回到起点不会在第 0 帧落笔。
func (s *Session) Stop() {
	s.play.Stop()
	s.play.Join(JoinTimeout)
	_ = s.do(func() {
		s.endDrag()
		s.seek(0)
	})
}

func (s *Session) PlaybackState() playback.State { return s.play.State() }

// SetSpeed 修改倍速（0.25/0.5/1/2/4）。
func (s *Session) SetSpeed(v float64) error {
	if err := s.play.SetSpeed(v); err != nil {
		return err
	}
	return s.do(func() { s.opts.Speed = v })
}

// SetBrush 修改之后新建操作使用的半径与强度。
func (s *Session) SetBrush(radius int, sigma float64) error {
	if radius <= 0 || !(sigma > 0) {
		return fmt.Errorf("半径与强度必须 > 0：%d / %v", radius, sigma)
	}
	return s.do(func() { s.opts.BlurRadius, s.opts.BlurSigma = radius, sigma })
}

// Options 返回当前参数（回写配置用）。
func (s *Session) Options() (o Options) {
	_ = s.do(func() { o = s.opts })
	return o
}

// ---- 状态 ----

// Status 是给前端的只读快照。
type Status struct {
	Frame        int
	TotalFrames  int
	TimeLabel    string
	Playback     playback.State
	Speed        float64
	Dragging     bool
	PointerX     float64
	PointerY     float64
	Operations   int
	FrameOps     int
	CanUndo      bool
	CanRedo      bool
	CachedFrames int
}

func (s *Session) Status() (st Status) {
	_ = s.do(func() {
		st = Status{
			Frame:        s.current,
			TotalFrames:  s.meta.FrameCount,
			TimeLabel:    TimeLabel(s.meta.FrameTime(s.current), s.meta.Duration()),
			Speed:        s.opts.Speed,
			Dragging:     s.drag.down,
			PointerX:     s.drag.x,
			PointerY:     s.drag.y,
			Operations:   s.store.Count(),
			FrameOps:     len(s.store.ForFrame(s.current)),
			CanUndo:      s.hist.CanUndo(),
			CanRedo:      s.hist.CanRedo(),
			CachedFrames: s.cache.Len(),
		}
	})
	st.Playback = s.play.State()
	return st
}

// TimeLabel 格式化为 "MM:SS / MM:SS"。
func TimeLabel(cur, total time.Duration) string {
	return fmt.Sprintf("%s / %s", mmss(cur), mmss(total))
}

func mmss(d time.Duration) string {
	sec := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", sec/60, sec%60)
}

// ---- 导出 ----

// StartExport 在后台导出当前已保存的操作（快照）。进行中的拖动先被保存。
func (s *Session) StartExport(ctx context.Context, p export.Pipeline, output string) (*export.Job, error) {
	var ops []domain.SmudgeOperation
	if err := s.do(func() {
		s.endDrag()
		ops = s.snapshotOps()
	}); err != nil {
		return nil, err
	}
	req := export.Request{Meta: s.meta, Output: output, Frames: s.cache, Ops: ops}
	return export.Start(ctx, p, req), nil
}

// ---- 关闭 ----

// Close 停止播放（有界等待）后再释放解码器。进行中的导出不会等待，
// 它之后取帧都会失败并按跳帧处理。可重复调用。
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.play.Stop()
		if !s.play.Join(JoinTimeout) {
			logrus.WithFields(logrus.Fields{
				"function": "Session.Close",
			}).Warn("Playback loop still running at close; decoder released anyway")
		}
		close(s.closed)
		s.disp.Call(func() { s.drag = dragState{} })
		s.disp.Stop()
		// 经由缓存关闭：与导出 goroutine 的 Get 共用同一把锁。
		err = s.cache.Close()
		logrus.WithFields(logrus.Fields{
			"function": "Session.Close",
			"path":     s.meta.Path,
		}).Info("Session closed")
	})
	return err
}
