// Package playback 驱动按节奏前进的播放循环。
//
// 循环本身不碰任何 UI 状态：每个 tick 把 Advance 交给 Scheduler（UI goroutine）执行，
// 等它完成后再按剩余时间休眠。
package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State 是播放状态。
type State int

const (
	Stopped State = iota
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "stopped"
	}
}

// Speeds 是允许的倍速。
var Speeds = []float64{0.25, 0.5, 1, 2, 4}

// ValidSpeed 报告 v 是否在 Speeds 中。
func ValidSpeed(v float64) bool {
	for _, s := range Speeds {
		if s == v {
			return true
		}
	}
	return false
}

// Scheduler 把 fn 排进 UI goroutine 的队列；返回的 channel 在 fn 执行完后关闭。
type Scheduler interface {
	Post(fn func()) <-chan struct{}
}

// Advancer 在 UI goroutine 上前进一帧并刷新显示。返回 false 表示已到末尾。
type Advancer interface {
	Advance() bool
}

// Player 拥有唯一的计时循环。
//
// 约束：
// - 同一时刻最多一个循环 goroutine
// - Pause/Stop 在循环顶部检查，最迟一个 tick 内生效；休眠也会被立即打断
// - Join 有界等待；超时只记录日志
type Player struct {
	sched Scheduler
	adv   Advancer
	fps   float64

	mu      sync.Mutex
	state   State
	speed   float64
	stop    chan struct{}
	done    chan struct{}
	onEnded func()

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// New 创建播放器；fps<=0 时按 30 处理。
func New(sched Scheduler, adv Advancer, fps float64) *Player {
	if !(fps > 0) {
		fps = 30
	}
	return &Player{
		sched: sched,
		adv:   adv,
		fps:   fps,
		speed: 1,
		now:   time.Now,
		after: time.After,
	}
}

// OnEnded 设置到达末尾时的回调（在循环 goroutine 上调用，实现应自行 Post）。
func (p *Player) OnEnded(fn func()) {
	p.mu.Lock()
	p.onEnded = fn
	p.mu.Unlock()
}

func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Player) Speed() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speed
}

// SetSpeed 修改倍速；播放中下一个 tick 生效。
func (p *Player) SetSpeed(v float64) error {
	if !ValidSpeed(v) {
		return fmt.Errorf("不支持的倍速：%v（可选 %v）", v, Speeds)
	}
	p.mu.Lock()
	p.speed = v
	p.mu.Unlock()
	return nil
}

// Interval = 1/(fps*speed)。
func (p *Player) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.intervalLocked()
}

func (p *Player) intervalLocked() time.Duration {
	return time.Duration(float64(time.Second) / (p.fps * p.speed))
}

// Play 从 stopped/paused 进入 playing 并启动循环；已在播放时返回 false。
func (p *Player) Play() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Playing {
		return false
	}
	if p.done != nil {
		// 上一个循环已被要求退出但可能尚未结束；它不会再执行 Advance。
		select {
		case <-p.done:
		default:
			logrus.WithFields(logrus.Fields{
				"function": "Player.Play",
			}).Debug("Previous playback loop still draining")
		}
	}
	p.state = Playing
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(p.stop, p.done)
	return true
}

// Pause 让循环退出并保留当前帧。
func (p *Player) Pause() {
	p.halt(Paused)
}

// Stop 让循环退出。可重复调用。
func (p *Player) Stop() {
	p.halt(Stopped)
}

func (p *Player) halt(next State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Stopped && next == Paused {
		return
	}
	p.state = next
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
}

// Join 等待循环 goroutine 结束，最多 timeout。返回是否已结束。
func (p *Player) Join(timeout time.Duration) bool {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-p.after(timeout):
		logrus.WithFields(logrus.Fields{
			"function": "Player.Join",
			"timeout":  timeout.String(),
		}).Warn("Playback loop did not stop in time")
		return false
	}
}

func (p *Player) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	logger := logrus.WithFields(logrus.Fields{"function": "Player.loop"})
	logger.Debug("Playback loop started")

	for {
		select {
		case <-stop:
			logger.Debug("Playback loop stopped")
			return
		default:
		}

		started := p.now()
		cont := true
		ran := p.sched.Post(func() {
			// 排队期间可能已被暂停：不再前进。
			select {
			case <-stop:
				return
			default:
			}
			cont = p.adv.Advance()
		})
		select {
		case <-ran:
		case <-stop:
			return
		}

		if !cont {
			p.mu.Lock()
			if p.stop == stop {
				p.state = Stopped
				close(p.stop)
				p.stop = nil
			}
			ended := p.onEnded
			p.mu.Unlock()
			logger.Debug("Reached last frame")
			if ended != nil {
				ended()
			}
			return
		}

		p.mu.Lock()
		interval := p.intervalLocked()
		p.mu.Unlock()
		sleep := interval - p.now().Sub(started)
		if sleep <= 0 {
			continue
		}
		select {
		case <-p.after(sleep):
		case <-stop:
			return
		}
	}
}
