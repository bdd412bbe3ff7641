package session

import (
	"sync"
)

// Dispatcher 是单消费者的函数队列：消费者所在的 goroutine 就是"UI goroutine"。
// 所有对会话状态的修改都经由这里执行。
//
// 队列无界：UI goroutine 内再 Post 不会因为队列满而自锁。
type Dispatcher struct {
	mu      sync.Mutex
	items   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

// NewDispatcher 创建队列并启动消费者。
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		if len(d.items) == 0 {
			stopped := d.stopped
			d.mu.Unlock()
			if stopped {
				return
			}
			<-d.wake
			continue
		}
		fn := d.items[0]
		d.items[0] = nil
		d.items = d.items[1:]
		d.mu.Unlock()
		fn()
	}
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Post 异步投递 fn；返回的 channel 在 fn 执行后关闭。
// Dispatcher 已停止时 fn 不会执行，返回的 channel 立即关闭。
func (d *Dispatcher) Post(fn func()) <-chan struct{} {
	ran := make(chan struct{})
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		close(ran)
		return ran
	}
	d.items = append(d.items, func() {
		defer close(ran)
		fn()
	})
	d.mu.Unlock()
	d.signal()
	return ran
}

// Call 投递 fn 并等待其执行完成。不得在 UI goroutine 内调用（会死锁）。
func (d *Dispatcher) Call(fn func()) {
	<-d.Post(fn)
}

// Stop 执行完已排队的任务后停止消费者，并等待其退出。可重复调用。
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.signal()
	<-d.done
}
