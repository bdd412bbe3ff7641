package export

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// tempSet 记录导出产生的临时文件：私有临时目录 + 目标目录里的 mux 中间文件。
type tempSet struct {
	dir string

	mu    sync.Mutex
	files map[string]bool
	done  bool
}

func newTempSet(dir string) *tempSet {
	return &tempSet{dir: dir, files: map[string]bool{}}
}

func (t *tempSet) add(p string) {
	t.mu.Lock()
	t.files[p] = true
	t.mu.Unlock()
}

func (t *tempSet) forget(p string) {
	t.mu.Lock()
	delete(t.files, p)
	t.mu.Unlock()
}

// cleanup 删除全部临时文件；可重复调用。
func (t *tempSet) cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	for p := range t.files {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logrus.WithFields(logrus.Fields{
				"function": "tempSet.cleanup",
				"path":     p,
				"error":    err.Error(),
			}).Warn("Could not remove temp file")
		}
	}
	if err := os.RemoveAll(t.dir); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "tempSet.cleanup",
			"path":     t.dir,
			"error":    err.Error(),
		}).Warn("Could not remove temp dir")
	}
}

// 可在测试中替换。
var (
	notifySignals = signal.Notify
	stopNotify    = signal.Stop
	exitProcess   = os.Exit
)

// cleanupOnSignal 在导出期间收到 SIGINT/SIGTERM 时删除临时文件并退出进程。
// 返回的函数解除监听（导出结束时调用）。
func cleanupOnSignal(t *tempSet) func() {
	ch := make(chan os.Signal, 1)
	quit := make(chan struct{})
	notifySignals(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-ch:
			logrus.WithFields(logrus.Fields{
				"function": "cleanupOnSignal",
				"signal":   sig.String(),
			}).Warn("Interrupted during export, removing temp files")
			t.cleanup()
			exitProcess(130)
		case <-quit:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			stopNotify(ch)
			close(quit)
		})
	}
}
