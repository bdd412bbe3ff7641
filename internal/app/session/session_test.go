package session

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/facesmudge/internal/app/export"
	"github.com/John-Robertt/facesmudge/internal/app/playback"
	"github.com/John-Robertt/facesmudge/internal/blur"
	"github.com/John-Robertt/facesmudge/internal/domain"
	"github.com/John-Robertt/facesmudge/internal/media"
)

const (
	fw = 64
	fh = 36
)

func frames(n int) []*image.RGBA {
	out := make([]*image.RGBA, n)
	for k := range out {
		img := image.NewRGBA(image.Rect(0, 0, fw, fh))
		for y := 0; y < fh; y++ {
			for x := 0; x < fw; x++ {
				i := img.PixOffset(x, y)
				img.Pix[i] = uint8((x*13 + k) % 256)
				img.Pix[i+1] = uint8((y * 29) % 256)
				img.Pix[i+2] = uint8(((x + y) * 7) % 256)
				img.Pix[i+3] = 255
			}
		}
		out[k] = img
	}
	return out
}

type recView struct {
	mu     sync.Mutex
	frames []int
}

func (v *recView) Present(frame int, img *image.RGBA) {
	v.mu.Lock()
	v.frames = append(v.frames, frame)
	v.mu.Unlock()
}

func (v *recView) last() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.frames) == 0 {
		return -1
	}
	return v.frames[len(v.frames)-1]
}

func open(t *testing.T, n int, fps float64) (*Session, *media.MemoryDecoder, *recView) {
	t.Helper()
	dec, err := media.NewMemoryDecoder("clip.mp4", frames(n), fps)
	require.NoError(t, err)
	view := &recView{}
	s, err := New(dec, Options{BlurRadius: 8, BlurSigma: 3, CacheSize: 16, Speed: 1}, view)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, dec, view
}

func TestSession_OpenRendersFirstFrame(t *testing.T) {
	s, _, view := open(t, 5, 30)
	assert.Equal(t, 0, view.last())
	st := s.Status()
	assert.Equal(t, 0, st.Frame)
	assert.Equal(t, 5, st.TotalFrames)
	assert.Equal(t, "00:00 / 00:00", st.TimeLabel)
	assert.False(t, st.CanUndo)
}

func TestSession_DragOnOneFrameMutatesInPlace(t *testing.T) {
	s, _, _ := open(t, 5, 30)

	require.True(t, s.PointerDown(32, 18))
	s.PointerMove(40, 18)
	s.PointerMove(48, 9)
	assert.Empty(t, s.Operations(), "拖动中的操作只是预览，尚未保存")
	assert.True(t, s.Status().Dragging)

	s.PointerUp()
	ops := s.Operations()
	require.Len(t, ops, 1)
	assert.InDelta(t, 0.75, ops[0].X, 1e-9)
	assert.InDelta(t, 0.25, ops[0].Y, 1e-9)
	assert.Equal(t, 8, ops[0].Radius)

	_, ok := s.Undo()
	require.True(t, ok)
	assert.Empty(t, s.Operations(), "一次拖动只对应一条撤销记录")
	assert.False(t, s.CanUndo())
}

func TestSession_DragAcrossFramesCreatesOnePerFrame(t *testing.T) {
	s, _, _ := open(t, 10, 30)

	require.True(t, s.PointerDown(32, 18))
	assert.Equal(t, 1, s.Step(1))
	s.PointerMove(20, 10)
	assert.Equal(t, 3, s.Seek(3))
	s.PointerUp()

	ops := s.Operations()
	require.Len(t, ops, 3)
	assert.Equal(t, []int{0, 1, 3}, []int{ops[0].FrameNumber, ops[1].FrameNumber, ops[2].FrameNumber})
	assert.NotEqual(t, ops[0].ID, ops[1].ID)
	assert.InDelta(t, 20.0/64, ops[1].X, 1e-9, "第 1 帧上的操作随拖动更新")
	assert.InDelta(t, 20.0/64, ops[2].X, 1e-9, "新帧沿用最后的位置")
}

func TestSession_PointerInDeadSpace(t *testing.T) {
	s, _, _ := open(t, 3, 30)
	// 64x36 放进 200x36：左右各 68 像素黑边
	require.NoError(t, s.SetDisplaySize(200, 36))
	assert.False(t, s.PointerDown(10, 18))
	assert.False(t, s.Status().Dragging)
	s.PointerUp()
	assert.Empty(t, s.Operations())

	require.True(t, s.PointerDown(100, 18))
	s.PointerMove(5, 5) // 移到黑边：保留上一次位置
	s.PointerUp()
	ops := s.Operations()
	require.Len(t, ops, 1)
	assert.InDelta(t, 0.5, ops[0].X, 1e-9)
}

func TestSession_PreviewLayerNotPersisted(t *testing.T) {
	s, dec, _ := open(t, 3, 30)
	raw, _ := dec.Frame(0)

	require.True(t, s.PointerDown(32, 18))
	preview, ok := s.Frame(0)
	require.True(t, ok)
	assert.NotEqual(t, raw.Pix, preview.Pix, "预览层参与合成")
	assert.Equal(t, 0, s.Status().Operations)

	other, ok := s.Frame(1)
	require.True(t, ok)
	raw1, _ := dec.Frame(1)
	assert.Equal(t, raw1.Pix, other.Pix)
	s.PointerUp()
}

func TestSession_CompositionOrder(t *testing.T) {
	s, dec, _ := open(t, 3, 30)
	a, err := s.AddOperation(0, 0.4, 0.5)
	require.NoError(t, err)
	b, err := s.AddOperation(0, 0.6, 0.5)
	require.NoError(t, err)

	got, ok := s.Frame(0)
	require.True(t, ok)
	want, _ := dec.Frame(0)
	blur.Apply(want, &a)
	blur.Apply(want, &b)
	assert.Equal(t, want.Pix, got.Pix)
}

func TestSession_UndoRedo(t *testing.T) {
	s, _, _ := open(t, 5, 30)
	a, err := s.AddOperation(1, 0.5, 0.5)
	require.NoError(t, err)
	_, err = s.AddOperation(2, 0.5, 0.5)
	require.NoError(t, err)
	before := s.Operations()

	u, ok := s.Undo()
	require.True(t, ok)
	assert.Equal(t, 2, u.FrameNumber)
	r, ok := s.Redo()
	require.True(t, ok)
	assert.Equal(t, u.ID, r.ID)
	assert.Equal(t, before, s.Operations())

	s.Undo()
	_, err = s.AddOperation(3, 0.2, 0.2)
	require.NoError(t, err)
	assert.False(t, s.CanRedo())
	_, ok = s.Redo()
	assert.False(t, ok)
	assert.Equal(t, a.ID, s.Operations()[0].ID)
}

func TestSession_AddOperationValidates(t *testing.T) {
	s, _, _ := open(t, 3, 30)
	_, err := s.AddOperation(3, 0.5, 0.5)
	assert.Error(t, err)
	_, err = s.AddOperation(0, 1.5, 0.5)
	assert.Error(t, err)
}

func TestSession_LoadOperations(t *testing.T) {
	s, _, _ := open(t, 4, 30)
	ops := []domain.SmudgeOperation{
		{ID: "a", FrameNumber: 1, X: 0.1, Y: 0.1, Radius: 5, Sigma: 2},
		{ID: "b", FrameNumber: 3, X: 0.9, Y: 0.9, Radius: 5, Sigma: 2},
		{ID: "a", FrameNumber: 1, X: 0.1, Y: 0.1, Radius: 5, Sigma: 2},
	}
	n, err := s.LoadOperations(ops)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, s.Operations(), 2)

	_, err = s.LoadOperations([]domain.SmudgeOperation{{ID: "c", FrameNumber: 9, X: 0, Y: 0, Radius: 1, Sigma: 1}})
	assert.Error(t, err)
	assert.Len(t, s.Operations(), 2, "校验失败时不载入任何操作")
}

func TestSession_ClearAll(t *testing.T) {
	s, _, _ := open(t, 3, 30)
	s.AddOperation(0, 0.5, 0.5)
	s.AddOperation(1, 0.5, 0.5)
	s.Undo()
	require.True(t, s.HasUnsavedChanges())

	s.ClearAll()
	assert.Empty(t, s.Operations())
	assert.False(t, s.CanUndo())
	assert.False(t, s.CanRedo())
	assert.False(t, s.HasUnsavedChanges())
}

func TestSession_NavigationClamps(t *testing.T) {
	s, _, view := open(t, 5, 30)
	assert.Equal(t, 4, s.Seek(100))
	assert.Equal(t, 0, s.Seek(-3))
	assert.Equal(t, 4, s.JumpEnd())
	assert.Equal(t, 3, s.Step(-1))
	assert.Equal(t, 0, s.JumpStart())
	assert.Equal(t, 0, view.last())
}

func waitState(t *testing.T, s *Session, want playback.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.PlaybackState() != want {
		if time.Now().After(deadline) {
			t.Fatalf("播放状态未变为 %v", want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSession_PlayToEndClampsAtLastFrame(t *testing.T) {
	s, _, view := open(t, 12, 1000)
	require.True(t, s.Play())
	waitState(t, s, playback.Stopped)
	assert.Equal(t, 11, s.Status().Frame)
	assert.Equal(t, 11, view.last())
}

func TestSession_PaintWhilePlaying(t *testing.T) {
	s, _, _ := open(t, 10, 1000)
	require.True(t, s.PointerDown(32, 18))
	require.True(t, s.Play())
	waitState(t, s, playback.Stopped)
	s.PointerUp()

	ops := s.Operations()
	require.Len(t, ops, 10, "每个经过的帧都有一个操作")
	for i, op := range ops {
		assert.Equal(t, i, op.FrameNumber)
	}
	assert.True(t, s.CanUndo())
}

func TestSession_StopReturnsToStart(t *testing.T) {
	s, _, _ := open(t, 1000, 30)
	require.NoError(t, s.SetSpeed(4))
	require.True(t, s.Play())
	time.Sleep(40 * time.Millisecond)
	s.Stop()
	assert.Equal(t, playback.Stopped, s.PlaybackState())
	assert.Equal(t, 0, s.Status().Frame)
	assert.Error(t, s.SetSpeed(3))
	assert.Equal(t, 4.0, s.Status().Speed)
}

func TestSession_StopEndsDrag(t *testing.T) {
	s, _, _ := open(t, 10, 30)
	assert.Equal(t, 4, s.Seek(4))
	require.True(t, s.PointerDown(32, 18))

	s.Stop()
	assert.Equal(t, 0, s.Status().Frame)
	assert.False(t, s.Status().Dragging)
	ops := s.Operations()
	require.Len(t, ops, 1, "回到第 0 帧不应新建操作")
	assert.Equal(t, 4, ops[0].FrameNumber)

	// 拖动已结束：之后的 PointerUp/Move 不产生新操作
	s.PointerMove(40, 18)
	s.PointerUp()
	assert.Len(t, s.Operations(), 1)
	_, ok := s.Undo()
	require.True(t, ok)
	assert.Empty(t, s.Operations())
}

func TestSession_TogglePlay(t *testing.T) {
	s, _, _ := open(t, 1000, 30)
	assert.True(t, s.TogglePlay())
	assert.False(t, s.TogglePlay())
	assert.Equal(t, playback.Paused, s.PlaybackState())
}

func TestSession_CloseDuringPlayback(t *testing.T) {
	s, dec, _ := open(t, 100000, 1000)
	require.True(t, s.Play())
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close 可重复调用")
	assert.True(t, dec.Closed())
	assert.Equal(t, playback.Stopped, s.PlaybackState())

	_, ok := s.Frame(0)
	assert.False(t, ok)
	assert.False(t, s.Play())
	assert.ErrorIs(t, s.SetBrush(5, 5), ErrClosed)
}

func TestSession_ExportAppliesOnlyRemainingOps(t *testing.T) {
	s, dec, _ := open(t, 8, 30)
	_, err := s.AddOperation(2, 0.5, 0.5)
	require.NoError(t, err)
	_, err = s.AddOperation(5, 0.5, 0.5)
	require.NoError(t, err)
	_, ok := s.Undo() // 撤销第 5 帧
	require.True(t, ok)

	dir := t.TempDir()
	var encs []*media.MemoryEncoder
	p := export.Pipeline{NewEncoder: media.NewMemoryEncoderFactory(&encs, 2048), TempDir: dir}
	job, err := s.StartExport(context.Background(), p, filepath.Join(dir, "out.mp4"))
	require.NoError(t, err)
	rep := job.Wait()
	require.True(t, rep.OK(), "%s: %s", rep.ErrorCode, rep.ErrorMsg)
	assert.Equal(t, 8, rep.FramesWritten)

	require.Len(t, encs, 1)
	out := encs[0].Frames
	require.Len(t, out, 8)
	for i := range out {
		raw, _ := dec.Frame(i)
		if i == 2 {
			assert.NotEqual(t, raw.Pix, out[i].Pix, "frame 2 有操作")
			continue
		}
		assert.Equal(t, raw.Pix, out[i].Pix, "frame %d 应与源一致", i)
	}
	_, err = os.Stat(filepath.Join(dir, "out.mp4"))
	assert.NoError(t, err)
}

// slowDecoder 每帧耗时 1ms，并记录关闭之后仍被调用的次数。
type slowDecoder struct {
	*media.MemoryDecoder
	closed     atomic.Bool
	afterClose atomic.Int32
}

func (d *slowDecoder) Frame(idx int) (*image.RGBA, bool) {
	if d.closed.Load() {
		d.afterClose.Add(1)
	}
	time.Sleep(time.Millisecond)
	return d.MemoryDecoder.Frame(idx)
}

func (d *slowDecoder) Close() error {
	d.closed.Store(true)
	return d.MemoryDecoder.Close()
}

func TestSession_CloseDuringExport(t *testing.T) {
	mem, err := media.NewMemoryDecoder("clip.mp4", frames(300), 30)
	require.NoError(t, err)
	dec := &slowDecoder{MemoryDecoder: mem}
	s, err := New(dec, Options{BlurRadius: 8, BlurSigma: 3, CacheSize: 4, Speed: 1}, nil)
	require.NoError(t, err)
	_, err = s.AddOperation(0, 0.5, 0.5)
	require.NoError(t, err)

	dir := t.TempDir()
	var encs []*media.MemoryEncoder
	p := export.Pipeline{NewEncoder: media.NewMemoryEncoderFactory(&encs, 2048), TempDir: dir}
	job, err := s.StartExport(context.Background(), p, filepath.Join(dir, "out.mp4"))
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, s.Close())
	assert.True(t, dec.Closed())

	rep := job.Wait()
	assert.Zero(t, dec.afterClose.Load(), "关闭后解码器不应再被调用")
	assert.Positive(t, rep.FramesSkipped, "关闭之后的帧按跳帧处理")
	assert.Equal(t, 300, rep.FramesWritten+rep.FramesSkipped)
}

func TestTimeLabel(t *testing.T) {
	assert.Equal(t, "01:05 / 10:00", TimeLabel(65*time.Second, 10*time.Minute))
	assert.Equal(t, "00:00 / 00:00", TimeLabel(0, 0))
}

func TestDispatcher_PostAfterStop(t *testing.T) {
	d := NewDispatcher()
	var n int
	d.Call(func() { n++ })
	d.Post(func() { n++ })
	d.Stop()
	assert.Equal(t, 2, n, "Stop 前排队的任务都会执行")

	ran := false
	<-d.Post(func() { ran = true })
	assert.False(t, ran)
	d.Stop()
}
