package smudge

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/facesmudge/internal/domain"
)

type recorder struct{ frames []int }

func (r *recorder) Invalidate(frame int) { r.frames = append(r.frames, frame) }

func fixedIDs(t *testing.T) {
	t.Helper()
	n := 0
	oldID, oldNow := newID, now
	newID = func() string { n++; return fmt.Sprintf("op-%d", n) }
	now = func() time.Time { return time.Unix(1700000000, 0) }
	t.Cleanup(func() { newID, now = oldID, oldNow })
}

func ids(ops []*domain.SmudgeOperation) []string {
	out := make([]string, len(ops))
	for i, o := range ops {
		out[i] = o.ID
	}
	return out
}

func TestNewOperation_UniqueIdentity(t *testing.T) {
	a := NewOperation(1, 0.5, 0.5, 40, 20)
	b := NewOperation(1, 0.5, 0.5, 40, 20)
	assert.NotEqual(t, a.ID, b.ID)
	require.NoError(t, a.Validate())
	assert.False(t, a.CreatedAt.IsZero())
}

func TestStore_SaveIsIdempotent(t *testing.T) {
	fixedIDs(t)
	s := NewStore()
	op := NewOperation(3, 0.1, 0.2, 10, 5)
	assert.True(t, s.Save(op))
	assert.False(t, s.Save(op))
	assert.Equal(t, 1, s.Count())
	assert.Len(t, s.ForFrame(3), 1)
}

func TestStore_InsertionOrderAndRemove(t *testing.T) {
	fixedIDs(t)
	s := NewStore()
	a := NewOperation(2, 0.1, 0.1, 10, 5)
	b := NewOperation(2, 0.2, 0.2, 10, 5)
	c := NewOperation(0, 0.3, 0.3, 10, 5)
	s.Save(a)
	s.Save(b)
	s.Save(c)

	assert.Equal(t, []string{"op-1", "op-2"}, ids(s.ForFrame(2)))
	assert.Equal(t, []int{0, 2}, s.Frames())
	assert.Equal(t, []string{"op-3", "op-1", "op-2"}, ids(s.All()))

	got, ok := s.Remove("op-1")
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, []string{"op-2"}, ids(s.ForFrame(2)))

	s.Remove("op-2")
	assert.Equal(t, []int{0}, s.Frames(), "空列表必须删除 key")
	_, ok = s.Remove("op-2")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Count())
}

func TestStore_ForFrameReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Save(NewOperation(1, 0, 0, 1, 1))
	l := s.ForFrame(1)
	l[0] = nil
	assert.NotNil(t, s.ForFrame(1)[0])
	assert.Nil(t, s.ForFrame(5))
}

func TestHistory_UndoRedoRestoresIdentity(t *testing.T) {
	fixedIDs(t)
	s := NewStore()
	h := &History{}
	inv := &recorder{}

	a := NewOperation(4, 0.5, 0.5, 40, 20)
	b := NewOperation(4, 0.6, 0.5, 40, 20)
	for _, op := range []*domain.SmudgeOperation{a, b} {
		s.Save(op)
		h.Push(op)
	}
	before := ids(s.All())

	op, ok := h.Undo(s, inv)
	require.True(t, ok)
	assert.Same(t, b, op)
	assert.Equal(t, []string{"op-1"}, ids(s.All()))
	assert.True(t, h.CanRedo())

	op, ok = h.Redo(s, inv)
	require.True(t, ok)
	assert.Same(t, b, op)
	assert.Equal(t, before, ids(s.All()))
	assert.Equal(t, []int{4, 4}, inv.frames, "undo/redo 都要让该帧缓存失效")
	assert.False(t, h.CanRedo())
}

func TestHistory_PushClearsRedo(t *testing.T) {
	s := NewStore()
	h := &History{}
	a := NewOperation(0, 0.5, 0.5, 10, 5)
	s.Save(a)
	h.Push(a)
	h.Undo(s, nil)
	require.True(t, h.CanRedo())

	b := NewOperation(0, 0.2, 0.2, 10, 5)
	s.Save(b)
	h.Push(b)
	assert.False(t, h.CanRedo())
	_, ok := h.Redo(s, nil)
	assert.False(t, ok)
	assert.Equal(t, 1, s.Count())
}

func TestHistory_Empty(t *testing.T) {
	h := &History{}
	assert.False(t, h.CanUndo())
	assert.False(t, h.CanRedo())
	_, ok := h.Undo(NewStore(), nil)
	assert.False(t, ok)

	h.Push(NewOperation(0, 0, 0, 1, 1))
	u, r := h.Depth()
	assert.Equal(t, 1, u)
	assert.Equal(t, 0, r)
	h.Clear()
	assert.False(t, h.CanUndo())
}
