package smudge

import "github.com/John-Robertt/facesmudge/internal/domain"

// Invalidator 在某帧的操作集合变化后丢弃该帧的缓存显示。
type Invalidator interface {
	Invalidate(frame int)
}

// History 是两个操作栈（按身份引用 Store 中的操作）。
type History struct {
	undo []*domain.SmudgeOperation
	redo []*domain.SmudgeOperation
}

// Push 记录一个新创建的操作，并清空重做栈。
func (h *History) Push(op *domain.SmudgeOperation) {
	h.undo = append(h.undo, op)
	h.redo = h.redo[:0]
}

// Undo 弹出最近的操作，从 s 中删除并让该帧缓存失效，再压入重做栈。
func (h *History) Undo(s *Store, inv Invalidator) (*domain.SmudgeOperation, bool) {
	if len(h.undo) == 0 {
		return nil, false
	}
	op := h.undo[len(h.undo)-1]
	h.undo = h.undo[:len(h.undo)-1]
	s.Remove(op.ID)
	if inv != nil {
		inv.Invalidate(op.FrameNumber)
	}
	h.redo = append(h.redo, op)
	return op, true
}

// Redo 是 Undo 的逆操作：同一身份重新保存。
func (h *History) Redo(s *Store, inv Invalidator) (*domain.SmudgeOperation, bool) {
	if len(h.redo) == 0 {
		return nil, false
	}
	op := h.redo[len(h.redo)-1]
	h.redo = h.redo[:len(h.redo)-1]
	s.Save(op)
	if inv != nil {
		inv.Invalidate(op.FrameNumber)
	}
	h.undo = append(h.undo, op)
	return op, true
}

func (h *History) CanUndo() bool { return len(h.undo) > 0 }
func (h *History) CanRedo() bool { return len(h.redo) > 0 }

// Depth 返回 (undo, redo) 栈深度。
func (h *History) Depth() (int, int) { return len(h.undo), len(h.redo) }

func (h *History) Clear() {
	h.undo = nil
	h.redo = nil
}
