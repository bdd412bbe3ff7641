// Package smudge 保存用户绘制的模糊操作，并提供撤销/重做。
//
// 只允许在会话的 UI goroutine 上调用；这里没有锁。
package smudge

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/John-Robertt/facesmudge/internal/domain"
)

// 可在测试中替换。
var (
	newID = uuid.NewString
	now   = time.Now
)

// NewOperation 创建一个拥有新身份的操作。
func NewOperation(frame int, x, y float64, radius int, sigma float64) *domain.SmudgeOperation {
	return &domain.SmudgeOperation{
		ID:          newID(),
		FrameNumber: frame,
		X:           x,
		Y:           y,
		Radius:      radius,
		Sigma:       sigma,
		CreatedAt:   now(),
	}
}

// Store 是 帧号 -> 按插入顺序排列的操作列表。
//
// 约束：
// - 同一帧内 ID 唯一；Save 同一身份多次只保留一份
// - 列表变空时删除该帧的 key
// - 存的是指针：拖动中的操作在原地更新位置，身份不变
type Store struct {
	byFrame map[int][]*domain.SmudgeOperation
	count   int
}

func NewStore() *Store {
	return &Store{byFrame: make(map[int][]*domain.SmudgeOperation)}
}

// Save 追加 op；同帧已有同 ID 时什么也不做，返回 false。
func (s *Store) Save(op *domain.SmudgeOperation) bool {
	list := s.byFrame[op.FrameNumber]
	for _, o := range list {
		if o.ID == op.ID {
			return false
		}
	}
	s.byFrame[op.FrameNumber] = append(list, op)
	s.count++
	return true
}

// Remove 从所在帧的列表中删除 id。
func (s *Store) Remove(id string) (*domain.SmudgeOperation, bool) {
	for frame, list := range s.byFrame {
		for i, o := range list {
			if o.ID != id {
				continue
			}
			list = append(list[:i:i], list[i+1:]...)
			if len(list) == 0 {
				delete(s.byFrame, frame)
			} else {
				s.byFrame[frame] = list
			}
			s.count--
			return o, true
		}
	}
	return nil, false
}

// Contains 报告 op 是否已保存在它的帧上。
func (s *Store) Contains(op *domain.SmudgeOperation) bool {
	for _, o := range s.byFrame[op.FrameNumber] {
		if o.ID == op.ID {
			return true
		}
	}
	return false
}

// ForFrame 按插入顺序返回 frame 上的操作（新切片）。
func (s *Store) ForFrame(frame int) []*domain.SmudgeOperation {
	list := s.byFrame[frame]
	if len(list) == 0 {
		return nil
	}
	out := make([]*domain.SmudgeOperation, len(list))
	copy(out, list)
	return out
}

// Frames 返回有操作的帧号（升序）。
func (s *Store) Frames() []int {
	out := make([]int, 0, len(s.byFrame))
	for f := range s.byFrame {
		out = append(out, f)
	}
	sort.Ints(out)
	return out
}

// All 按帧号升序、帧内插入顺序返回全部操作。
func (s *Store) All() []*domain.SmudgeOperation {
	out := make([]*domain.SmudgeOperation, 0, s.count)
	for _, f := range s.Frames() {
		out = append(out, s.byFrame[f]...)
	}
	return out
}

func (s *Store) Count() int { return s.count }

func (s *Store) Clear() {
	s.byFrame = make(map[int][]*domain.SmudgeOperation)
	s.count = 0
}
