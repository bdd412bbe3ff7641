package domain

import (
	"fmt"
	"math"
	"time"
)

// SmudgeOperation 是一次用户在某一帧上的圆形模糊操作。
//
// 约束：
// - X/Y 是归一化坐标（[0,1]，原点左上角）
// - Radius 以源帧像素为单位，必须 > 0
// - Sigma 是高斯强度，必须 > 0
// - ID 全局唯一且不可变：用于去重与 undo 匹配
// - CreatedAt 只用于诊断/排序，不参与正确性判断
type SmudgeOperation struct {
	ID          string    `json:"operation_id"`
	FrameNumber int       `json:"frame_number"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Radius      int       `json:"radius"`
	Sigma       float64   `json:"sigma"`
	CreatedAt   time.Time `json:"timestamp"`
}

// Validate 校验操作字段是否满足数据模型约束。
func (op *SmudgeOperation) Validate() error {
	if op == nil {
		return fmt.Errorf("operation 为空")
	}
	if op.ID == "" {
		return fmt.Errorf("operation_id 不能为空")
	}
	if op.FrameNumber < 0 {
		return fmt.Errorf("frame_number 不能为负：%d", op.FrameNumber)
	}
	if !inUnit(op.X) || !inUnit(op.Y) {
		return fmt.Errorf("坐标必须在 [0,1]：(%v,%v)", op.X, op.Y)
	}
	if op.Radius <= 0 {
		return fmt.Errorf("radius 必须 > 0：%d", op.Radius)
	}
	if !(op.Sigma > 0) || math.IsInf(op.Sigma, 0) {
		return fmt.Errorf("sigma 必须 > 0：%v", op.Sigma)
	}
	return nil
}

// Center 把归一化坐标还原为 width x height 帧上的像素中心（向下取整）。
func (op *SmudgeOperation) Center(width, height int) (int, int) {
	return int(op.X * float64(width)), int(op.Y * float64(height))
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1 && !math.IsNaN(v)
}
