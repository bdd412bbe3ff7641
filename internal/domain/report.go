package domain

import (
	"encoding/json"
	"time"
)

const (
	StatusExported = "exported"
	StatusFailed   = "failed"
)

const (
	ErrCodeSourceInvalid       = "source_invalid"
	ErrCodeNoOperations        = "no_operations"
	ErrCodePreflightDisk       = "preflight_disk"
	ErrCodePreflightPermission = "preflight_permission"
	ErrCodeEncodeFailed        = "encode_failed"
	ErrCodeNoFrames            = "no_frames"
	ErrCodeTempInvalid         = "temp_invalid"
	ErrCodeOutputInvalid       = "output_invalid"
	ErrCodeIOFailed            = "io_failed"
	ErrCodeConfigNotFound      = "config_not_found"
	ErrCodeConfigInvalid       = "config_invalid"
)

// 音轨保留失败的软降级原因（AudioNote）。
const (
	AudioNoteToolMissing   = "tool_missing"
	AudioNoteNoStream      = "no_audio_stream"
	AudioNoteProbeFailed   = "probe_failed"
	AudioNoteExtractFailed = "extract_failed"
	AudioNoteMuxFailed     = "mux_failed"
)

// ExportReport 是一次导出的对外稳定结果（stdout JSON / UI 展示）。
//
// 约束：
// - Status=failed 时 Output 不存在（硬失败）
// - Status=exported 且 AudioPreserved=false 时，AudioNote 说明为何没有保留音轨（软降级）
type ExportReport struct {
	Source string `json:"source"`
	Output string `json:"output"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`

	TotalFrames   int `json:"total_frames"`
	FramesWritten int `json:"frames_written"`
	FramesSkipped int `json:"frames_skipped"`
	OpsApplied    int `json:"ops_applied"`
	OpsFailed     int `json:"ops_failed"`

	AudioPreserved bool   `json:"audio_preserved"`
	AudioNote      string `json:"audio_note"`
	OutputBytes    int64  `json:"output_bytes"`
}

// Finalize 把时间统一为 UTC（确保 JSON 为 RFC3339 且后缀 Z），并在缺省时补齐 Status。
func (r *ExportReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()
	if r.Status == "" {
		if r.ErrorCode != "" {
			r.Status = StatusFailed
		} else {
			r.Status = StatusExported
		}
	}
}

// OK 表示导出成功（可能没有音轨）。
func (r ExportReport) OK() bool { return r.Status == StatusExported }

// MarshalJSON 仅用于集中约束输出的稳定性。
func (r ExportReport) MarshalJSON() ([]byte, error) {
	type Alias ExportReport
	return json.Marshal(Alias(r))
}
