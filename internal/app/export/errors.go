package export

import (
	"errors"
	"fmt"
)

// Stage 是导出流程中的一步。
type Stage string

const (
	StageValidate     Stage = "validate"
	StagePreflight    Stage = "preflight"
	StageEncode       Stage = "encode"
	StageVerifyTemp   Stage = "verify_temp"
	StageAudioProbe   Stage = "audio_probe"
	StageAudioExtract Stage = "audio_extract"
	StageMux          Stage = "mux"
	StageCopy         Stage = "copy"
	StageVerifyOutput Stage = "verify_output"
)

// Error 是导出的硬失败：Code 对应 domain.ErrCode*，失败时目标路径上不会留下产物。
type Error struct {
	Code  string
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("导出失败（%s/%s）", e.Stage, e.Code)
	}
	return fmt.Sprintf("导出失败（%s/%s）：%v", e.Stage, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf 提取 err 的错误码；不是 *Error 时返回空串。
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func fail(code string, stage Stage, err error) *Error {
	return &Error{Code: code, Stage: stage, Err: err}
}
