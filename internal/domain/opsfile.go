package domain

import (
	"encoding/json"
	"fmt"
	"sort"
)

// OpsFileVersion 是操作 sidecar 的格式版本。
const OpsFileVersion = 1

// OpsFile 是操作 sidecar（<video>.smudge.json）的结构。
// 进程内 API 才是主接口；sidecar 只让无界面前端能导出别处编辑好的操作。
type OpsFile struct {
	Version    int               `json:"version"`
	Source     string            `json:"source"`
	Operations []SmudgeOperation `json:"operations"`
}

// EncodeOps 按 (frame_number, 原顺序) 稳定输出，保证同一帧内的插入顺序不变。
func EncodeOps(source string, ops []SmudgeOperation) ([]byte, error) {
	out := OpsFile{
		Version:    OpsFileVersion,
		Source:     source,
		Operations: append([]SmudgeOperation{}, ops...),
	}
	sort.SliceStable(out.Operations, func(i, j int) bool {
		return out.Operations[i].FrameNumber < out.Operations[j].FrameNumber
	})
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// DecodeOps 解析并逐条校验；同一 operation_id 重复出现视为无效文件。
func DecodeOps(b []byte) (OpsFile, error) {
	var f OpsFile
	if err := json.Unmarshal(b, &f); err != nil {
		return OpsFile{}, err
	}
	if f.Version != OpsFileVersion {
		return OpsFile{}, fmt.Errorf("不支持的 sidecar 版本：%d", f.Version)
	}
	seen := make(map[string]struct{}, len(f.Operations))
	for i := range f.Operations {
		if err := f.Operations[i].Validate(); err != nil {
			return OpsFile{}, fmt.Errorf("operations[%d]：%w", i, err)
		}
		if _, dup := seen[f.Operations[i].ID]; dup {
			return OpsFile{}, fmt.Errorf("operations[%d]：重复的 operation_id %q", i, f.Operations[i].ID)
		}
		seen[f.Operations[i].ID] = struct{}{}
	}
	return f, nil
}
