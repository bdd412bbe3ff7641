package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/facesmudge/internal/infra/fsx"
)

const (
	// ErrCodeNotFound 表示 --config 指定的文件不存在。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
)

// 内置默认值（CLI 与配置文件都未指定时）。
const (
	DefaultBlurRadius    = 50
	DefaultBlurSigma     = 25.0
	DefaultCacheSize     = 100
	DefaultPlaybackSpeed = 1.0
	DefaultLogLevel      = "info"

	MaxCacheSize = 10000
)

// Speeds 是允许的播放倍速。
var Speeds = []float64{0.25, 0.5, 1, 2, 4}

// 默认配置文件名，按顺序查找。
var fileNames = []string{"smudge.json", "smudge.yaml", "smudge.yml"}

// userConfigDir 可在测试中替换。
var userConfigDir = os.UserConfigDir

// CLIArgs 是 CLI 可覆盖的字段，并保留"是否显式指定"的信息，
// 保证 --radius 等参数能覆盖配置文件里的同名字段。
type CLIArgs struct {
	ConfigPath string

	BlurRadius    int
	BlurRadiusSet bool

	BlurSigma    float64
	BlurSigmaSet bool

	CacheSize    int
	CacheSizeSet bool

	PlaybackSpeed    float64
	PlaybackSpeedSet bool

	LogLevel    string
	LogLevelSet bool
}

// FileConfig 对应 smudge.json / smudge.yaml。指针字段区分"未写"与"写了零值"。
type FileConfig struct {
	BlurRadius    *int     `json:"blur_radius,omitempty" yaml:"blur_radius,omitempty"`
	BlurSigma     *float64 `json:"blur_sigma,omitempty" yaml:"blur_sigma,omitempty"`
	CacheSize     *int     `json:"cache_size,omitempty" yaml:"cache_size,omitempty"`
	PlaybackSpeed *float64 `json:"playback_speed,omitempty" yaml:"playback_speed,omitempty"`
	FFmpegPath    string   `json:"ffmpeg_path,omitempty" yaml:"ffmpeg_path,omitempty"`
	FFprobePath   string   `json:"ffprobe_path,omitempty" yaml:"ffprobe_path,omitempty"`
	TempDir       string   `json:"temp_dir,omitempty" yaml:"temp_dir,omitempty"`
	LogLevel      string   `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

// EffectiveConfig 是合并并校验后的最终配置。
type EffectiveConfig struct {
	// Path 是配置文件位置（读取或回写的目标）；Found 表示读取时文件存在。
	Path  string
	Found bool

	BlurRadius    int
	BlurSigma     float64
	CacheSize     int
	PlaybackSpeed float64

	FFmpegPath  string
	FFprobePath string
	TempDir     string
	LogLevel    string
}

// Defaults 返回全部取默认值的配置（Path 为默认位置）。
func Defaults() EffectiveConfig {
	p, _ := DefaultPath()
	return EffectiveConfig{
		Path:          p,
		BlurRadius:    DefaultBlurRadius,
		BlurSigma:     DefaultBlurSigma,
		CacheSize:     DefaultCacheSize,
		PlaybackSpeed: DefaultPlaybackSpeed,
		LogLevel:      DefaultLogLevel,
	}
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Dir 返回默认配置目录 <UserConfigDir>/facesmudge。
func Dir() (string, error) {
	base, err := userConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "facesmudge"), nil
}

// DefaultPath 返回默认配置文件路径：目录中已有的第一个候选，否则 smudge.json。
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	for _, n := range fileNames {
		p := filepath.Join(dir, n)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return filepath.Join(dir, fileNames[0]), nil
}

// LoadEffective 发现并读取配置文件，然后与 CLI 参数合并为最终配置。
//
// 发现规则：
// 1) CLI 提供 --config：必须存在
// 2) 否则读取默认目录下的 smudge.json / smudge.yaml / smudge.yml（可选）
//
// 覆盖优先级：CLI > 配置文件 > 内置默认。
func LoadEffective(cli CLIArgs) (EffectiveConfig, error) {
	var (
		cfgPath string
		fc      FileConfig
		exists  bool
		err     error
	)

	if strings.TrimSpace(cli.ConfigPath) != "" {
		cfgPath, err = filepath.Abs(strings.TrimSpace(cli.ConfigPath))
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cli.ConfigPath, Err: err}
		}
		fc, exists, err = readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		if !exists {
			return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
		}
	} else {
		cfgPath, err = DefaultPath()
		if err != nil {
			// 没有用户配置目录（例如 HOME 未设置）：只用默认值。
			logrus.WithFields(logrus.Fields{
				"function": "LoadEffective",
				"error":    err.Error(),
			}).Debug("No user config dir, using defaults")
			cfgPath = ""
		} else {
			fc, exists, err = readFileConfig(cfgPath)
			if err != nil {
				return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
			}
		}
	}

	eff, err := merge(cli, fc)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	eff.Path = cfgPath
	eff.Found = exists
	return eff, nil
}

func merge(cli CLIArgs, fc FileConfig) (EffectiveConfig, error) {
	eff := EffectiveConfig{
		BlurRadius:    DefaultBlurRadius,
		BlurSigma:     DefaultBlurSigma,
		CacheSize:     DefaultCacheSize,
		PlaybackSpeed: DefaultPlaybackSpeed,
		LogLevel:      DefaultLogLevel,
		FFmpegPath:    strings.TrimSpace(fc.FFmpegPath),
		FFprobePath:   strings.TrimSpace(fc.FFprobePath),
		TempDir:       strings.TrimSpace(fc.TempDir),
	}

	if fc.BlurRadius != nil {
		eff.BlurRadius = *fc.BlurRadius
	}
	if cli.BlurRadiusSet {
		eff.BlurRadius = cli.BlurRadius
	}
	if fc.BlurSigma != nil {
		eff.BlurSigma = *fc.BlurSigma
	}
	if cli.BlurSigmaSet {
		eff.BlurSigma = cli.BlurSigma
	}
	if fc.CacheSize != nil {
		eff.CacheSize = *fc.CacheSize
	}
	if cli.CacheSizeSet {
		eff.CacheSize = cli.CacheSize
	}
	if fc.PlaybackSpeed != nil {
		eff.PlaybackSpeed = *fc.PlaybackSpeed
	}
	if cli.PlaybackSpeedSet {
		eff.PlaybackSpeed = cli.PlaybackSpeed
	}
	if s := strings.TrimSpace(fc.LogLevel); s != "" {
		eff.LogLevel = strings.ToLower(s)
	}
	if cli.LogLevelSet {
		eff.LogLevel = strings.ToLower(strings.TrimSpace(cli.LogLevel))
	}

	if err := Validate(eff); err != nil {
		return EffectiveConfig{}, err
	}
	return eff, nil
}

// Validate 校验字段范围。
func Validate(eff EffectiveConfig) error {
	if eff.BlurRadius <= 0 {
		return fmt.Errorf("blur_radius 必须 > 0，实际是 %d", eff.BlurRadius)
	}
	if !(eff.BlurSigma > 0) {
		return fmt.Errorf("blur_sigma 必须 > 0，实际是 %v", eff.BlurSigma)
	}
	if eff.CacheSize < 1 || eff.CacheSize > MaxCacheSize {
		return fmt.Errorf("cache_size 必须在 [1, %d]，实际是 %d", MaxCacheSize, eff.CacheSize)
	}
	if !validSpeed(eff.PlaybackSpeed) {
		return fmt.Errorf("playback_speed 只能是 %v，实际是 %v", Speeds, eff.PlaybackSpeed)
	}
	if _, err := logrus.ParseLevel(eff.LogLevel); err != nil {
		return fmt.Errorf("log_level 无效：%q", eff.LogLevel)
	}
	return nil
}

func validSpeed(v float64) bool {
	for _, s := range Speeds {
		if s == v {
			return true
		}
	}
	return false
}

// Save 把 eff 回写到 eff.Path（按扩展名选择 JSON 或 YAML），原子替换。
func Save(eff EffectiveConfig) error {
	if strings.TrimSpace(eff.Path) == "" {
		return &Error{Code: ErrCodeInvalid, Err: errors.New("没有可写的配置路径")}
	}
	if err := Validate(eff); err != nil {
		return &Error{Code: ErrCodeInvalid, Path: eff.Path, Err: err}
	}
	fc := FileConfig{
		BlurRadius:    &eff.BlurRadius,
		BlurSigma:     &eff.BlurSigma,
		CacheSize:     &eff.CacheSize,
		PlaybackSpeed: &eff.PlaybackSpeed,
		FFmpegPath:    eff.FFmpegPath,
		FFprobePath:   eff.FFprobePath,
		TempDir:       eff.TempDir,
		LogLevel:      eff.LogLevel,
	}
	var (
		b   []byte
		err error
	)
	if isYAML(eff.Path) {
		b, err = yaml.Marshal(&fc)
	} else {
		b, err = json.MarshalIndent(&fc, "", "  ")
		b = append(b, '\n')
	}
	if err != nil {
		return err
	}
	dir, name := filepath.Split(eff.Path)
	if err := fsx.WriteFileAtomic(filepath.Clean(dir), name, b); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"function": "config.Save",
		"path":     eff.Path,
	}).Debug("Saved settings")
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// readFileConfig 读取并解析配置文件（JSON 或 YAML，按扩展名）。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	if isYAML(path) {
		err = yaml.Unmarshal(b, &fc)
	} else {
		err = json.Unmarshal(b, &fc)
	}
	if err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
