package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/John-Robertt/facesmudge/internal/app/session"
	"github.com/John-Robertt/facesmudge/internal/config"
	"github.com/John-Robertt/facesmudge/internal/infra/ffx"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run 是可测试的入口：返回进程退出码（0 成功，1 失败，2 用法错误）。
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || isHelp(args[0]) {
		printUsage(stdout)
		return 0
	}

	cmds := map[string]func([]string, io.Writer, io.Writer) int{
		"info":   infoCmd,
		"frame":  frameCmd,
		"export": exportCmd,
		"ops":    opsCmd,
		"config": configCmd,
	}
	fn, ok := cmds[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "未知命令：%q\n\n", args[0])
		printUsage(stderr)
		return 2
	}
	return fn(args[1:], stdout, stderr)
}

// ---- 参数解析 ----

// commonFlags 是所有子命令共享的配置覆盖参数（true 表示需要值）。
var commonFlags = map[string]bool{
	"config":    true,
	"radius":    true,
	"sigma":     true,
	"cache":     true,
	"speed":     true,
	"log-level": true,
}

type parsedArgs struct {
	values     map[string]string
	bools      map[string]bool
	positional []string
}

// parseArgs 解析 --name value / --name=value / --bool。known 的值表示该参数是否需要值。
func parseArgs(args []string, known map[string]bool) (parsedArgs, error) {
	pa := parsedArgs{values: map[string]string{}, bools: map[string]bool{}}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "--") || a == "--" {
			pa.positional = append(pa.positional, a)
			continue
		}
		name, val, hasVal := strings.Cut(strings.TrimPrefix(a, "--"), "=")
		needsVal, ok := known[name]
		if !ok {
			needsVal, ok = commonFlags[name]
		}
		if !ok {
			return parsedArgs{}, fmt.Errorf("未知参数 %q", a)
		}
		if !needsVal {
			if hasVal {
				b, err := strconv.ParseBool(val)
				if err != nil {
					return parsedArgs{}, fmt.Errorf("--%s 只能是 true 或 false，实际是 %q", name, val)
				}
				pa.bools[name] = b
			} else {
				pa.bools[name] = true
			}
			continue
		}
		if !hasVal {
			if i+1 >= len(args) {
				return parsedArgs{}, fmt.Errorf("--%s 需要一个值", name)
			}
			i++
			val = args[i]
		}
		if _, dup := pa.values[name]; dup {
			return parsedArgs{}, fmt.Errorf("重复的参数 --%s", name)
		}
		pa.values[name] = val
	}
	return pa, nil
}

func (pa parsedArgs) has(name string) bool {
	_, ok := pa.values[name]
	return ok
}

func (pa parsedArgs) intValue(name string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(pa.values[name]))
	if err != nil {
		return 0, fmt.Errorf("--%s 必须是整数，实际是 %q", name, pa.values[name])
	}
	return v, nil
}

func (pa parsedArgs) floatValue(name string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(pa.values[name]), 64)
	if err != nil {
		return 0, fmt.Errorf("--%s 必须是数字，实际是 %q", name, pa.values[name])
	}
	return v, nil
}

// cliArgs 把共享参数转换为 config.CLIArgs（保留“是否显式指定”）。
func (pa parsedArgs) cliArgs() (config.CLIArgs, error) {
	cli := config.CLIArgs{ConfigPath: pa.values["config"]}
	var err error
	if pa.has("radius") {
		if cli.BlurRadius, err = pa.intValue("radius"); err != nil {
			return cli, err
		}
		cli.BlurRadiusSet = true
	}
	if pa.has("sigma") {
		if cli.BlurSigma, err = pa.floatValue("sigma"); err != nil {
			return cli, err
		}
		cli.BlurSigmaSet = true
	}
	if pa.has("cache") {
		if cli.CacheSize, err = pa.intValue("cache"); err != nil {
			return cli, err
		}
		cli.CacheSizeSet = true
	}
	if pa.has("speed") {
		if cli.PlaybackSpeed, err = pa.floatValue("speed"); err != nil {
			return cli, err
		}
		cli.PlaybackSpeedSet = true
	}
	if pa.has("log-level") {
		cli.LogLevel = pa.values["log-level"]
		cli.LogLevelSet = true
	}
	return cli, nil
}

// parseSize 解析 WxH（例如 1280x720）。
func parseSize(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("尺寸格式应为 WxH，实际是 %q", s)
	}
	w, err1 := strconv.Atoi(ws)
	h, err2 := strconv.Atoi(hs)
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("尺寸格式应为 WxH（正整数），实际是 %q", s)
	}
	return w, h, nil
}

// parsePoint 解析 X,Y。
func parsePoint(s string) (float64, float64, error) {
	xs, ys, ok := strings.Cut(strings.TrimSpace(s), ",")
	if !ok {
		return 0, 0, fmt.Errorf("坐标格式应为 X,Y，实际是 %q", s)
	}
	x, err1 := strconv.ParseFloat(strings.TrimSpace(xs), 64)
	y, err2 := strconv.ParseFloat(strings.TrimSpace(ys), 64)
	if err1 != nil || err2 != nil {
		return 0, 0, fmt.Errorf("坐标格式应为 X,Y（数字），实际是 %q", s)
	}
	return x, y, nil
}

// ---- 环境 ----

type env struct {
	eff   config.EffectiveConfig
	tools ffx.Toolchain
}

// setup 加载配置、设置日志级别并定位外部工具。日志一律写 stderr。
func setup(pa parsedArgs, stderr io.Writer) (env, error) {
	logrus.SetOutput(stderr)
	cli, err := pa.cliArgs()
	if err != nil {
		return env{}, err
	}
	eff, err := config.LoadEffective(cli)
	if err != nil {
		return env{}, err
	}
	if lvl, err := logrus.ParseLevel(eff.LogLevel); err == nil {
		logrus.SetLevel(lvl)
	}
	tc := ffx.LocateToolchain(eff.FFmpegPath, eff.FFprobePath)
	logrus.WithFields(logrus.Fields{
		"function": "setup",
		"config":   eff.Path,
		"found":    eff.Found,
		"ffmpeg":   tc.FFmpeg,
		"ffprobe":  tc.FFprobe,
	}).Debug("Environment ready")
	return env{eff: eff, tools: tc}, nil
}

func (e env) sessionOptions() session.Options {
	return session.Options{
		BlurRadius: e.eff.BlurRadius,
		BlurSigma:  e.eff.BlurSigma,
		CacheSize:  e.eff.CacheSize,
		Speed:      e.eff.PlaybackSpeed,
	}
}

// ---- 输出 ----

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// emitJSON 在 stdout 上输出且仅输出一个 JSON 值。
func emitJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// failf 把错误写到 stderr：带错误码时以 "<code>: <msg>" 开头，便于脚本匹配。
func failf(stderr io.Writer, code string, err error) int {
	if code != "" {
		fmt.Fprintf(stderr, "%s: %v\n", code, err)
	} else {
		fmt.Fprintf(stderr, "错误：%v\n", err)
	}
	return 1
}

func usageErr(stderr io.Writer, err error, usage func(io.Writer)) int {
	fmt.Fprintf(stderr, "参数错误：%v\n\n", err)
	usage(stderr)
	return 2
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func wantsHelp(args []string) bool {
	for _, a := range args {
		if isHelp(a) {
			return true
		}
	}
	return false
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `用法：
  smudge <命令> [参数]

命令：
  info    显示视频（或目录下所有视频 / 图片序列）的元数据
  frame   把某一帧（已应用操作）保存为 PNG
  ops     管理视频旁的操作文件（<video>.smudge.json）
  export  把操作烘焙进视频并尽量保留原音轨
  config  显示或保存生效配置

通用参数：
  --config PATH      配置文件（默认 <用户配置目录>/facesmudge/smudge.json|yaml）
  --radius N         模糊半径（像素）
  --sigma F          高斯强度
  --cache N          帧缓存容量
  --speed F          播放倍速：0.25|0.5|1|2|4
  --log-level LEVEL  日志级别：debug|info|warn|error

使用 "smudge <命令> --help" 查看详细说明。
`)
}
