package main

import (
	"fmt"
	"io"
)

func printInfoUsage(w io.Writer) {
	fmt.Fprint(w, `用法：
  smudge info <video|dir> [--fps F] [--include-exported]

参数：
  --fps F             图片序列目录的帧率（默认 30）
  --include-exported  目录扫描时不跳过 *_smudged.* 产物
  -h, --help          显示帮助

stdout 不是终端时输出 JSON。
`)
}

func printFrameUsage(w io.Writer) {
	fmt.Fprint(w, `用法：
  smudge frame <video> [--frame N] [--out PATH] [--ops FILE] [--display WxH]

参数：
  --frame N      帧号（默认 0）
  --out PATH     PNG 输出路径（默认 <stem>_frameNNNNNN.png，与视频同目录）
  --ops FILE     操作文件（默认读取 <video>.smudge.json，若存在）
  --display WxH  按显示尺寸 letterbox 后输出
  -h, --help     显示帮助
`)
}

func printOpsUsage(w io.Writer) {
	fmt.Fprint(w, `用法：
  smudge ops add <video> --frame N [--to M] (--x X --y Y | --point PX,PY [--display WxH]) [--radius N] [--sigma F]
  smudge ops list <video>
  smudge ops undo <video>
  smudge ops clear <video>

说明：
  操作保存在 <video>.smudge.json。add 从 --frame 按下指针，逐帧前进到 --to 后松开，
  每一帧生成一个操作。--x/--y 是归一化坐标；--point 是 --display 尺寸下的显示坐标。
  undo 撤销最近创建的一个操作。
`)
}

func printExportUsage(w io.Writer) {
	fmt.Fprint(w, `用法：
  smudge export <video> [--out PATH] [--ops FILE] [--tmp DIR]

参数：
  --out PATH  目标路径（默认 <stem>_smudged<ext>，与视频同目录）
  --ops FILE  操作文件（默认读取 <video>.smudge.json）
  --tmp DIR   临时目录（默认读配置 temp_dir，再默认系统临时目录）
  -h, --help  显示帮助

stdout 不是终端时输出一个 ExportReport JSON；失败时退出码为 1。
`)
}

func printConfigUsage(w io.Writer) {
	fmt.Fprint(w, `用法：
  smudge config [--radius N] [--sigma F] [--cache N] [--speed F] [--log-level L] [--save]

参数：
  --save      把生效配置回写到配置文件
  -h, --help  显示帮助
`)
}
