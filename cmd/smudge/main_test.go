package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseArgs(t *testing.T) {
	pa, err := parseArgs(
		[]string{"clip.mp4", "--frame", "12", "--out=x.png", "--radius", "30", "--include-exported"},
		map[string]bool{"frame": true, "out": true, "include-exported": false},
	)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(pa.positional) != 1 || pa.positional[0] != "clip.mp4" {
		t.Fatalf("positional 不符：%q", pa.positional)
	}
	if pa.values["frame"] != "12" || pa.values["out"] != "x.png" || pa.values["radius"] != "30" {
		t.Fatalf("values 不符：%v", pa.values)
	}
	if !pa.bools["include-exported"] {
		t.Fatalf("期望 include-exported=true")
	}

	cli, err := pa.cliArgs()
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if !cli.BlurRadiusSet || cli.BlurRadius != 30 || cli.BlurSigmaSet {
		t.Fatalf("CLIArgs 不符：%+v", cli)
	}
}

func TestParseArgs_Errors(t *testing.T) {
	cases := map[string][]string{
		"unknown":   {"--nope"},
		"missing":   {"--frame"},
		"duplicate": {"--frame", "1", "--frame=2"},
		"bad_bool":  {"--save=maybe"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := parseArgs(args, map[string]bool{"frame": true, "save": false}); err == nil {
				t.Fatalf("期望错误：%q", args)
			}
		})
	}
}

func TestCLIArgs_BadNumber(t *testing.T) {
	pa, err := parseArgs([]string{"--sigma", "abc"}, nil)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if _, err := pa.cliArgs(); err == nil {
		t.Fatalf("期望 --sigma 非数字时报错")
	}
}

func TestParseSizeAndPoint(t *testing.T) {
	w, h, err := parseSize("1280x720")
	if err != nil || w != 1280 || h != 720 {
		t.Fatalf("parseSize 不符：%d %d %v", w, h, err)
	}
	for _, bad := range []string{"1280", "0x10", "ax1", "-1x5"} {
		if _, _, err := parseSize(bad); err == nil {
			t.Fatalf("期望 %q 报错", bad)
		}
	}

	x, y, err := parsePoint(" 10.5, 20 ")
	if err != nil || x != 10.5 || y != 20 {
		t.Fatalf("parsePoint 不符：%v %v %v", x, y, err)
	}
	if _, _, err := parsePoint("10"); err == nil {
		t.Fatalf("期望缺少逗号时报错")
	}
}

func TestRun_UsageAndUnknown(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(nil, &stdout, &stderr); code != 0 {
		t.Fatalf("无参数应打印帮助并返回 0，实际 %d", code)
	}
	if !strings.Contains(stdout.String(), "smudge <命令>") {
		t.Fatalf("帮助内容不符：%q", stdout.String())
	}

	stdout.Reset()
	if code := run([]string{"bogus"}, &stdout, &stderr); code != 2 {
		t.Fatalf("未知命令应返回 2，实际 %d", code)
	}
	if code := run([]string{"frame"}, &stdout, &stderr); code != 2 {
		t.Fatalf("缺少路径应返回 2，实际 %d", code)
	}
}
