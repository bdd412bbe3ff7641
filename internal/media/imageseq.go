package media

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/facesmudge/internal/domain"
	"github.com/John-Robertt/facesmudge/internal/infra/imgx"
)

var seqExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}

// ImageSequenceDecoder 把目录中的 PNG/JPEG 文件（按文件名排序）当作帧序列。
// 不经过 ffmpeg，每次 Frame 都重新读盘。
type ImageSequenceDecoder struct {
	meta  domain.VideoMetadata
	files []string
}

// OpenImageSequence 列出 dir 下的图片并以第一张的尺寸作为帧尺寸。
func OpenImageSequence(dir string, fps float64) (*ImageSequenceDecoder, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &OpenError{Kind: OpenNotFound, Path: dir, Err: err}
		}
		return nil, &OpenError{Kind: OpenCorrupt, Path: dir, Err: err}
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if seqExts[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, &OpenError{Kind: OpenCorrupt, Path: dir, Err: fmt.Errorf("目录中没有 PNG/JPEG 帧")}
	}

	first, err := readImage(files[0])
	if err != nil {
		return nil, &OpenError{Kind: OpenUnsupportedCodec, Path: dir, Err: err}
	}
	meta := domain.VideoMetadata{
		Path:       dir,
		Width:      first.Rect.Dx(),
		Height:     first.Rect.Dy(),
		FPS:        fps,
		FrameCount: len(files),
		Codec:      strings.TrimPrefix(strings.ToLower(filepath.Ext(files[0])), "."),
	}
	if err := validateMetadata(&meta); err != nil {
		return nil, &OpenError{Kind: OpenCorrupt, Path: dir, Err: err}
	}
	return &ImageSequenceDecoder{meta: meta, files: files}, nil
}

func (d *ImageSequenceDecoder) Metadata() domain.VideoMetadata { return d.meta }

func (d *ImageSequenceDecoder) Frame(idx int) (*image.RGBA, bool) {
	if idx < 0 || idx >= len(d.files) {
		return nil, false
	}
	img, err := readImage(d.files[idx])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ImageSequenceDecoder.Frame",
			"frame":    idx,
			"file":     d.files[idx],
			"error":    err.Error(),
		}).Warn("Could not read frame")
		return nil, false
	}
	if img.Rect.Dx() != d.meta.Width || img.Rect.Dy() != d.meta.Height {
		logrus.WithFields(logrus.Fields{
			"function": "ImageSequenceDecoder.Frame",
			"frame":    idx,
			"size":     fmt.Sprintf("%dx%d", img.Rect.Dx(), img.Rect.Dy()),
		}).Warn("Frame size mismatch")
		return nil, false
	}
	return img, true
}

func (d *ImageSequenceDecoder) Close() error { return nil }

func readImage(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return imgx.Decode(f)
}
