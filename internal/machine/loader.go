package machine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
)

var ErrImageTooLarge = errors.New("guest image too large")

// LoadImage copies the flat binary at path into mem starting at guest
// physical address 0. The image must end at or below limit. When progress is
// non-nil a byte progress bar is drawn to it.
func LoadImage(mem io.WriterAt, path string, limit uint64, progress io.Writer) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open guest image: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat guest image: %w", err)
	}
	if uint64(info.Size()) > limit {
		return 0, fmt.Errorf("%w: %s occupies [0x0, 0x%x) which overlaps [0x%x, ...)",
			ErrImageTooLarge, path, info.Size(), limit)
	}

	var dst io.Writer = io.NewOffsetWriter(mem, 0)

	var bar *progressbar.ProgressBar
	if progress != nil {
		bar = progressbar.NewOptions64(
			info.Size(),
			progressbar.OptionSetWriter(progress),
			progressbar.OptionSetDescription("loading "+filepath.Base(path)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(20),
		)
		dst = io.MultiWriter(dst, bar)
	}

	// The size check above is repeated on the stream in case the file grows
	// while it is copied.
	n, err := io.Copy(dst, io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return n, fmt.Errorf("copy guest image: %w", err)
	}
	if uint64(n) > limit {
		return n, fmt.Errorf("%w: %s grew past 0x%x while loading", ErrImageTooLarge, path, limit)
	}

	if bar != nil {
		if err := bar.Finish(); err != nil {
			return n, fmt.Errorf("finish progress bar: %w", err)
		}
	}

	return n, nil
}
