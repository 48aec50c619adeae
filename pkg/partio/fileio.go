package partio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

// FileIO is the filesystem-backed IO implementation. Snapshot files
// are named "<prefix>-ssN.pip"; commit logs "<prefix>-ssN-clM.piplog".
type FileIO struct {
	dir    string
	prefix string
}

// NewFileIO returns a FileIO rooted at dir, naming files with prefix.
// dir must already exist.
func NewFileIO(dir, prefix string) *FileIO {
	return &FileIO{dir: dir, prefix: prefix}
}

var (
	ssPattern = regexp.MustCompile(`-ss(\d+)\.pip$`)
	clPattern = regexp.MustCompile(`-ss(\d+)-cl(\d+)\.piplog$`)
)

func (f *FileIO) ssPath(ss int) string {
	return filepath.Join(f.dir, fmt.Sprintf("%s-ss%d.pip", f.prefix, ss))
}

func (f *FileIO) clPath(ss, cl int) string {
	return filepath.Join(f.dir, fmt.Sprintf("%s-ss%d-cl%d.piplog", f.prefix, ss, cl))
}

func (f *FileIO) SSLen() int {
	max := -1
	f.scan(ssPattern, func(groups []string) {
		n, err := strconv.Atoi(groups[1])
		if err == nil && n > max {
			max = n
		}
	})
	return max + 1
}

func (f *FileIO) SSCLLen(ss int) int {
	max := -1
	f.scan(clPattern, func(groups []string) {
		n, err1 := strconv.Atoi(groups[1])
		m, err2 := strconv.Atoi(groups[2])
		if err1 == nil && err2 == nil && n == ss && m > max {
			max = m
		}
	})
	return max + 1
}

func (f *FileIO) HasSS(ss int) bool {
	_, err := os.Stat(f.ssPath(ss))
	return err == nil
}

func (f *FileIO) scan(pattern *regexp.Regexp, visit func(groups []string)) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if groups := pattern.FindStringSubmatch(e.Name()); groups != nil {
			visit(groups)
		}
	}
}

func (f *FileIO) ReadSS(ss int) (io.ReadCloser, bool, error) {
	file, err := os.Open(f.ssPath(ss))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return file, true, nil
}

func (f *FileIO) ReadSSCL(ss, cl int) (io.ReadCloser, bool, error) {
	file, err := os.Open(f.clPath(ss, cl))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return file, true, nil
}

func (f *FileIO) NewSS(ss int) (io.WriteCloser, bool, error) {
	file, err := os.OpenFile(f.ssPath(ss), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return file, true, nil
}

func (f *FileIO) NewSSCL(ss, cl int) (io.WriteCloser, bool, error) {
	file, err := os.OpenFile(f.clPath(ss, cl), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return file, true, nil
}

func (f *FileIO) AppendSSCL(ss, cl int) (io.WriteCloser, bool, error) {
	file, err := os.OpenFile(f.clPath(ss, cl), os.O_WRONLY|os.O_APPEND, 0o644)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return file, true, nil
}
