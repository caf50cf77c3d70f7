package batch

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/nonomal/superbatchvideocompressor/internal/ffmpeg"
)

// DiscoverFiles walks inputRoot recursively and returns every video file
// found, sorted for deterministic submission order in tests (§5 only
// guarantees enumeration order determines submission order, not completion
// order).
func DiscoverFiles(inputRoot string) ([]string, error) {
	var files []string
	err := filepath.Walk(inputRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if ffmpeg.IsVideoFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// FilePlan holds one input file's final and temp output paths (SPEC_FULL.md
// §3). The target bitrate is not part of it; runOne plans that separately
// once source metadata has been probed.
type FilePlan struct {
	InputPath  string
	OutputPath string
	TempPath   string
}

// ResolveFilePlan computes the final and temp output paths for one input
// file. With keepStructure, the input's path relative to inputRoot is
// mirrored under outputRoot with its extension rewritten to container;
// otherwise every output lands flat in outputRoot. The temp path is always
// a tmp_-prefixed sibling of the final path.
func ResolveFilePlan(inputPath, inputRoot, outputRoot, container string, keepStructure bool) (FilePlan, error) {
	var outputPath string
	if keepStructure {
		rel, err := filepath.Rel(inputRoot, inputPath)
		if err != nil {
			return FilePlan{}, err
		}
		ext := filepath.Ext(rel)
		outputPath = filepath.Join(outputRoot, strings.TrimSuffix(rel, ext)+"."+container)
	} else {
		base := filepath.Base(inputPath)
		ext := filepath.Ext(base)
		outputPath = filepath.Join(outputRoot, strings.TrimSuffix(base, ext)+"."+container)
	}

	dir := filepath.Dir(outputPath)
	tempPath := filepath.Join(dir, "tmp_"+filepath.Base(outputPath))

	return FilePlan{InputPath: inputPath, OutputPath: outputPath, TempPath: tempPath}, nil
}

// SweepOrphanTempFiles removes every tmp_* file anywhere under outputRoot
// (recursively, mirroring how ResolveFilePlan nests temp files alongside
// their final path) left behind by a prior crashed or killed run. Called
// once at startup, before any task is submitted.
func SweepOrphanTempFiles(outputRoot string) (int, error) {
	removed := 0
	err := filepath.Walk(outputRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasPrefix(info.Name(), "tmp_") {
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, err
	}
	return removed, nil
}

// MinFreeSpaceMB is the minimum free space the pre-flight check warns below,
// mirroring the same threshold used elsewhere in the example pool's
// temp-file utilities.
const MinFreeSpaceMB = 500

// CheckDiskSpace reports the available bytes at path's filesystem and
// whether it clears MinFreeSpaceMB. A statfs failure (path missing, or the
// syscall unsupported on this platform) is treated as "cannot determine" and
// reported as ok=true so the run is never blocked on an advisory check.
func CheckDiskSpace(path string) (availableBytes uint64, ok bool) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, true
	}
	available := stat.Bavail * uint64(stat.Bsize)
	return available, available >= MinFreeSpaceMB*1024*1024
}
