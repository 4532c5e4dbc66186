package persistence

import (
	"bufio"
	"os"
	"path/filepath"
)

// SaveToFile writes a file atomically: the content goes to a temp file
// in the target directory, is fsynced, and then renamed over the
// destination. Readers either see the old file or the complete new one.
func SaveToFile(filename string, writeFunc func(*os.File) error) error {
	dir := filepath.Dir(filename)
	base := filepath.Base(filename)

	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	_ = tmp.Chmod(0o644)

	if err := writeFunc(tmp); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpName, filename); err != nil {
		return err
	}

	// Best-effort: fsync the directory so the rename is durable.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}

	tmpName = ""
	return nil
}

// SaveToFileBuffered is SaveToFile with a buffered writer for callers
// that stream many small writes.
func SaveToFileBuffered(filename string, writeFunc func(*bufio.Writer) error) error {
	return SaveToFile(filename, func(f *os.File) error {
		buf := bufio.NewWriterSize(f, 256*1024)
		if err := writeFunc(buf); err != nil {
			return err
		}
		return buf.Flush()
	})
}
