package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

// ArchiveResult is a zip archive holding a single dump.
type ArchiveResult struct {
	ZipFilePath string `json:"zipFilePath"`
	// BaseName is the dump file name without extension; the archive is
	// uploaded as BaseName + ".zip".
	BaseName string `json:"baseName"`
}

// RemoteName returns the name the archive is uploaded under.
func (a *ArchiveResult) RemoteName() string { return a.BaseName + ".zip" }

// Archive streams sqlPath into a zip next to it. The archive has exactly
// one member named after the dump file. A partial archive is removed on
// failure.
func Archive(sqlPath string) (res *ArchiveResult, err error) {
	base := strings.TrimSuffix(filepath.Base(sqlPath), filepath.Ext(sqlPath))
	zipPath := filepath.Join(filepath.Dir(sqlPath), base+".zip")

	src, err := os.Open(sqlPath)
	if err != nil {
		return nil, fmt.Errorf("open dump: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat dump: %w", err)
	}

	out, err := os.OpenFile(zipPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close archive: %w", cerr)
		}
		if err != nil {
			res = nil
			_ = os.Remove(zipPath)
		}
	}()

	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return nil, fmt.Errorf("archive header: %w", err)
	}
	header.Name = filepath.Base(sqlPath)
	header.Method = zip.Deflate

	member, err := zw.CreateHeader(header)
	if err != nil {
		return nil, fmt.Errorf("create archive member: %w", err)
	}
	if _, err := io.Copy(member, src); err != nil {
		return nil, fmt.Errorf("compress dump: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finish archive: %w", err)
	}

	return &ArchiveResult{ZipFilePath: zipPath, BaseName: base}, nil
}
