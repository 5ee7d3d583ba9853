package archive

import (
	"errors"
	"fmt"

	"github.com/mholt/archiver/v3"
)

// ErrArchive marks an archive that could not be opened or unpacked.
var ErrArchive = errors.New("archive: unreadable archive")

type Extractor interface {
	Extract(src, dest string) error
}

// Zip unpacks zip archives into a directory.
type Zip struct{}

func (Zip) Extract(src, dest string) error {
	z := archiver.NewZip()
	z.OverwriteExisting = true
	z.MkdirAll = true

	if err := z.Unarchive(src, dest); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrArchive, src, err)
	}
	return nil
}

// Pack writes sources into a new zip archive at dest.
func Pack(sources []string, dest string) error {
	z := archiver.NewZip()
	z.MkdirAll = true

	if err := z.Archive(sources, dest); err != nil {
		return fmt.Errorf("packing %s: %w", dest, err)
	}
	return nil
}
