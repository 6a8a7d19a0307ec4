package ota

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrNoStagedImage is returned when verification or commit runs before a
// download staged anything.
var ErrNoStagedImage = errors.New("ota: no staged image")

// Partition abstracts the spare firmware slot: an append-only writer for the
// download, a random-access reader for verification, and boot-target
// controls. The file-backed implementation below serves the daemon; tests use
// an in-memory fake.
type Partition interface {
	// Stage truncates the spare slot and returns a writer for the incoming
	// image. Closing the writer makes the staged bytes readable.
	Stage() (io.WriteCloser, error)
	// Reader opens the staged image for verification, returning its size.
	Reader() (io.ReaderAt, int64, error)
	// CommitNext installs the staged image as the next boot target under the
	// given version, preserving the previous target for rollback.
	CommitNext(version string) error
	// Rollback repoints the boot target at the previous image.
	Rollback() error
	// Abandon discards the staged image, if any.
	Abandon()
}

// FilePartition stores firmware images as versioned files in a directory and
// tracks the boot target with a "current" symlink, swapped atomically through
// a temporary link. The superseded target is kept behind a "previous" symlink
// until the new image is marked valid.
type FilePartition struct {
	dir string
}

const (
	stagingName  = "staging.bin"
	currentLink  = "current"
	previousLink = "previous"
)

// NewFilePartition creates the image directory when missing.
func NewFilePartition(dir string) (*FilePartition, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create image directory: %w", err)
	}
	return &FilePartition{dir: dir}, nil
}

func (p *FilePartition) stagingPath() string { return filepath.Join(p.dir, stagingName) }

func (p *FilePartition) Stage() (io.WriteCloser, error) {
	f, err := os.OpenFile(p.stagingPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("open staging file: %w", err)
	}
	return f, nil
}

func (p *FilePartition) Reader() (io.ReaderAt, int64, error) {
	f, err := os.Open(p.stagingPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, ErrNoStagedImage
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open staged image: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat staged image: %w", err)
	}
	return f, fi.Size(), nil
}

func (p *FilePartition) CommitNext(version string) error {
	versionedPath := filepath.Join(p.dir, fmt.Sprintf("firmware-%s.bin", version))
	if err := os.Rename(p.stagingPath(), versionedPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNoStagedImage
		}
		return fmt.Errorf("install staged image: %w", err)
	}

	current := filepath.Join(p.dir, currentLink)

	// Preserve the running image behind "previous" for rollback.
	if oldTarget, err := os.Readlink(current); err == nil {
		if err := p.swapLink(previousLink, oldTarget); err != nil {
			return fmt.Errorf("preserve previous image: %w", err)
		}
	}

	if err := p.swapLink(currentLink, versionedPath); err != nil {
		return fmt.Errorf("set boot target: %w", err)
	}
	return nil
}

func (p *FilePartition) Rollback() error {
	previous := filepath.Join(p.dir, previousLink)
	target, err := os.Readlink(previous)
	if err != nil {
		return fmt.Errorf("no previous image to roll back to: %w", err)
	}
	if err := p.swapLink(currentLink, target); err != nil {
		return fmt.Errorf("restore boot target: %w", err)
	}
	return nil
}

func (p *FilePartition) Abandon() {
	os.Remove(p.stagingPath())
}

// swapLink atomically repoints dir/name at target via a temporary link and a
// rename.
func (p *FilePartition) swapLink(name, target string) error {
	link := filepath.Join(p.dir, name)
	tmp := link + ".new"
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create symlink: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("swap symlink: %w", err)
	}
	return nil
}

// CurrentTarget reports the boot target path, empty when none is set.
func (p *FilePartition) CurrentTarget() string {
	target, err := os.Readlink(filepath.Join(p.dir, currentLink))
	if err != nil {
		return ""
	}
	return target
}
