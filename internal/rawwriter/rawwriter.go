// Package rawwriter writes a file onto a block device at a byte offset.
package rawwriter

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// DefaultOffset skips the fixed header and bootloader region at the start
// of the target devices, which must never be overwritten.
const DefaultOffset int64 = 131072

var (
	ErrInvalidOffset = errors.New("invalid offset")
	ErrInputRead     = errors.New("error reading input file")
	ErrDeviceOpen    = errors.New("error opening device")
	ErrWrite         = errors.New("error writing to device")
)

// SeekError is returned when the device cannot be positioned at Offset.
type SeekError struct {
	Offset int64
	Err    error
}

func (e *SeekError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("error seeking to position %d", e.Offset)
	}
	return fmt.Sprintf("error seeking to position %d: %v", e.Offset, e.Err)
}

func (e *SeekError) Unwrap() error {
	return e.Err
}

type Writer struct {
	logger *logrus.Logger
}

func New(logger *logrus.Logger) *Writer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Writer{logger: logger}
}

// Write copies the whole of inputPath onto node starting offset bytes from
// the start of the device. Bytes before offset are never touched. It
// returns once the payload has been synced to the device.
func (w *Writer) Write(node, inputPath string, offset int64) (n int, err error) {
	if offset < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidOffset, offset)
	}

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInputRead, err)
	}

	log := w.logger.WithFields(logrus.Fields{
		"node":   node,
		"input":  inputPath,
		"offset": offset,
		"size":   len(data),
	})

	dev, err := os.OpenFile(node, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDeviceOpen, err)
	}
	defer func() {
		if cerr := dev.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("%w: %w", ErrWrite, cerr)
		}
	}()

	if err := seek(dev, offset); err != nil {
		return 0, err
	}

	n, err = dev.Write(data)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	if err != nil {
		log.WithError(err).Debugf("wrote %d bytes before failing", n)
		return n, fmt.Errorf("%w: %w", ErrWrite, err)
	}

	if err := dev.Sync(); err != nil {
		return n, fmt.Errorf("%w: %w", ErrWrite, err)
	}

	log.Debug("write complete")
	return n, nil
}

// seek positions dev at offset. An offset past the end of the device is
// refused up front; block devices report their capacity as their size.
func seek(dev *os.File, offset int64) error {
	size, err := dev.Seek(0, io.SeekEnd)
	if err != nil {
		return &SeekError{Offset: offset, Err: err}
	}
	if offset > size {
		return &SeekError{Offset: offset, Err: fmt.Errorf("offset beyond device size %d", size)}
	}

	pos, err := dev.Seek(offset, io.SeekStart)
	if err != nil {
		return &SeekError{Offset: offset, Err: err}
	}
	if pos != offset {
		return &SeekError{Offset: offset}
	}
	return nil
}
