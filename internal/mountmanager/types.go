package mountmanager

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DefaultMountTable is the kernel's live view of the mounts visible to
// this process.
const DefaultMountTable = "/proc/self/mounts"

// MountEntry is one row of the mount table.
type MountEntry struct {
	Source        string
	Target        string
	FSType        string
	Options       string
	DumpFrequency int
	FsckPass      int
}

// ReadOnly reports whether the entry was mounted with the "ro" option.
func (e MountEntry) ReadOnly() bool {
	for _, opt := range strings.Split(e.Options, ",") {
		if opt == "ro" {
			return true
		}
	}
	return false
}

// UnmountError is returned when the kernel refuses to unmount a target.
type UnmountError struct {
	Target string
	Errno  unix.Errno
}

func (e *UnmountError) Error() string {
	if e.IsPermission() {
		return fmt.Sprintf("root permissions required to unmount device (%d)", int(e.Errno))
	}
	return fmt.Sprintf("could not unmount device (%d)", int(e.Errno))
}

func (e *UnmountError) Unwrap() error {
	return e.Errno
}

// IsPermission reports whether the unmount failed for lack of privilege.
func (e *UnmountError) IsPermission() bool {
	return e.Errno == unix.EPERM
}

type MountManager struct {
	tablePath string
	logger    *logrus.Logger

	// unmount is unix.Unmount outside of tests
	unmount func(target string, flags int) error
}
