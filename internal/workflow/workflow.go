// Package workflow sequences a flashing run: resolve the device, make sure
// it is not mounted, write the input file, and release the device.
package workflow

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/larsks/usbflash/internal/device"
	mm "github.com/larsks/usbflash/internal/mountmanager"
)

var ErrDeviceMounted = errors.New("device is mounted read-write")

type State int

const (
	StateResolving State = iota
	StateCheckingMounts
	StateUnmounting
	StateWriting
	StateReleasing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateCheckingMounts:
		return "checking-mounts"
	case StateUnmounting:
		return "unmounting"
	case StateWriting:
		return "writing"
	case StateReleasing:
		return "releasing"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type (
	Resolver interface {
		Resolve(vendorID, productID string) (*device.Handle, error)
		ResolveNode(node string) (*device.Handle, error)
	}

	MountTable interface {
		ReadMountTable() []mm.MountEntry
		Unmount(entry mm.MountEntry) error
	}

	Writer interface {
		Write(node, inputPath string, offset int64) (int, error)
	}

	Prompter interface {
		YesNo(text string) (bool, error)
	}
)

// Request describes one run. When Node is set it is used instead of the
// vendor and product identifiers.
type Request struct {
	VendorID  string
	ProductID string
	Node      string
	InputPath string
	Offset    int64
}

type Workflow struct {
	resolver Resolver
	mounts   MountTable
	writer   Writer
	prompter Prompter
	out      io.Writer
	logger   *logrus.Logger
}

func New(resolver Resolver, mounts MountTable, writer Writer, prompter Prompter, out io.Writer, logger *logrus.Logger) *Workflow {
	if logger == nil {
		logger = logrus.New()
	}
	return &Workflow{
		resolver: resolver,
		mounts:   mounts,
		writer:   writer,
		prompter: prompter,
		out:      out,
		logger:   logger,
	}
}

// Run performs one flashing run. A resolution failure returns before any
// question is asked; once a device is resolved it is released on every
// return path.
func (w *Workflow) Run(req Request) (err error) {
	w.enter(StateResolving)
	handle, err := w.resolve(req)
	if err != nil {
		return err
	}
	defer func() {
		w.enter(StateReleasing)
		if rerr := handle.Release(); rerr != nil {
			w.logger.WithError(rerr).Warn("failed to release device")
			if err == nil {
				err = fmt.Errorf("failed to release device: %w", rerr)
			}
		}
		w.enter(StateDone)
	}()

	node := handle.DeviceNode()
	fmt.Fprintf(w.out, "Device found: %s\n", node)

	w.enter(StateCheckingMounts)
	if entry, mounted := mm.FindMount(w.mounts.ReadMountTable(), node); mounted {
		fmt.Fprintf(w.out, "Device %s is mounted at %s\n", entry.Source, entry.Target)
		// a failed or refused unmount ends the run before the write step
		if err := w.unmount(entry); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(w.out, "Device %s is not mounted\n", node)
	}

	return w.write(node, req)
}

func (w *Workflow) resolve(req Request) (*device.Handle, error) {
	if req.Node != "" {
		return w.resolver.ResolveNode(req.Node)
	}
	return w.resolver.Resolve(req.VendorID, req.ProductID)
}

// unmount asks before unmounting entry. Declining is only allowed to lead
// on to a write when the entry is mounted read-only.
func (w *Workflow) unmount(entry mm.MountEntry) error {
	ok, err := w.prompter.YesNo("Unmount the device (y/n)? ")
	if err != nil {
		return err
	}
	if !ok {
		if entry.ReadOnly() {
			return nil
		}
		fmt.Fprintf(w.out, "Refusing to write while %s is mounted read-write\n", entry.Source)
		return fmt.Errorf("%w: %s at %s", ErrDeviceMounted, entry.Source, entry.Target)
	}

	w.enter(StateUnmounting)
	fmt.Fprintln(w.out, "Trying to unmount...")
	if err := w.mounts.Unmount(entry); err != nil {
		fmt.Fprintf(w.out, "Unmount unsuccessful: %v\n", err)
		return err
	}
	fmt.Fprintln(w.out, "Unmounted successfully!")
	return nil
}

func (w *Workflow) write(node string, req Request) error {
	ok, err := w.prompter.YesNo(fmt.Sprintf("Are you sure you want to write to %s (y/n)? ", node))
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(w.out, "Nothing written.")
		return nil
	}

	w.enter(StateWriting)
	n, err := w.writer.Write(node, req.InputPath, req.Offset)
	if err != nil {
		return err
	}
	fmt.Fprintf(w.out, "Wrote %d bytes to %s at offset %d\n", n, node, req.Offset)
	return nil
}

func (w *Workflow) enter(s State) {
	w.logger.WithField("state", s).Debug("entering state")
}
