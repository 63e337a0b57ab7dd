package workflow

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/larsks/usbflash/internal/device"
	mm "github.com/larsks/usbflash/internal/mountmanager"
	"github.com/larsks/usbflash/internal/prompt"
	"github.com/larsks/usbflash/internal/rawwriter"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeRef struct {
	node     string
	releases int
}

func (r *fakeRef) DevNode() string { return r.node }

func (r *fakeRef) Release() error {
	r.releases++
	return nil
}

type fakeDiscoverer struct {
	vendorID  string
	productID string
	ref       *fakeRef
}

func (d *fakeDiscoverer) Discover(vendorID, productID string) (device.Ref, error) {
	if d.ref == nil || vendorID != d.vendorID || productID != d.productID {
		return nil, nil
	}
	return d.ref, nil
}

func (d *fakeDiscoverer) DiscoverByNode(node string) (device.Ref, error) {
	if d.ref == nil || node != d.ref.node {
		return nil, nil
	}
	return d.ref, nil
}

type fakeMounts struct {
	entries    []mm.MountEntry
	unmountErr error
	reads      int
	unmounted  []string
}

func (m *fakeMounts) ReadMountTable() []mm.MountEntry {
	m.reads++
	return m.entries
}

func (m *fakeMounts) Unmount(entry mm.MountEntry) error {
	m.unmounted = append(m.unmounted, entry.Target)
	return m.unmountErr
}

// recordingWriter stands in for a device and records whether a write
// was attempted.
type recordingWriter struct {
	calls  int
	node   string
	offset int64
	err    error
}

func (w *recordingWriter) Write(node, inputPath string, offset int64) (int, error) {
	w.calls++
	w.node = node
	w.offset = offset
	if w.err != nil {
		return 0, w.err
	}
	return 4096, nil
}

type fakePrompter struct {
	answers []bool
	err     error
	asked   []string
}

func (p *fakePrompter) YesNo(text string) (bool, error) {
	p.asked = append(p.asked, text)
	if len(p.answers) == 0 {
		if p.err != nil {
			return false, p.err
		}
		return false, prompt.ErrNoInput
	}
	answer := p.answers[0]
	p.answers = p.answers[1:]
	return answer, nil
}

type fixture struct {
	ref      *fakeRef
	mounts   *fakeMounts
	writer   *recordingWriter
	prompter *fakePrompter
	out      *bytes.Buffer
	workflow *Workflow
}

func newFixture(node string, entries []mm.MountEntry, answers ...bool) *fixture {
	f := &fixture{
		ref:      &fakeRef{node: node},
		mounts:   &fakeMounts{entries: entries},
		writer:   &recordingWriter{},
		prompter: &fakePrompter{answers: answers},
		out:      &bytes.Buffer{},
	}
	d := &fakeDiscoverer{vendorID: "0781", productID: "5567", ref: f.ref}
	resolver := device.NewResolver(d, testLogger())
	f.workflow = New(resolver, f.mounts, f.writer, f.prompter, f.out, testLogger())
	return f
}

func defaultRequest() Request {
	return Request{
		VendorID:  "0x0781",
		ProductID: "0x5567",
		InputPath: "/tmp/input.bin",
		Offset:    rawwriter.DefaultOffset,
	}
}

func TestRunEndToEnd(t *testing.T) {
	tempDir := t.TempDir()

	devPath := filepath.Join(tempDir, "sdb")
	original := bytes.Repeat([]byte{0xAA}, 8192)
	if err := os.WriteFile(devPath, original, 0644); err != nil {
		t.Fatalf("Failed to create device file: %v", err)
	}

	input := make([]byte, 4096)
	for i := range input {
		input[i] = byte(i * 7)
	}
	inputPath := filepath.Join(tempDir, "input.bin")
	if err := os.WriteFile(inputPath, input, 0644); err != nil {
		t.Fatalf("Failed to create input file: %v", err)
	}

	ref := &fakeRef{node: devPath}
	mounts := &fakeMounts{entries: []mm.MountEntry{
		{Source: "/dev/sda2", Target: "/", Options: "rw"},
		{Source: devPath + "1", Target: "/media/usb", Options: "rw,relatime"},
	}}
	var out bytes.Buffer
	resolver := device.NewResolver(&fakeDiscoverer{vendorID: "0781", productID: "5567", ref: ref}, testLogger())
	w := New(resolver, mounts, rawwriter.New(testLogger()), prompt.New(strings.NewReader("y\ny\n"), &out), &out, testLogger())

	err := w.Run(Request{
		VendorID:  "0x0781",
		ProductID: "0x5567",
		InputPath: inputPath,
		Offset:    0,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(mounts.unmounted) != 1 || mounts.unmounted[0] != "/media/usb" {
		t.Errorf("Expected /media/usb to be unmounted, got %v", mounts.unmounted)
	}

	got, err := os.ReadFile(devPath)
	if err != nil {
		t.Fatalf("Failed to read device file: %v", err)
	}
	if !bytes.Equal(got[:4096], input) {
		t.Error("Device bytes [0,4096) do not match input")
	}
	if !bytes.Equal(got[4096:], original[4096:]) {
		t.Error("Device bytes after the input were modified")
	}

	if ref.releases != 1 {
		t.Errorf("Expected device to be released once, got %d", ref.releases)
	}

	for _, line := range []string{
		"Device found: " + devPath,
		"is mounted at /media/usb",
		"Unmount the device (y/n)? ",
		"Unmounted successfully!",
		"Are you sure you want to write to " + devPath,
		"Wrote 4096 bytes",
	} {
		if !strings.Contains(out.String(), line) {
			t.Errorf("Expected output to contain %q, got:\n%s", line, out.String())
		}
	}
}

func TestRunDeviceNotFound(t *testing.T) {
	f := newFixture("/dev/sdb", nil, true, true)

	req := defaultRequest()
	req.ProductID = "0x0001"
	err := f.workflow.Run(req)
	if !errors.Is(err, device.ErrDeviceNotFound) {
		t.Fatalf("Expected ErrDeviceNotFound, got %v", err)
	}

	if len(f.prompter.asked) != 0 {
		t.Errorf("Expected no prompts, got %v", f.prompter.asked)
	}
	if f.mounts.reads != 0 {
		t.Errorf("Expected mount table not to be read, got %d reads", f.mounts.reads)
	}
	if f.writer.calls != 0 {
		t.Errorf("Expected no writes, got %d", f.writer.calls)
	}
	if f.ref.releases != 0 {
		t.Errorf("Expected no handle to be created, got %d releases", f.ref.releases)
	}
}

func TestRunNoDeviceNode(t *testing.T) {
	f := newFixture("", nil, true, true)

	err := f.workflow.Run(defaultRequest())
	if !errors.Is(err, device.ErrNoDeviceNode) {
		t.Fatalf("Expected ErrNoDeviceNode, got %v", err)
	}
	if len(f.prompter.asked) != 0 {
		t.Errorf("Expected no prompts, got %v", f.prompter.asked)
	}
	if f.ref.releases != 1 {
		t.Errorf("Expected reference to be released once, got %d", f.ref.releases)
	}
}

func TestRunNotMounted(t *testing.T) {
	f := newFixture("/dev/sdb", []mm.MountEntry{{Source: "/dev/sda1", Target: "/"}}, true)

	if err := f.workflow.Run(defaultRequest()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(f.prompter.asked) != 1 {
		t.Fatalf("Expected only the write prompt, got %v", f.prompter.asked)
	}
	if len(f.mounts.unmounted) != 0 {
		t.Errorf("Expected no unmount, got %v", f.mounts.unmounted)
	}
	if f.writer.calls != 1 {
		t.Fatalf("Expected one write, got %d", f.writer.calls)
	}
	if f.writer.node != "/dev/sdb" || f.writer.offset != rawwriter.DefaultOffset {
		t.Errorf("Expected write to /dev/sdb at %d, got %s at %d", rawwriter.DefaultOffset, f.writer.node, f.writer.offset)
	}
	if f.ref.releases != 1 {
		t.Errorf("Expected device to be released once, got %d", f.ref.releases)
	}
}

func TestRunUnmountFailureGatesWrite(t *testing.T) {
	f := newFixture("/dev/sdb", []mm.MountEntry{{Source: "/dev/sdb1", Target: "/media/usb", Options: "rw"}}, true, true)
	f.mounts.unmountErr = &mm.UnmountError{Target: "/media/usb", Errno: unix.EPERM}

	err := f.workflow.Run(defaultRequest())

	var uerr *mm.UnmountError
	if !errors.As(err, &uerr) {
		t.Fatalf("Expected *UnmountError, got %v", err)
	}
	if !uerr.IsPermission() {
		t.Error("Expected a permission error")
	}

	if f.writer.calls != 0 {
		t.Errorf("Expected write never to execute, got %d calls", f.writer.calls)
	}
	if len(f.prompter.asked) != 1 {
		t.Errorf("Expected only the unmount prompt, got %v", f.prompter.asked)
	}
	if !strings.Contains(f.out.String(), "Unmount unsuccessful: root permissions required") {
		t.Errorf("Expected unmount failure to be reported, got:\n%s", f.out.String())
	}
	if f.ref.releases != 1 {
		t.Errorf("Expected device to be released once, got %d", f.ref.releases)
	}
}

func TestRunDeclineUnmount(t *testing.T) {
	tests := []struct {
		name       string
		options    string
		wantErr    error
		wantWrites int
	}{
		{name: "read-write mount", options: "rw,relatime", wantErr: ErrDeviceMounted, wantWrites: 0},
		{name: "read-only mount", options: "ro,relatime", wantErr: nil, wantWrites: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture("/dev/sdb", []mm.MountEntry{{Source: "/dev/sdb1", Target: "/media/usb", Options: tt.options}}, false, true)

			err := f.workflow.Run(defaultRequest())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Run() error = %v, want %v", err, tt.wantErr)
			}
			if len(f.mounts.unmounted) != 0 {
				t.Errorf("Expected no unmount, got %v", f.mounts.unmounted)
			}
			if f.writer.calls != tt.wantWrites {
				t.Errorf("Expected %d writes, got %d", tt.wantWrites, f.writer.calls)
			}
			if f.ref.releases != 1 {
				t.Errorf("Expected device to be released once, got %d", f.ref.releases)
			}
		})
	}
}

func TestRunDeclineWrite(t *testing.T) {
	f := newFixture("/dev/sdb", nil, false)

	if err := f.workflow.Run(defaultRequest()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if f.writer.calls != 0 {
		t.Errorf("Expected no writes, got %d", f.writer.calls)
	}
	if f.ref.releases != 1 {
		t.Errorf("Expected device to be released once, got %d", f.ref.releases)
	}
}

func TestRunWriteError(t *testing.T) {
	f := newFixture("/dev/sdb", nil, true)
	f.writer.err = &rawwriter.SeekError{Offset: rawwriter.DefaultOffset}

	err := f.workflow.Run(defaultRequest())

	var serr *rawwriter.SeekError
	if !errors.As(err, &serr) {
		t.Fatalf("Expected *SeekError, got %v", err)
	}
	if f.ref.releases != 1 {
		t.Errorf("Expected device to be released once, got %d", f.ref.releases)
	}
}

func TestRunPromptEndOfInput(t *testing.T) {
	f := newFixture("/dev/sdb", []mm.MountEntry{{Source: "/dev/sdb1", Target: "/media/usb"}})

	err := f.workflow.Run(defaultRequest())
	if !errors.Is(err, prompt.ErrNoInput) {
		t.Fatalf("Expected ErrNoInput, got %v", err)
	}
	if f.writer.calls != 0 || len(f.mounts.unmounted) != 0 {
		t.Error("Expected nothing to happen without an answer")
	}
	if f.ref.releases != 1 {
		t.Errorf("Expected device to be released once, got %d", f.ref.releases)
	}
}

func TestRunByNode(t *testing.T) {
	f := newFixture("/dev/sdb", nil, true)

	req := defaultRequest()
	req.VendorID = ""
	req.ProductID = ""
	req.Node = "/dev/sdb"
	if err := f.workflow.Run(req); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if f.writer.calls != 1 || f.writer.node != "/dev/sdb" {
		t.Errorf("Expected one write to /dev/sdb, got %d to %s", f.writer.calls, f.writer.node)
	}

	f2 := newFixture("/dev/sdb", nil, true)
	req.Node = "/dev/sda"
	if err := f2.workflow.Run(req); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("Expected ErrDeviceNotFound for unknown node, got %v", err)
	}
}

func TestStateString(t *testing.T) {
	if StateCheckingMounts.String() != "checking-mounts" {
		t.Errorf("Unexpected state name %s", StateCheckingMounts)
	}
	if State(42).String() != "state(42)" {
		t.Errorf("Unexpected state name %s", State(42))
	}
}
