package device

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jaypipes/ghw"
	"github.com/sirupsen/logrus"
)

// SysfsDiscoverer finds USB mass-storage disks by walking sysfs from each
// block device up to the USB device it hangs off.
type SysfsDiscoverer struct {
	sysRoot string
	devRoot string
	logger  *logrus.Logger

	// listDisks returns block device names in enumeration order
	listDisks func() ([]string, error)
}

func NewSysfsDiscoverer(logger *logrus.Logger) *SysfsDiscoverer {
	if logger == nil {
		logger = logrus.New()
	}
	d := &SysfsDiscoverer{
		sysRoot: "/sys",
		devRoot: "/dev",
		logger:  logger,
	}
	d.listDisks = d.blockDisks
	return d
}

func (d *SysfsDiscoverer) blockDisks() ([]string, error) {
	info, err := ghw.Block()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate block devices: %w", err)
	}

	names := make([]string, 0, len(info.Disks))
	for _, disk := range info.Disks {
		d.logger.WithFields(logrus.Fields{
			"disk":      disk.Name,
			"vendor":    disk.Vendor,
			"model":     disk.Model,
			"removable": disk.IsRemovable,
		}).Debug("found disk")
		names = append(names, disk.Name)
	}
	return names, nil
}

// usbDisk describes a block device backed by a USB mass-storage device.
type usbDisk struct {
	name      string
	blockDir  string
	usbDir    string
	vendorID  string
	productID string
	node      string
}

func (d *SysfsDiscoverer) Discover(vendorID, productID string) (Ref, error) {
	disks, err := d.usbDisks()
	if err != nil {
		return nil, err
	}

	for _, disk := range disks {
		if disk.vendorID == vendorID && disk.productID == productID {
			return d.acquire(disk)
		}
	}
	return nil, nil
}

func (d *SysfsDiscoverer) DiscoverByNode(node string) (Ref, error) {
	want := filepath.Clean(node)
	if resolved, err := filepath.EvalSymlinks(want); err == nil {
		want = resolved
	}

	disks, err := d.usbDisks()
	if err != nil {
		return nil, err
	}

	for _, disk := range disks {
		if disk.node == want {
			return d.acquire(disk)
		}
	}
	return nil, nil
}

func (d *SysfsDiscoverer) usbDisks() ([]usbDisk, error) {
	names, err := d.listDisks()
	if err != nil {
		return nil, err
	}

	root, err := filepath.EvalSymlinks(d.sysRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", d.sysRoot, err)
	}

	var disks []usbDisk
	for _, name := range names {
		disk, ok := d.inspect(root, name)
		if !ok {
			continue
		}
		d.logger.WithFields(logrus.Fields{
			"disk":    disk.name,
			"vendor":  disk.vendorID,
			"product": disk.productID,
			"node":    disk.node,
		}).Debug("found USB mass-storage disk")
		disks = append(disks, disk)
	}
	return disks, nil
}

// inspect reports whether the named block device is a SCSI disk whose
// ancestry includes a USB device.
func (d *SysfsDiscoverer) inspect(root, name string) (usbDisk, bool) {
	blockDir := filepath.Join(root, "block", name)

	scsiDir, err := filepath.EvalSymlinks(filepath.Join(blockDir, "device"))
	if err != nil {
		return usbDisk{}, false
	}
	if _, err := os.Stat(filepath.Join(scsiDir, "scsi_disk")); err != nil {
		return usbDisk{}, false
	}

	usbDir, ok := findUSBDevice(root, scsiDir)
	if !ok {
		return usbDisk{}, false
	}

	disk := usbDisk{
		name:      name,
		blockDir:  blockDir,
		usbDir:    usbDir,
		vendorID:  readAttr(filepath.Join(usbDir, "idVendor")),
		productID: readAttr(filepath.Join(usbDir, "idProduct")),
	}
	if devname := readUevent(filepath.Join(blockDir, "uevent"))["DEVNAME"]; devname != "" {
		disk.node = filepath.Join(d.devRoot, devname)
	}
	return disk, true
}

// findUSBDevice walks up from dir to the closest ancestor carrying USB
// vendor and product attributes, without leaving root.
func findUSBDevice(root, dir string) (string, bool) {
	for dir != root && strings.HasPrefix(dir, root+string(filepath.Separator)) {
		if fileExists(filepath.Join(dir, "idVendor")) && fileExists(filepath.Join(dir, "idProduct")) {
			return dir, true
		}
		dir = filepath.Dir(dir)
	}
	return "", false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func readAttr(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(string(data)))
}

// readUevent parses a KEY=value uevent file.
func readUevent(path string) map[string]string {
	m := map[string]string{}
	f, err := os.Open(path)
	if err != nil {
		return m
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		ln := strings.TrimSpace(scanner.Text())
		i := strings.IndexByte(ln, '=')
		if i <= 0 {
			continue
		}
		m[ln[:i]] = ln[i+1:]
	}
	return m
}

// acquire pins the block and USB device directories for the lifetime of
// the returned reference.
func (d *SysfsDiscoverer) acquire(disk usbDisk) (Ref, error) {
	ref := &sysfsRef{node: disk.node}
	for _, dir := range []string{disk.blockDir, disk.usbDir} {
		f, err := os.Open(dir)
		if err != nil {
			_ = ref.Release()
			return nil, fmt.Errorf("failed to open %s: %w", dir, err)
		}
		ref.dirs = append(ref.dirs, f)
	}
	return ref, nil
}

type sysfsRef struct {
	node string
	dirs []*os.File
}

func (r *sysfsRef) DevNode() string {
	return r.node
}

func (r *sysfsRef) Release() error {
	var errs []error
	for _, f := range r.dirs {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.dirs = nil
	return errors.Join(errs...)
}
