package mountmanager

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

func NewMountManager(tablePath string, logger *logrus.Logger) *MountManager {
	if tablePath == "" {
		tablePath = DefaultMountTable
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &MountManager{
		tablePath: tablePath,
		logger:    logger,
		unmount:   unix.Unmount,
	}
}

// ReadMountTable returns a fresh snapshot of the mount table. A table that
// cannot be opened is treated as empty: no mount information means nothing
// is mounted.
func (mm *MountManager) ReadMountTable() []MountEntry {
	f, err := os.Open(mm.tablePath)
	if err != nil {
		mm.logger.WithError(err).Debugf("mount table %s unavailable, assuming nothing is mounted", mm.tablePath)
		return []MountEntry{}
	}
	defer f.Close()

	entries, err := parseMountTable(f)
	if err != nil {
		mm.logger.WithError(err).Warnf("stopped reading %s after %d entries", mm.tablePath, len(entries))
	}
	mm.logger.Debugf("read %d entries from %s", len(entries), mm.tablePath)
	return entries
}

// parseMountTable parses fstab(5) formatted lines the way getmntent(3)
// does. Lines with fewer than four fields are skipped.
func parseMountTable(r io.Reader) ([]MountEntry, error) {
	entries := []MountEntry{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}

		entry := MountEntry{
			Source:  unescapeMountField(fields[0]),
			Target:  unescapeMountField(fields[1]),
			FSType:  unescapeMountField(fields[2]),
			Options: unescapeMountField(fields[3]),
		}
		if len(fields) > 4 {
			entry.DumpFrequency, _ = strconv.Atoi(fields[4])
		}
		if len(fields) > 5 {
			entry.FsckPass, _ = strconv.Atoi(fields[5])
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

// unescapeMountField decodes the octal escapes the kernel uses for
// whitespace and backslashes in mount table fields.
func unescapeMountField(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			v, _ := strconv.ParseUint(s[i+1:i+4], 8, 8)
			b.WriteByte(byte(v))
			i += 3
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isOctal(c byte) bool {
	return c >= '0' && c <= '7'
}

// FindMount returns the first entry whose source begins with node, so a
// whole-disk node also matches its numbered partitions. The match is a
// plain string prefix: /dev/sd1 also matches /dev/sd10.
func FindMount(entries []MountEntry, node string) (MountEntry, bool) {
	for _, entry := range entries {
		if strings.HasPrefix(entry.Source, node) {
			return entry, true
		}
	}
	return MountEntry{}, false
}

// Unmount asks the kernel to unmount the entry's mount point.
func (mm *MountManager) Unmount(entry MountEntry) error {
	log := mm.logger.WithFields(logrus.Fields{
		"source": entry.Source,
		"target": entry.Target,
	})

	if err := mm.unmount(entry.Target, 0); err != nil {
		var errno unix.Errno
		if !errors.As(err, &errno) {
			errno = unix.EINVAL
		}
		log.WithError(err).Debug("unmount failed")
		return &UnmountError{Target: entry.Target, Errno: errno}
	}

	log.Debug("unmounted")
	return nil
}
