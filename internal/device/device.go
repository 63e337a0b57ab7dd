// Package device maps USB vendor/product identifiers to the block device
// node of an attached mass-storage device.
package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrNoDeviceNode   = errors.New("device has no device node")
	ErrInvalidID      = errors.New("invalid USB identifier")
)

// Ref is a reference to an operating system device object. It must be
// released once the caller is done with it.
type Ref interface {
	// DevNode returns the block device node, or "" if the object has none.
	DevNode() string

	// Release returns the underlying OS references.
	Release() error
}

// Discoverer finds USB mass-storage devices. Both methods return a nil Ref
// and a nil error when nothing matches.
type Discoverer interface {
	// Discover returns the first block device whose USB parent carries the
	// given (normalized) vendor and product identifiers.
	Discover(vendorID, productID string) (Ref, error)

	// DiscoverByNode returns the USB mass-storage device owning node.
	DiscoverByNode(node string) (Ref, error)
}

// Handle is a resolved block device. It is owned by a single caller, which
// must call Release exactly once it is done; further calls do nothing.
type Handle struct {
	node     string
	ref      Ref
	released bool
}

func (h *Handle) DeviceNode() string {
	return h.node
}

func (h *Handle) Release() error {
	if h.released {
		return nil
	}
	h.released = true
	h.node = ""
	return h.ref.Release()
}

type Resolver struct {
	discoverer Discoverer
	logger     *logrus.Logger
}

func NewResolver(discoverer Discoverer, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.New()
	}
	return &Resolver{
		discoverer: discoverer,
		logger:     logger,
	}
}

// Resolve returns a handle on the first attached device matching the vendor
// and product identifiers. When several devices share the identifiers the
// one enumerated first wins.
func (r *Resolver) Resolve(vendorID, productID string) (*Handle, error) {
	vid, err := NormalizeID(vendorID)
	if err != nil {
		return nil, err
	}
	pid, err := NormalizeID(productID)
	if err != nil {
		return nil, err
	}

	log := r.logger.WithFields(logrus.Fields{"vendor": vid, "product": pid})

	ref, err := r.discoverer.Discover(vid, pid)
	if err != nil {
		return nil, fmt.Errorf("failed to discover %s:%s: %w", vid, pid, err)
	}
	if ref == nil {
		log.Debug("no matching device")
		return nil, fmt.Errorf("%w: %s:%s", ErrDeviceNotFound, vid, pid)
	}

	return r.newHandle(ref, log)
}

// ResolveNode returns a handle on node after checking that it belongs to
// a USB mass-storage device.
func (r *Resolver) ResolveNode(node string) (*Handle, error) {
	log := r.logger.WithField("node", node)

	ref, err := r.discoverer.DiscoverByNode(node)
	if err != nil {
		return nil, fmt.Errorf("failed to discover %s: %w", node, err)
	}
	if ref == nil {
		log.Debug("not a USB mass-storage device")
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, node)
	}

	return r.newHandle(ref, log)
}

func (r *Resolver) newHandle(ref Ref, log *logrus.Entry) (*Handle, error) {
	node := ref.DevNode()
	if node == "" {
		if err := ref.Release(); err != nil {
			log.WithError(err).Warn("failed to release device reference")
		}
		return nil, ErrNoDeviceNode
	}

	log.WithField("node", node).Debug("resolved device")
	return &Handle{node: node, ref: ref}, nil
}

// NormalizeID converts a USB identifier such as "0x0781" or "0781" to the
// four digit lower-case form used by sysfs.
func NormalizeID(id string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(id))
	s = strings.TrimPrefix(s, "0x")
	if s == "" || len(s) > 4 {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return strings.Repeat("0", 4-len(s)) + s, nil
}
