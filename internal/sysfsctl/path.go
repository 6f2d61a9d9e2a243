// Package sysfsctl is the typed boundary to the kernel MD driver's sysfs
// and ioctl control surfaces (spec §4.B).
package sysfsctl

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mdraid/mdctl/internal/mderr"
)

const sysfsBlockRoot = "/sys/block"

// Array is a handle to one MD array's sysfs tree,
// /sys/block/<sys_name>/md/.
type Array struct {
	SysName string // e.g. "md127"
	root    string // override for tests; defaults to sysfsBlockRoot
}

func New(sysName string) *Array {
	return &Array{SysName: sysName, root: sysfsBlockRoot}
}

// newRooted builds an Array against an arbitrary filesystem root, for
// tests that don't have a real /sys/block/mdN tree.
func newRooted(root, sysName string) *Array {
	return &Array{SysName: sysName, root: root}
}

// attrPath builds /sys/block/<sys_name>/md/[<devDir>/]<attr>. devDir is
// empty for array-level attributes.
func (a *Array) attrPath(devDir, attr string) string {
	if devDir == "" {
		return filepath.Join(a.root, a.SysName, "md", attr)
	}
	return filepath.Join(a.root, a.SysName, "md", devDir, attr)
}

// ReadString reads an attribute as text and trims exactly one trailing
// newline. Trailing garbage beyond that newline is not stripped further;
// callers doing numeric/enum parsing reject it.
func ReadString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", mderr.Wrap(err, mderr.KernelUnsupported, "read "+path)
		}
		return "", mderr.Wrap(err, mderr.IoError, "read "+path)
	}
	s := string(data)
	s = strings.TrimSuffix(s, "\n")
	return s, nil
}

// WriteString writes an attribute with no implicit trailing newline.
func WriteString(path, value string) error {
	err := os.WriteFile(path, []byte(value), 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return mderr.Wrap(err, mderr.KernelUnsupported, "write "+path)
		}
		return mderr.Wrap(err, mderr.IoError, "write "+path)
	}
	return nil
}

// Attribute reports whether an attribute file exists at all (kernels that
// predate a feature simply don't expose the file).
func Attribute(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ReadUint64 is a typed reader: trims one newline, rejects trailing
// garbage, returns mderr.KernelUnsupported taxon on type mismatch.
func ReadUint64(path string) (uint64, error) {
	s, err := ReadString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, mderr.Wrap(err, mderr.KernelUnsupported, "parse uint64 "+path)
	}
	return v, nil
}

// ReadSector reads a sector count, also accepting the literal "max" used
// by several kernel attributes (sync_max) as math.MaxUint64.
func ReadSector(path string) (uint64, error) {
	s, err := ReadString(path)
	if err != nil {
		return 0, err
	}
	if s == "max" {
		return ^uint64(0), nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, mderr.Wrap(err, mderr.KernelUnsupported, "parse sector "+path)
	}
	return v, nil
}

// ReadEnum reads a value and checks it is one of the allowed set.
func ReadEnum(path string, allowed ...string) (string, error) {
	s, err := ReadString(path)
	if err != nil {
		return "", err
	}
	for _, a := range allowed {
		if a == s {
			return s, nil
		}
	}
	return "", mderr.New(mderr.KernelUnsupported, fmt.Sprintf("unexpected value %q at %s", s, path))
}
