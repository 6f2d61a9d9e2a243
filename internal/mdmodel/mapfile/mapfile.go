// Package mapfile implements the UUID -> device-number map
// (/var/run/mdadm/map, spec §3). It is the only cross-process shared
// mutable state besides kernel sysfs, protected by an exclusive advisory
// flock(2) lock (not an fcntl/lockf record lock) on a dedicated sibling
// lock file.
package mapfile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/mdraid/mdctl/internal/mdmodel"
	"github.com/mdraid/mdctl/internal/mderr"
)

// DefaultPaths lists the candidate map file locations in preference
// order, per spec §3: /var/run/mdadm/map, falling back to
// /var/run/mdadm.map, then /dev/.mdadm.map.
var DefaultPaths = []string{
	"/var/run/mdadm/map",
	"/var/run/mdadm.map",
	"/dev/.mdadm.map",
}

// Entry is one line of the map file.
type Entry struct {
	DevName  string // "md127" or "mdp3"
	Metadata string // "0.90", "1.2", "ddf", "external:imsm", ...
	UUID     mdmodel.UUID
	Path     string
}

func (e Entry) String() string {
	u := e.UUID
	return fmt.Sprintf("%s %s %08x:%08x:%08x:%08x %s\n",
		e.DevName, e.Metadata,
		be32(u[0:4]), be32(u[4:8]), be32(u[8:12]), be32(u[12:16]),
		e.Path)
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Locked represents a held lock on the map file plus its currently-parsed
// contents. Callers mutate Entries in memory, then call Write to persist
// atomically and Unlock to release the lock.
type Locked struct {
	path     string
	lockPath string
	lockFd   int
	Entries  []Entry
}

// Lock opens (or creates) a dedicated ".lock" sibling of the first usable
// map path, takes an exclusive flock(2) lock on it, and reads the current
// contents.
func Lock(paths ...string) (*Locked, error) {
	if len(paths) == 0 {
		paths = DefaultPaths
	}

	var path string
	for _, p := range paths {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err == nil {
			path = p
			break
		}
	}
	if path == "" {
		return nil, mderr.New(mderr.IoError, "no writable map file location")
	}

	lockPath := path + ".lock"
	fd, err := unix.Open(lockPath, unix.O_RDWR|unix.O_CREAT, 0600)
	if err != nil {
		return nil, mderr.Wrap(err, mderr.IoError, "open lock file")
	}

	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		unix.Close(fd)
		return nil, mderr.Wrap(err, mderr.Busy, "flock map file")
	}

	entries, err := readFile(path)
	if err != nil && !os.IsNotExist(err) {
		unix.Flock(fd, unix.LOCK_UN)
		unix.Close(fd)
		return nil, err
	}

	return &Locked{path: path, lockPath: lockPath, lockFd: fd, Entries: entries}, nil
}

// Write serialises Entries to a sibling ".new" file and atomically
// renames it over path. It keeps the lock held; call Unlock afterwards.
func (l *Locked) Write() error {
	tmp := l.path + ".new"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return mderr.Wrap(err, mderr.IoError, "create map .new")
	}

	w := bufio.NewWriter(f)
	for _, e := range l.Entries {
		if _, err := w.WriteString(e.String()); err != nil {
			f.Close()
			return mderr.Wrap(err, mderr.IoError, "write map entry")
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return mderr.Wrap(err, mderr.IoError, "flush map")
	}
	if err := f.Close(); err != nil {
		return mderr.Wrap(err, mderr.IoError, "close map .new")
	}

	if err := os.Rename(tmp, l.path); err != nil {
		return mderr.Wrap(err, mderr.IoError, "rename map .new")
	}

	return nil
}

// Unlock releases the F_LOCK without writing. Call after Write, or
// instead of it to abandon in-memory changes.
func (l *Locked) Unlock() {
	unix.Flock(l.lockFd, unix.LOCK_UN)
	unix.Close(l.lockFd)
}

// Update finds the entry for uuid (if any) and replaces it, or appends a
// new one; it does not write to disk.
func (l *Locked) Update(e Entry) {
	for i := range l.Entries {
		if l.Entries[i].UUID == e.UUID {
			l.Entries[i] = e
			return
		}
	}
	l.Entries = append(l.Entries, e)
}

// Remove deletes the entry for uuid, if present.
func (l *Locked) Remove(uuid mdmodel.UUID) {
	out := l.Entries[:0]
	for _, e := range l.Entries {
		if e.UUID != uuid {
			out = append(out, e)
		}
	}
	l.Entries = out
}

// Lookup returns the entry for uuid, if present.
func (l *Locked) Lookup(uuid mdmodel.UUID) (Entry, bool) {
	for _, e := range l.Entries {
		if e.UUID == uuid {
			return e, true
		}
	}
	return Entry{}, false
}

func readFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		e, ok := parseLine(line)
		if ok {
			out = append(out, e)
		}
	}
	return out, sc.Err()
}

func parseLine(line string) (Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return Entry{}, false
	}

	var e Entry
	e.DevName = fields[0]
	e.Metadata = fields[1]
	e.Path = fields[3]

	parts := strings.Split(fields[2], ":")
	if len(parts) != 4 {
		return Entry{}, false
	}
	for i, p := range parts {
		var v uint32
		if _, err := fmt.Sscanf(p, "%08x", &v); err != nil {
			return Entry{}, false
		}
		e.UUID[i*4+0] = byte(v >> 24)
		e.UUID[i*4+1] = byte(v >> 16)
		e.UUID[i*4+2] = byte(v >> 8)
		e.UUID[i*4+3] = byte(v)
	}

	return e, true
}
