//go:build linux

package device

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SysfsScraper is the default SysfsReader, reading the kernel's own
// "uevent" attribute file under a sysfs directory the way udevd itself
// does: each line is KEY=VALUE, with SUBSYSTEM, DEVNAME, DEVTYPE, MAJOR
// and MINOR as the well-known keys.
type SysfsScraper struct {
	// Root overrides the sysfs mount point, defaulting to "/sys".
	// Exposed for tests that scrape a fixture tree instead of the
	// real filesystem.
	Root string
}

// NewSysfsScraper returns a scraper rooted at the real /sys.
func NewSysfsScraper() *SysfsScraper {
	return &SysfsScraper{Root: "/sys"}
}

func (s *SysfsScraper) root() string {
	if s.Root != "" {
		return s.Root
	}
	return "/sys"
}

// ReadDevice builds a Device by reading <root><syspath>/uevent.
// Syspath is expected with the /sys prefix already stripped, per
// spec.md §3's Devpath definition.
func (s *SysfsScraper) ReadDevice(syspath string) (*Device, error) {
	ueventPath := filepath.Join(s.root(), syspath, "uevent")
	f, err := os.Open(ueventPath)
	if err != nil {
		return nil, fmt.Errorf("device: read sysfs uevent for %s: %w", syspath, err)
	}
	defer f.Close()

	d := NewDevice(syspath, "", filepath.Base(syspath), syspath)

	var major, minor int64
	haveMajor, haveMinor := false, false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		eq := strings.IndexByte(line, '=')
		if eq < 1 {
			continue
		}
		key, value := line[:eq], line[eq+1:]
		switch key {
		case "SUBSYSTEM":
			d.Subsystem = value
		case "DEVNAME":
			d.Devnode = value
		case "MAJOR":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				major, haveMajor = n, true
			}
		case "MINOR":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				minor, haveMinor = n, true
			}
		default:
			d.SetProperty(key, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if d.Subsystem == "" {
		d.Subsystem = subsystemFromLink(s.root(), syspath)
	}

	if haveMajor && haveMinor {
		d.Devnum = Devnum{Major: uint32(major), Minor: uint32(minor)}
	}

	return d, nil
}

// subsystemFromLink resolves the "subsystem" symlink sysfs maintains
// alongside "uevent" when the uevent file itself omits SUBSYSTEM (true
// for some bus-level directories).
func subsystemFromLink(root, syspath string) string {
	target, err := os.Readlink(filepath.Join(root, syspath, "subsystem"))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}
