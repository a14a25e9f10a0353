package gphoto

import (
	"bufio"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"timelapser/internal/device"
)

// Detected is one row of `gphoto2 --auto-detect`.
type Detected struct {
	Model string
	Port  string
}

var (
	reDetectRow  = regexp.MustCompile(`^(.*?)\s{2,}(\S+)\s*$`)
	reSerial     = regexp.MustCompile(`(?m)^\s*Serial Number:\s*(.*?)\s*$`)
	reNewFile    = regexp.MustCompile(`New file is in location (\S+) on the camera`)
	reListedFile = regexp.MustCompile(`^#(\d+)\s+(\S+)`)
	reClaim      = regexp.MustCompile(`(?i)could not claim|-53\b`)
)

// ParseAutoDetect reads the model/port table printed by --auto-detect:
//
//	Model                          Port
//	----------------------------------------------------------
//	Canon EOS 1000D                usb:002,007
func ParseAutoDetect(out string) []Detected {
	var res []Detected
	table := false
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if !table {
			if strings.HasPrefix(strings.TrimSpace(line), "---") {
				table = true
			}
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		m := reDetectRow.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		res = append(res, Detected{Model: strings.TrimSpace(m[1]), Port: m[2]})
	}
	return res
}

// ParseSerial extracts "Serial Number: ..." from --summary output. An empty
// string means the camera does not report one.
func ParseSerial(summary string) string {
	m := reSerial.FindStringSubmatch(summary)
	if m == nil {
		return ""
	}
	s := strings.TrimSpace(m[1])
	// Some PTP cameras report an all-zero serial.
	if strings.Trim(s, "0") == "" {
		return ""
	}
	return s
}

// ParseCaptured reads the on-camera location from --capture-image output.
func ParseCaptured(out string) (device.Artifact, error) {
	m := reNewFile.FindStringSubmatch(out)
	if m == nil {
		return device.Artifact{}, fmt.Errorf("%w: capture output has no file location", device.ErrFault)
	}
	p := m[1]
	return device.Artifact{Folder: path.Dir(p), Name: path.Base(p)}, nil
}

// ParseFileNumber finds name in --list-files output and returns its number,
// which --get-file and --delete-file expect.
func ParseFileNumber(out, name string) (int, error) {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		m := reListedFile.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil || m[2] != name {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, err
		}
		return n, nil
	}
	return 0, fmt.Errorf("%w: %s not listed in folder", device.ErrFault, name)
}

// isBusy reports whether gphoto2 failed because another process holds the
// USB interface (GP_ERROR_IO_USB_CLAIM, -53).
func isBusy(out string) bool { return reClaim.MatchString(out) }
