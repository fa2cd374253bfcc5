package vram

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

var psiRoot = "/proc/pressure"

// readPSI collects the avg10 "some" percentage from each pressure file.
// Missing files (non-Linux, old kernels, containers without the mount) leave
// the corresponding reading at zero.
func readPSI() PSI {
	return PSI{
		CPU:    readPressureFile(psiRoot + "/cpu"),
		Memory: readPressureFile(psiRoot + "/memory"),
		IO:     readPressureFile(psiRoot + "/io"),
	}
}

// readPressureFile parses a /proc/pressure entry of the form
//
//	some avg10=0.00 avg60=0.00 avg300=0.00 total=12345
//	full avg10=0.00 avg60=0.00 avg300=0.00 total=12345
//
// and returns the "some" line's avg10 value.
func readPressureFile(path string) float64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "some" {
			continue
		}
		for _, field := range fields[1:] {
			if !strings.HasPrefix(field, "avg10=") {
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimPrefix(field, "avg10="), 64)
			if err != nil {
				return 0
			}
			return v
		}
	}
	return 0
}
