// Package bootstrap reads the plain-text configuration files used to seed the
// catalog and the hardware inventory.
//
// Every file starts with a record count followed by one whitespace-separated
// record per line:
//
//	images:   name size path
//	flavors:  name memory disk vcpus
//	hardware: rack count, "name capacity" lines, then server count,
//	          "name rack ip memory disk vcpus" lines
package bootstrap

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/aggiestack/aggiestack/internal/domain"
	"github.com/aggiestack/aggiestack/internal/services/hardware"
)

// Hardware is the content of a hardware configuration file.
type Hardware struct {
	Racks   []hardware.RackSpec
	Servers []hardware.ServerSpec
}

// ParseImages reads an image configuration.
func ParseImages(r io.Reader) ([]*domain.Image, error) {
	lr := newLineReader(r)

	n, err := lr.count("image")
	if err != nil {
		return nil, err
	}

	var images []*domain.Image
	for i := 0; i < n; i++ {
		fields, err := lr.record("image", 3)
		if err != nil {
			return nil, err
		}
		size, err := parseInt("image size", fields[1])
		if err != nil {
			return nil, err
		}
		images = append(images, &domain.Image{Name: fields[0], Size: size, Path: fields[2]})
	}
	return images, nil
}

// ParseFlavors reads a flavor configuration.
func ParseFlavors(r io.Reader) ([]*domain.Flavor, error) {
	lr := newLineReader(r)

	n, err := lr.count("flavor")
	if err != nil {
		return nil, err
	}

	var flavors []*domain.Flavor
	for i := 0; i < n; i++ {
		fields, err := lr.record("flavor", 4)
		if err != nil {
			return nil, err
		}
		ints, err := parseInts([]string{"flavor memory", "flavor disk", "flavor vcpus"}, fields[1:])
		if err != nil {
			return nil, err
		}
		flavors = append(flavors, &domain.Flavor{Name: fields[0], Memory: ints[0], Disk: ints[1], VCPU: ints[2]})
	}
	return flavors, nil
}

// ParseHardware reads a hardware configuration. Server addresses must be IPv4.
// Whether a server's rack exists is checked at import time.
func ParseHardware(r io.Reader) (*Hardware, error) {
	lr := newLineReader(r)
	hw := &Hardware{}

	// 1. Racks
	n, err := lr.count("rack")
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		fields, err := lr.record("rack", 2)
		if err != nil {
			return nil, err
		}
		capacity, err := parseInt("rack capacity", fields[1])
		if err != nil {
			return nil, err
		}
		hw.Racks = append(hw.Racks, hardware.RackSpec{Name: fields[0], Capacity: capacity})
	}

	// 2. Servers
	n, err = lr.count("server")
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		fields, err := lr.record("server", 6)
		if err != nil {
			return nil, err
		}
		if err := hardware.ValidateIP(fields[2]); err != nil {
			return nil, err
		}
		ints, err := parseInts([]string{"server memory", "server disk", "server vcpus"}, fields[3:])
		if err != nil {
			return nil, err
		}
		hw.Servers = append(hw.Servers, hardware.ServerSpec{
			Name:   fields[0],
			Rack:   fields[1],
			IP:     fields[2],
			Memory: ints[0],
			Disk:   ints[1],
			VCPU:   ints[2],
		})
	}
	return hw, nil
}

// ParseImagesFile opens path and parses it with ParseImages.
func ParseImagesFile(path string) ([]*domain.Image, error) {
	var images []*domain.Image
	err := withFile(path, func(r io.Reader) (err error) {
		images, err = ParseImages(r)
		return err
	})
	return images, err
}

// ParseFlavorsFile opens path and parses it with ParseFlavors.
func ParseFlavorsFile(path string) ([]*domain.Flavor, error) {
	var flavors []*domain.Flavor
	err := withFile(path, func(r io.Reader) (err error) {
		flavors, err = ParseFlavors(r)
		return err
	})
	return flavors, err
}

// ParseHardwareFile opens path and parses it with ParseHardware.
func ParseHardwareFile(path string) (*Hardware, error) {
	var hw *Hardware
	err := withFile(path, func(r io.Reader) (err error) {
		hw, err = ParseHardware(r)
		return err
	})
	return hw, err
}

func withFile(path string, fn func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	if err := fn(f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// ============================================================================
// Line Reader
// ============================================================================

// lineReader yields the non-blank lines of a file split on whitespace.
type lineReader struct {
	scanner *bufio.Scanner
	line    int
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{scanner: bufio.NewScanner(r)}
}

func (lr *lineReader) next() ([]string, error) {
	for lr.scanner.Scan() {
		lr.line++
		if fields := strings.Fields(lr.scanner.Text()); len(fields) > 0 {
			return fields, nil
		}
	}
	if err := lr.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.ErrUnexpectedEOF
}

func (lr *lineReader) count(kind string) (int, error) {
	fields, err := lr.next()
	if err != nil {
		return 0, fmt.Errorf("missing %s count: %w: %w", kind, domain.ErrInvalidArgument, err)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("line %d: %w", lr.line, &domain.ValidationError{Field: kind + " count", Value: fields[0]})
	}
	return n, nil
}

func (lr *lineReader) record(kind string, width int) ([]string, error) {
	fields, err := lr.next()
	if err != nil {
		return nil, fmt.Errorf("missing %s record: %w: %w", kind, domain.ErrInvalidArgument, err)
	}
	if len(fields) < width {
		return nil, fmt.Errorf("line %d: %w", lr.line, &domain.ValidationError{Field: kind + " record", Value: strings.Join(fields, " ")})
	}
	return fields, nil
}

func parseInt(field, value string) (int64, error) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, &domain.ValidationError{Field: field, Value: value}
	}
	return n, nil
}

func parseInts(fields, values []string) ([]int64, error) {
	out := make([]int64, len(fields))
	for i, field := range fields {
		n, err := parseInt(field, values[i])
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}
