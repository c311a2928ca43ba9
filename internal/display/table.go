// Package display renders inventory records as left-aligned text tables:
//
//	Name   | Memory | Disk | VCPU
//	------ | ------ | ---- | ----
//	small  | 1      | 1    | 1
package display

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/aggiestack/aggiestack/internal/domain"
)

// Table is a header row plus data rows of equal width.
type Table struct {
	Header []string
	Rows   [][]string
}

// Render writes t followed by a blank line.
func (t *Table) Render(w io.Writer) error {
	widths := make([]int, len(t.Header))
	for i, h := range t.Header {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			if n := utf8.RuneCountInString(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}

	rule := make([]string, len(widths))
	for i, n := range widths {
		rule[i] = strings.Repeat("-", n)
	}

	var b strings.Builder
	writeRow(&b, t.Header, widths)
	writeRow(&b, rule, widths)
	for _, row := range t.Rows {
		writeRow(&b, row, widths)
	}
	b.WriteString("\n")

	_, err := io.WriteString(w, b.String())
	return err
}

func writeRow(b *strings.Builder, cells []string, widths []int) {
	for i, cell := range cells {
		if i > 0 {
			b.WriteString(" | ")
		}
		b.WriteString(cell)
		// The last column is padded too, so every line has the same width.
		b.WriteString(strings.Repeat(" ", widths[i]-utf8.RuneCountInString(cell)))
	}
	b.WriteString("\n")
}

func empty(w io.Writer, what string) error {
	_, err := fmt.Fprintf(w, "No %s available\n", what)
	return err
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

// ============================================================================
// Inventory Views
// ============================================================================

// Flavors renders the flavor catalog.
func Flavors(w io.Writer, flavors []*domain.Flavor) error {
	if len(flavors) == 0 {
		return empty(w, "Flavors")
	}
	t := &Table{Header: []string{"Name", "Memory", "Disk", "VCPU"}}
	for _, f := range flavors {
		t.Rows = append(t.Rows, []string{f.Name, itoa(f.Memory), itoa(f.Disk), itoa(f.VCPU)})
	}
	return t.Render(w)
}

// Images renders the image catalog.
func Images(w io.Writer, images []*domain.Image) error {
	if len(images) == 0 {
		return empty(w, "Images")
	}
	t := &Table{Header: []string{"Name", "Size", "Path"}}
	for _, img := range images {
		t.Rows = append(t.Rows, []string{img.Name, itoa(img.Size), img.Path})
	}
	return t.Render(w)
}

// Hardware renders servers. verbose adds the active flag and free capacity.
func Hardware(w io.Writer, servers []*domain.Server, verbose bool) error {
	if len(servers) == 0 {
		return empty(w, "Machines")
	}
	t := &Table{Header: []string{"Name", "Rack", "IP", "Memory", "Disk", "VCPU"}}
	if verbose {
		t.Header = append(t.Header, "IsActive", "MemoryFree", "DiskFree", "VCPUFree")
	}
	for _, s := range servers {
		row := []string{s.Name, s.Rack, s.IP, itoa(s.Memory), itoa(s.Disk), itoa(s.VCPU)}
		if verbose {
			row = append(row, strconv.FormatBool(s.IsActive), itoa(s.MemoryFree), itoa(s.DiskFree), itoa(s.VCPUFree))
		}
		t.Rows = append(t.Rows, row)
	}
	return t.Render(w)
}

// Instances renders instances. withServer adds the hosting server.
func Instances(w io.Writer, insts []*domain.Instance, withServer bool) error {
	if len(insts) == 0 {
		return empty(w, "Instances")
	}
	t := &Table{Header: []string{"Name", "Flavor", "Image"}}
	if withServer {
		t.Header = append(t.Header, "Server")
	}
	for _, inst := range insts {
		row := []string{inst.Name, inst.Flavor, inst.Image}
		if withServer {
			row = append(row, inst.Server)
		}
		t.Rows = append(t.Rows, row)
	}
	return t.Render(w)
}

// ImageCache renders a rack's free cache capacity and cached images, oldest first.
func ImageCache(w io.Writer, rack *domain.Rack) error {
	if rack == nil {
		return empty(w, "Racks")
	}
	t := &Table{
		Header: []string{"Name", "AvailableCapacity", "ImageCache"},
		Rows: [][]string{{
			rack.Name,
			itoa(rack.AvailableCapacity),
			"[" + strings.Join(rack.CachedImageNames(), ", ") + "]",
		}},
	}
	return t.Render(w)
}

// Bool renders a yes/no answer.
func Bool(w io.Writer, ok bool) error {
	answer := "No"
	if ok {
		answer = "yes"
	}
	_, err := fmt.Fprintln(w, answer)
	return err
}
