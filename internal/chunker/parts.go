package chunker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
)

var partSuffix = regexp.MustCompile(`\.part(\d+)$`)

// PartName returns the file name of the n-th part (1-based) of path.
func PartName(path string, n int) string {
	return path + ".part" + strconv.Itoa(n)
}

// ParsePartName splits "name.ext.partN" into "name.ext" and N.
func ParsePartName(name string) (string, int, bool) {
	m := partSuffix.FindStringSubmatchIndex(name)
	if m == nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(name[m[2]:m[3]])
	if err != nil {
		return "", 0, false
	}
	return name[:m[0]], n, true
}

// SplitToParts writes path as path.part1, path.part2, ... and returns the
// part names in creation order.
func SplitToParts(path string, chunkSize int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("chunker: open %s: %w", path, err)
	}
	defer f.Close()

	var parts []string
	_, err = Each(bufio.NewReader(f), chunkSize, func(c Chunk) error {
		name := PartName(path, c.Index+1)
		if err := os.WriteFile(name, c.Data, 0644); err != nil {
			return fmt.Errorf("chunker: write %s: %w", name, err)
		}
		parts = append(parts, name)
		return nil
	})
	if err != nil {
		return parts, err
	}
	return parts, nil
}

// CombineParts concatenates parts in numeric part order into the original
// file name recovered from the suffix, and returns that name.
func CombineParts(parts []string) (string, error) {
	if len(parts) == 0 {
		return "", ErrEmptyInput
	}

	type part struct {
		path string
		n    int
	}
	ordered := make([]part, 0, len(parts))
	base := ""
	for _, p := range parts {
		b, n, ok := ParsePartName(p)
		if !ok {
			return "", fmt.Errorf("chunker: %s has no .partN suffix", p)
		}
		if base == "" {
			base = b
		} else if b != base {
			return "", fmt.Errorf("chunker: part %s does not belong to %s", p, base)
		}
		ordered = append(ordered, part{path: p, n: n})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].n < ordered[j].n })
	for i, p := range ordered {
		if p.n != i+1 {
			return "", &SequenceGapError{Want: i + 1, Got: p.n}
		}
	}

	out, err := os.Create(base)
	if err != nil {
		return "", fmt.Errorf("chunker: create %s: %w", base, err)
	}
	for _, p := range ordered {
		if err := appendFile(out, p.path); err != nil {
			out.Close()
			return "", err
		}
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("chunker: close %s: %w", base, err)
	}
	return base, nil
}

func appendFile(w io.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("chunker: open part %s: %w", path, err)
	}
	defer in.Close()
	if _, err := io.Copy(w, in); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("chunker: copy part %s: %w", path, err)
	}
	return nil
}
