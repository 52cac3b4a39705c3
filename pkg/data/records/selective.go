// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package records

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/replicafeed/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// SelectiveItem is one entry of a selective list: the key of a record and the label to use for it.
type SelectiveItem struct {
	Name  string
	Label int
}

// ParseSelectiveList parses a selective list: one "name label" pair per line, separated by
// spaces or tabs. Empty lines and lines starting with "#" are skipped.
func ParseSelectiveList(r io.Reader) ([]SelectiveItem, error) {
	var items []SelectiveItem
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, errors.Errorf("selective list line %d: expected \"<name> <label>\", got %q", lineNum, line)
		}
		label, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, errors.Wrapf(err, "selective list line %d: invalid label %q", lineNum, fields[1])
		}
		items = append(items, SelectiveItem{Name: fields[0], Label: label})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed reading selective list")
	}
	return items, nil
}

// LoadSelectiveList reads and parses the selective list file. An empty list is an error.
func LoadSelectiveList(filePath string) ([]SelectiveItem, error) {
	filePath, err := fsutil.ResolvePath(filePath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open selective list %q", filePath)
	}
	defer func() { _ = f.Close() }()
	items, err := ParseSelectiveList(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "in %q", filePath)
	}
	if len(items) == 0 {
		return nil, errors.Errorf("selective list %q is empty", filePath)
	}
	return items, nil
}
