package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"
)

const (
	DefaultInspector = "gst-inspect-1.0"

	inspectTimeout = 5 * time.Second
)

// inspectFunc reports the properties of an installed element factory, or an
// error when the factory is not installed.
type inspectFunc func(factory string) ([]string, error)

// gstInspect asks gst-inspect-1.0, which exits non-zero for unknown factories.
func gstInspect(path string) inspectFunc {
	return func(factory string) ([]string, error) {
		ctx, cancel := context.WithTimeout(context.Background(), inspectTimeout)
		defer cancel()

		out, err := exec.CommandContext(ctx, path, factory).Output()
		if err != nil {
			return nil, err
		}

		return parseInspect(out), nil
	}
}

// parseInspect collects the names listed under "Element Properties:". Property
// lines are indented by two spaces, their details by more.
func parseInspect(out []byte) []string {
	var (
		properties []string
		inSection  bool
	)

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()

		if !inSection {
			inSection = strings.HasPrefix(line, "Element Properties:")
			continue
		}
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, " ") {
			break
		}
		if len(line) < 3 || line[2] == ' ' || !strings.HasPrefix(line, "  ") {
			continue
		}

		name, _, found := strings.Cut(line, ":")
		if found {
			properties = append(properties, strings.TrimSpace(name))
		}
	}

	return properties
}
