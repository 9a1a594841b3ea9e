package macos

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"strings"
)

// minStringLen matches the default of strings(1).
const minStringLen = 4

// StringsTool extracts printable strings with strings(1).
type StringsTool struct {
	Runner Runner
}

func (t StringsTool) Strings(ctx context.Context, path string) ([]string, error) {
	out, err := t.Runner.Run(ctx, nil, "strings", "-", path)
	if err != nil {
		return nil, err
	}
	var tokens []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if s := strings.TrimSpace(scanner.Text()); s != "" {
			tokens = append(tokens, s)
		}
	}
	return tokens, scanner.Err()
}

// NativeStrings scans a file for runs of at least four printable ASCII
// characters, like `strings -a`.
type NativeStrings struct{}

func (NativeStrings) Strings(_ context.Context, path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ScanStrings(data), nil
}

// ScanStrings returns the printable runs in data.
func ScanStrings(data []byte) []string {
	var (
		tokens []string
		start  = -1
	)
	flush := func(end int) {
		if start >= 0 && end-start >= minStringLen {
			if s := strings.TrimSpace(string(data[start:end])); s != "" {
				tokens = append(tokens, s)
			}
		}
		start = -1
	}
	for i, b := range data {
		if b == '\t' || (b >= 0x20 && b < 0x7f) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(data))
	return tokens
}
