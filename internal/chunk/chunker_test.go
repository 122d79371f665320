package chunk

import (
	"fmt"
	"strings"
	"testing"
)

func defaultOptions() Options {
	return Options{
		InstallationID: 42,
		RepositoryID:   7,
		CommitSHA:      "abc123",
		MaxChunkLines:  120,
		OverlapLines:   20,
	}
}

// TestSplitSourceFile_ParagraphBoundaries tests splitting on blank lines.
func TestSplitSourceFile_ParagraphBoundaries(t *testing.T) {
	input := "const a = 1\nconst b = 2\n\nfunction add(x, y) {\n  return x + y\n}"

	chunks := SplitSourceFile("src/math.js", input, defaultOptions())

	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(chunks))
	}

	if chunks[0].StartLine != 1 || chunks[0].EndLine != 3 {
		t.Errorf("Chunk 0 range: expected [1,3], got [%d,%d]", chunks[0].StartLine, chunks[0].EndLine)
	}
	if !strings.Contains(chunks[0].Text, "const b = 2") {
		t.Errorf("Chunk 0 missing expected content: %q", chunks[0].Text)
	}
	if strings.HasSuffix(chunks[0].Text, "\n") {
		t.Errorf("Chunk 0 text should be right-trimmed: %q", chunks[0].Text)
	}

	if chunks[1].StartLine != 4 || chunks[1].EndLine != 6 {
		t.Errorf("Chunk 1 range: expected [4,6], got [%d,%d]", chunks[1].StartLine, chunks[1].EndLine)
	}
	if chunks[1].Symbol != "add" {
		t.Errorf("Chunk 1 symbol: expected 'add', got %q", chunks[1].Symbol)
	}
	if chunks[1].Language != "javascript" {
		t.Errorf("Chunk 1 language: expected 'javascript', got %q", chunks[1].Language)
	}
}

// TestSplitSourceFile_LongFile verifies max-length flushes and termination on
// a file with no blank lines at all.
func TestSplitSourceFile_LongFile(t *testing.T) {
	lines := make([]string, 300)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i+1)
	}
	input := strings.Join(lines, "\n")

	chunks := SplitSourceFile("big.go", input, defaultOptions())

	if len(chunks) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(chunks))
	}

	expected := [][2]int{{1, 121}, {122, 242}, {243, 300}}
	for i, want := range expected {
		if chunks[i].StartLine != want[0] || chunks[i].EndLine != want[1] {
			t.Errorf("Chunk %d range: expected [%d,%d], got [%d,%d]",
				i, want[0], want[1], chunks[i].StartLine, chunks[i].EndLine)
		}
	}

	// Full coverage: every line belongs to some chunk, in order.
	covered := 0
	for _, c := range chunks {
		if c.StartLine != covered+1 {
			t.Errorf("Gap before chunk starting at line %d", c.StartLine)
		}
		covered = c.EndLine
	}
	if covered != 300 {
		t.Errorf("Coverage ends at line %d, expected 300", covered)
	}
}

// TestSplitSourceFile_DeterministicIDs verifies that identical input yields
// identical ids and that every input component changes the id.
func TestSplitSourceFile_DeterministicIDs(t *testing.T) {
	input := "package main\n\nfunc main() {}"

	first := SplitSourceFile("main.go", input, defaultOptions())
	second := SplitSourceFile("main.go", input, defaultOptions())

	if len(first) != len(second) {
		t.Fatalf("Chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("Chunk %d id not deterministic: %s vs %s", i, first[i].ID, second[i].ID)
		}
	}

	base := BuildChunkID(42, 7, "main.go", 1, 10, "abc123")
	variants := []string{
		BuildChunkID(43, 7, "main.go", 1, 10, "abc123"),
		BuildChunkID(42, 8, "main.go", 1, 10, "abc123"),
		BuildChunkID(42, 7, "other.go", 1, 10, "abc123"),
		BuildChunkID(42, 7, "main.go", 2, 10, "abc123"),
		BuildChunkID(42, 7, "main.go", 1, 11, "abc123"),
		BuildChunkID(42, 7, "main.go", 1, 10, "def456"),
	}
	for i, variant := range variants {
		if variant == base {
			t.Errorf("Variant %d collided with base id", i)
		}
	}
}

func TestSplitSourceFile_EmptyAndWhitespaceOnly(t *testing.T) {
	for _, input := range []string{"", "   ", "\n\n\n", "\t\n  \n"} {
		if chunks := SplitSourceFile("a.go", input, defaultOptions()); len(chunks) != 0 {
			t.Errorf("Input %q: expected 0 chunks, got %d", input, len(chunks))
		}
	}
}

func TestSplitSourceFile_BinaryContent(t *testing.T) {
	input := "some text\x00with a nul byte"
	if chunks := SplitSourceFile("blob.bin", input, defaultOptions()); len(chunks) != 0 {
		t.Errorf("Expected 0 chunks for binary content, got %d", len(chunks))
	}
}

func TestSplitSourceFile_CRLFNormalized(t *testing.T) {
	unix := SplitSourceFile("a.py", "def f():\n    pass\n\ndef g():\n    pass", defaultOptions())
	windows := SplitSourceFile("a.py", "def f():\r\n    pass\r\n\r\ndef g():\r\n    pass", defaultOptions())

	if len(unix) != len(windows) {
		t.Fatalf("CRLF input produced %d chunks, LF produced %d", len(windows), len(unix))
	}
	for i := range unix {
		if unix[i].ID != windows[i].ID {
			t.Errorf("Chunk %d ids differ across line endings", i)
		}
	}
}

func TestDetectLanguage(t *testing.T) {
	cases := map[string]string{
		"src/app.ts":     "typescript",
		"lib/util.js":    "javascript",
		"main.go":        "go",
		"script.PY":      "python",
		"README.md":      "markdown",
		"config.yaml":    "yaml",
		"Makefile":       "",
		"photo.png":      "",
		"noextension":    "",
		"deep/path.cpp":  "cpp",
		"query/base.sql": "sql",
	}
	for path, want := range cases {
		if got := DetectLanguage(path); got != want {
			t.Errorf("DetectLanguage(%q): expected %q, got %q", path, want, got)
		}
	}
}

func TestDetectSymbol(t *testing.T) {
	cases := map[string]string{
		"function handleClick() {":            "handleClick",
		"export async function load() {":      "load",
		"const fetchUser = async (id) => {":   "fetchUser",
		"export class Store {":                "Store",
		"def process_batch(items):":           "process_batch",
		"func (s *Server) Start() error {":    "Start",
		"func main() {":                       "main",
		"struct Point {":                      "Point",
		"  function indented() {":             "indented",
		"return x + y":                        "",
		"// function inComment() not matched": "",
	}
	for line, want := range cases {
		if got := DetectSymbol(line); got != want {
			t.Errorf("DetectSymbol(%q): expected %q, got %q", line, want, got)
		}
	}
}

func TestShouldSkipFile(t *testing.T) {
	skipped := []string{
		".git/config",
		"node_modules/lodash/index.js",
		"packages/app/node_modules/x/y.js",
		"dist/bundle.js",
		"build/output.js",
		"out/main.js",
		"vendor/golang.org/x/net/http2.go",
	}
	for _, path := range skipped {
		if !ShouldSkipFile(path, "text") {
			t.Errorf("Expected %q to be skipped", path)
		}
	}

	kept := []string{
		"src/index.js",
		"distance/calc.go", // "dist" must match as a path component only
		"builder/run.go",
		"internal/vendor_report.go",
	}
	for _, path := range kept {
		if ShouldSkipFile(path, "text") {
			t.Errorf("Expected %q to be kept", path)
		}
	}

	if !ShouldSkipFile("src/data.js", "a\x00b") {
		t.Error("Expected binary content to be skipped regardless of path")
	}
}
