// Package chunk splits source files into overlapping line-range passages for
// embedding and retrieval. Splitting is deterministic: the same file at the
// same commit always produces the same chunks with the same ids.
package chunk

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Chunk is a contiguous line-range slice of a source file, before embedding.
// StartLine and EndLine are 1-indexed and inclusive.
type Chunk struct {
	ID             string
	InstallationID int64
	RepositoryID   int64
	Path           string
	Language       string
	Symbol         string
	StartLine      int
	EndLine        int
	CommitSHA      string
	Text           string
}

// Options controls how a file is split.
type Options struct {
	InstallationID int64
	RepositoryID   int64
	CommitSHA      string
	MaxChunkLines  int
	OverlapLines   int
}

var languageByExtension = map[string]string{
	"js":    "javascript",
	"cjs":   "javascript",
	"mjs":   "javascript",
	"jsx":   "javascript",
	"ts":    "typescript",
	"tsx":   "typescript",
	"py":    "python",
	"rb":    "ruby",
	"go":    "go",
	"rs":    "rust",
	"java":  "java",
	"kt":    "kotlin",
	"swift": "swift",
	"php":   "php",
	"cs":    "csharp",
	"cpp":   "cpp",
	"cxx":   "cpp",
	"cc":    "cpp",
	"h":     "cpp",
	"hpp":   "cpp",
	"scala": "scala",
	"sql":   "sql",
	"sh":    "bash",
	"bash":  "bash",
	"json":  "json",
	"yaml":  "yaml",
	"yml":   "yaml",
	"md":    "markdown",
}

var symbolPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(?:export\s+)?(?:async\s+)?function\s+([\w$]+)`),
	regexp.MustCompile(`^(?:export\s+)?const\s+([\w$]+)\s*=\s*(?:async\s*)?\(`),
	regexp.MustCompile(`^(?:export\s+)?class\s+([\w$]+)`),
	regexp.MustCompile(`^def\s+([\w$]+)`),
	regexp.MustCompile(`^func\s+(?:\([^)]*\)\s+)?([\w$]+)`),
	regexp.MustCompile(`^struct\s+([\w$]+)`),
	regexp.MustCompile(`^module\s+([\w$]+)`),
}

var skipDirPattern = regexp.MustCompile(`(?:^|/)(?:dist|build|out|node_modules|vendor)/`)

// DetectLanguage maps a file extension to a language tag. Unknown extensions
// return the empty string, which is not an error.
func DetectLanguage(filePath string) string {
	ext := strings.TrimPrefix(path.Ext(filePath), ".")
	if ext == "" {
		return ""
	}
	return languageByExtension[strings.ToLower(ext)]
}

// DetectSymbol scans a line for a top-level declaration and returns its name.
func DetectSymbol(line string) string {
	trimmed := strings.TrimSpace(line)
	for _, pattern := range symbolPatterns {
		if m := pattern.FindStringSubmatch(trimmed); len(m) > 1 {
			return m[1]
		}
	}
	return ""
}

// ShouldSkipFile reports whether a file must be excluded from indexing:
// anything under .git/ or common build/vendor directories, and content that
// looks binary (contains a NUL byte).
func ShouldSkipFile(filePath, content string) bool {
	if strings.HasPrefix(filePath, ".git/") {
		return true
	}
	if skipDirPattern.MatchString(filePath) {
		return true
	}
	return isProbablyBinary(content)
}

// BuildChunkID derives the content-addressed chunk identifier. Identical
// inputs always yield the identical id, so re-indexing the same commit is a
// safe upsert no-op.
func BuildChunkID(installationID, repositoryID int64, filePath string, startLine, endLine int, commitSHA string) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%d:%d:%s:%d:%d:%s",
		installationID, repositoryID, filePath, startLine, endLine, commitSHA)))
	return hex.EncodeToString(sum[:])
}

// SplitSourceFile splits content into ordered chunks. A chunk flushes on a
// blank line, at end of file, or when it reaches MaxChunkLines. After a flush
// the next chunk starts at max(end-overlap, end), so the start index never
// moves backwards past the consumed boundary and splitting always terminates.
// Whitespace-only and binary content yield zero chunks.
func SplitSourceFile(filePath, content string, opts Options) []Chunk {
	if strings.TrimSpace(content) == "" || isProbablyBinary(content) {
		return nil
	}

	maxLines := opts.MaxChunkLines
	if maxLines <= 0 {
		maxLines = 120
	}
	overlap := opts.OverlapLines
	if overlap < 0 {
		overlap = 0
	}

	language := DetectLanguage(filePath)
	lines := splitLines(content)

	var chunks []Chunk
	start := 0

	flush := func(endExclusive int) {
		chunkLines := lines[start:endExclusive]
		if len(chunkLines) == 0 || allWhitespace(chunkLines) {
			start = endExclusive
			return
		}

		startLine := start + 1
		endLine := endExclusive
		text := strings.TrimRight(strings.Join(chunkLines, "\n"), " \t\r\n")

		var symbol string
		for _, line := range chunkLines {
			if s := DetectSymbol(line); s != "" {
				symbol = s
				break
			}
		}

		chunks = append(chunks, Chunk{
			ID:             BuildChunkID(opts.InstallationID, opts.RepositoryID, filePath, startLine, endLine, opts.CommitSHA),
			InstallationID: opts.InstallationID,
			RepositoryID:   opts.RepositoryID,
			Path:           filePath,
			Language:       language,
			Symbol:         symbol,
			StartLine:      startLine,
			EndLine:        endLine,
			CommitSHA:      opts.CommitSHA,
			Text:           text,
		})

		start = max(endExclusive-overlap, endExclusive)
	}

	for index := 0; index <= len(lines); index++ {
		line := ""
		if index < len(lines) {
			line = lines[index]
		}
		reachedEnd := index == len(lines)
		boundary := reachedEnd || strings.TrimSpace(line) == ""
		exceedsLength := index-start >= maxLines

		if boundary || exceedsLength {
			if reachedEnd {
				flush(index)
			} else {
				flush(index + 1)
			}
		}
	}

	return chunks
}

func splitLines(content string) []string {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	return strings.Split(normalized, "\n")
}

func allWhitespace(lines []string) bool {
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			return false
		}
	}
	return true
}

func isProbablyBinary(content string) bool {
	return strings.ContainsRune(content, '\x00')
}
