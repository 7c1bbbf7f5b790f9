package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// declPattern matches a top-level declaration and captures its symbol name.
type declPattern struct {
	re   *regexp.Regexp
	kind func(line string) string
}

var declPatterns = map[string]declPattern{
	"go": {
		re: regexp.MustCompile(`^(?:func(?:\s*\([^)]*\))?|type)\s+(\w+)`),
		kind: func(line string) string {
			if strings.HasPrefix(line, "type") {
				return "type"
			}
			return "function"
		},
	},
	"python": {
		re: regexp.MustCompile(`^(?:async\s+)?(?:def|class)\s+(\w+)`),
		kind: func(line string) string {
			if strings.HasPrefix(strings.TrimPrefix(line, "async "), "class") {
				return "type"
			}
			return "function"
		},
	},
	"javascript": {
		re: regexp.MustCompile(`^(?:export\s+(?:default\s+)?)?(?:function|class|const|let)\s+(\w+)`),
		kind: func(line string) string {
			if strings.Contains(firstWords(line, 3), "class") {
				return "type"
			}
			return "function"
		},
	},
	"typescript": {
		re: regexp.MustCompile(`^(?:export\s+(?:default\s+)?)?(?:function|class|interface|type|const|let|enum)\s+(\w+)`),
		kind: func(line string) string {
			head := firstWords(line, 3)
			if strings.Contains(head, "class") || strings.Contains(head, "interface") ||
				strings.Contains(head, "type") || strings.Contains(head, "enum") {
				return "type"
			}
			return "function"
		},
	},
	"rust": {
		re: regexp.MustCompile(`^(?:pub(?:\([^)]*\))?\s+)?(?:fn|struct|enum|trait|impl)\s+(\w+)`),
		kind: func(line string) string {
			if strings.Contains(firstWords(line, 2), "fn") {
				return "function"
			}
			return "type"
		},
	},
	"java": {
		re: regexp.MustCompile(`^(?:public\s+|private\s+|protected\s+)?(?:final\s+|abstract\s+)?(?:class|interface|enum|record)\s+(\w+)`),
		kind: func(string) string { return "type" },
	},
}

func firstWords(line string, n int) string {
	fields := strings.Fields(line)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}

// ChunkRepo slices every source file of a detected language into chunks.
// Languages with a declaration pattern split at top-level declarations;
// the rest fall back to overlapping line windows.
func ChunkRepo(root string, langs model.LanguageMap, opts Options) (model.ChunkSet, error) {
	opts = opts.withDefaults()

	known := make(map[string]bool, len(langs.Languages))
	for _, li := range langs.Languages {
		if li.Name != "unknown" {
			known[li.Name] = true
		}
	}

	var set model.ChunkSet
	err := walkSourceFiles(root, opts.skipSet(), func(path string) {
		lang := languageFor(path)
		if lang == "" || !known[lang] {
			return
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return
		}
		source := string(data)
		rel, err := relPath(root, path)
		if err != nil {
			return
		}

		lines := strings.Split(source, "\n")
		// A trailing newline yields a phantom empty final element; keep
		// chunk line numbers within the real file length.
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		if len(lines) == 0 {
			return
		}
		set.TotalFiles++
		set.TotalLines += len(lines)

		var chunks []model.CodeChunk
		if _, ok := declPatterns[lang]; ok {
			chunks = declChunk(lines, lang, rel, opts.MaxChunkTokens)
		} else {
			chunks = lineChunk(lines, lang, rel, opts.MaxChunkTokens, opts.OverlapLines)
		}
		set.Chunks = append(set.Chunks, mergeSmallChunks(chunks, opts.MinChunkLines)...)
	})
	if err != nil {
		return model.ChunkSet{}, fmt.Errorf("ingest: chunk repo: %w", err)
	}
	return set, nil
}

// ChunkHash fingerprints a chunk for checkpoint keying. Identical content
// at the same location hashes identically across runs.
func ChunkHash(c model.CodeChunk) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%d\x00%s", c.FilePath, c.StartLine, c.EndLine, c.Content)
	return hex.EncodeToString(h.Sum(nil))
}

// declChunk splits a file at top-level declarations. Decorator and
// attribute lines directly above a declaration stay with it. Lines before
// the first declaration become a preamble block.
func declChunk(lines []string, lang, rel string, maxTokens int) []model.CodeChunk {
	pattern := declPatterns[lang]

	type decl struct {
		start int // first line of the chunk, 0-indexed
		name  string
		kind  string
	}
	var decls []decl
	for i, line := range lines {
		m := pattern.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		start := i
		for start > 0 && isAttachedLine(lines[start-1]) {
			start--
		}
		decls = append(decls, decl{start: start, name: m[1], kind: pattern.kind(line)})
	}

	if len(decls) == 0 {
		if allBlank(lines) {
			return nil
		}
		return lineChunk(lines, lang, rel, maxTokens, 50)
	}

	var chunks []model.CodeChunk
	if decls[0].start > 0 {
		preamble := strings.Join(lines[:decls[0].start], "\n")
		if strings.TrimSpace(preamble) != "" {
			chunks = append(chunks, model.CodeChunk{
				FilePath:  rel,
				Language:  lang,
				ChunkType: "block",
				StartLine: 1,
				EndLine:   decls[0].start,
				Content:   preamble,
			})
		}
	}

	for i, d := range decls {
		end := len(lines)
		if i+1 < len(decls) {
			end = decls[i+1].start
		}
		content := strings.Join(lines[d.start:end], "\n")
		if model.EstimateTokens(content) > maxTokens {
			chunks = append(chunks, splitLargeChunk(lines, d.start, end, lang, rel, maxTokens)...)
			continue
		}
		chunks = append(chunks, model.CodeChunk{
			FilePath:   rel,
			Language:   lang,
			ChunkType:  d.kind,
			StartLine:  d.start + 1,
			EndLine:    end,
			Content:    content,
			SymbolName: d.name,
		})
	}
	return chunks
}

// isAttachedLine reports whether a line belongs to the declaration below
// it (decorators, annotations, comment headers).
func isAttachedLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	return strings.HasPrefix(trimmed, "@") ||
		strings.HasPrefix(trimmed, "//") ||
		strings.HasPrefix(trimmed, "#[") ||
		strings.HasPrefix(trimmed, "/*") ||
		strings.HasPrefix(trimmed, "*")
}

// lineChunk falls back to fixed-size line windows with overlap so context
// spanning a boundary appears in both neighbors.
func lineChunk(lines []string, lang, rel string, maxTokens, overlap int) []model.CodeChunk {
	maxLines := windowLines(maxTokens)
	var chunks []model.CodeChunk
	start := 0

	for start < len(lines) {
		end := min(start+maxLines, len(lines))
		chunks = append(chunks, model.CodeChunk{
			FilePath:  rel,
			Language:  lang,
			ChunkType: "block",
			StartLine: start + 1,
			EndLine:   end,
			Content:   strings.Join(lines[start:end], "\n"),
		})
		if end >= len(lines) {
			break
		}
		start = end - overlap
	}
	return chunks
}

// splitLargeChunk cuts an oversized declaration into consecutive windows
// without overlap.
func splitLargeChunk(lines []string, start, end int, lang, rel string, maxTokens int) []model.CodeChunk {
	maxLines := windowLines(maxTokens)
	var chunks []model.CodeChunk
	pos := start

	for pos < end {
		chunkEnd := min(pos+maxLines, end)
		chunks = append(chunks, model.CodeChunk{
			FilePath:  rel,
			Language:  lang,
			ChunkType: "block",
			StartLine: pos + 1,
			EndLine:   chunkEnd,
			Content:   strings.Join(lines[pos:chunkEnd], "\n"),
		})
		pos = chunkEnd
	}
	return chunks
}

// windowLines converts a token budget to a line window (~4 chars/token,
// ~80 chars/line), floored at 50 lines.
func windowLines(maxTokens int) int {
	return max(50, maxTokens/20)
}

// mergeSmallChunks folds runs of adjacent under-sized chunks from the same
// file into single blocks.
func mergeSmallChunks(chunks []model.CodeChunk, minLines int) []model.CodeChunk {
	if len(chunks) == 0 {
		return chunks
	}
	merged := []model.CodeChunk{chunks[0]}
	for _, c := range chunks[1:] {
		prev := &merged[len(merged)-1]
		prevLines := prev.EndLine - prev.StartLine + 1
		curLines := c.EndLine - c.StartLine + 1
		if prevLines < minLines && curLines < minLines && prev.FilePath == c.FilePath {
			prev.ChunkType = "block"
			prev.EndLine = c.EndLine
			prev.Content = prev.Content + "\n" + c.Content
			continue
		}
		merged = append(merged, c)
	}
	return merged
}

func allBlank(lines []string) bool {
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			return false
		}
	}
	return true
}

func relPath(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}
