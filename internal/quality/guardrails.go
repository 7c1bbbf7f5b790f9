package quality

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// maxInputLength bounds user-supplied query text, in characters.
const maxInputLength = 10_000

// ErrEmptyInput reports input that is blank after trimming.
var ErrEmptyInput = errors.New("quality: input is empty")

// VerifyCitations checks each citation against the analyzed source tree
// and returns one verdict per citation, in input order.
//
// Checks, strictly in order:
//  1. the cited file exists under root
//  2. line_start >= 1
//  3. line_end >= line_start
//  4. the file is readable
//  5. line_end does not exceed the file's line count
func VerifyCitations(citations []model.Citation, root string) []model.GuardrailResult {
	results := make([]model.GuardrailResult, 0, len(citations))
	for _, c := range citations {
		results = append(results, checkCitation(c, root))
	}
	return results
}

func checkCitation(c model.Citation, root string) model.GuardrailResult {
	path := filepath.Join(root, c.FilePath)
	label := fmt.Sprintf("%s:%d", c.FilePath, c.LineStart)

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return model.GuardrailResult{
			CheckName: "citation_file_exists",
			Passed:    false,
			Reason:    fmt.Sprintf("File not found: %s", c.FilePath),
		}
	}

	if c.LineStart < 1 {
		return model.GuardrailResult{
			CheckName: "citation_line_start",
			Passed:    false,
			Reason:    fmt.Sprintf("line_start < 1 in %s", label),
		}
	}

	if c.LineEnd < c.LineStart {
		return model.GuardrailResult{
			CheckName: "citation_line_range",
			Passed:    false,
			Reason:    fmt.Sprintf("line_end < line_start in %s", label),
		}
	}

	lineCount, err := countLines(path)
	if err != nil {
		return model.GuardrailResult{
			CheckName: "citation_file_readable",
			Passed:    false,
			Reason:    fmt.Sprintf("Cannot read file: %s", c.FilePath),
		}
	}

	if c.LineEnd > lineCount {
		return model.GuardrailResult{
			CheckName: "citation_line_end",
			Passed:    false,
			Reason: fmt.Sprintf("line_end (%d) exceeds file length (%d) in %s",
				c.LineEnd, lineCount, label),
		}
	}

	return model.GuardrailResult{CheckName: "citation_valid", Passed: true}
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	n := 0
	for sc.Scan() {
		n++
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return n, nil
}

// ValidateInput trims and bounds user-supplied text. Blank input is an
// error; oversized input is truncated, never rejected.
func ValidateInput(input string) (string, error) {
	cleaned := strings.TrimSpace(input)
	if cleaned == "" {
		return "", ErrEmptyInput
	}
	if utf8.RuneCountInString(cleaned) > maxInputLength {
		runes := []rune(cleaned)
		cleaned = string(runes[:maxInputLength])
	}
	return cleaned, nil
}

// GateLowConfidence prepends a visible disclaimer when confidence falls
// below threshold. Content at or above threshold passes unchanged.
func GateLowConfidence(content string, confidence, threshold float64) (string, bool) {
	if confidence >= threshold {
		return content, false
	}
	return fmt.Sprintf("[Low confidence: %.2f] %s", confidence, content), true
}
