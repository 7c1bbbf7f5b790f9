package ingest

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// binarySniffBytes is how much of a file's head is scanned for null bytes.
const binarySniffBytes = 8192

var extensionMap = map[string]string{
	".py": "python", ".pyi": "python", ".pyw": "python",
	".js": "javascript", ".mjs": "javascript", ".cjs": "javascript", ".jsx": "javascript",
	".ts": "typescript", ".tsx": "typescript", ".mts": "typescript", ".cts": "typescript",
	".java": "java",
	".go":   "go",
	".rs":   "rust",
	".c":    "c", ".h": "c",
	".cpp": "cpp", ".cc": "cpp", ".cxx": "cpp", ".hpp": "cpp", ".hxx": "cpp", ".hh": "cpp",
	".cs": "c_sharp",
	".rb": "ruby", ".rake": "ruby",
	".php":   "php",
	".swift": "swift",
	".kt":    "kotlin", ".kts": "kotlin",
	".scala": "scala",
	".lua":   "lua",
	".sh":    "bash", ".bash": "bash", ".zsh": "bash",
	".html": "html", ".htm": "html",
	".css":  "css",
	".json": "json",
	".yml":  "yaml", ".yaml": "yaml",
	".toml": "toml",
	".md":   "markdown", ".mdx": "markdown",
	".sql":  "sql",
	".ex":   "elixir", ".exs": "elixir",
	".hs": "haskell",
	".ml": "ocaml", ".mli": "ocaml",
	".r": "r",
	".dart": "dart",
	".zig":  "zig",
}

// shebangMap resolves extensionless scripts by interpreter name.
var shebangMap = map[string]string{
	"python": "python", "python3": "python",
	"sh": "bash", "bash": "bash", "zsh": "bash",
	"node": "javascript",
	"ruby": "ruby",
}

// DetectLanguages walks the tree and aggregates per-language file and line
// counts. Hidden directories, the skip list, and binary files are ignored.
// Languages come back sorted by line count; the first is primary.
func DetectLanguages(root string, opts Options) (model.LanguageMap, error) {
	opts = opts.withDefaults()
	skip := opts.skipSet()

	type stats struct {
		files int
		lines int
		exts  map[string]bool
	}
	perLang := make(map[string]*stats)

	err := walkSourceFiles(root, skip, func(path string) {
		lang := languageFor(path)
		if lang == "" {
			lang = "unknown"
		}
		s := perLang[lang]
		if s == nil {
			s = &stats{exts: make(map[string]bool)}
			perLang[lang] = s
		}
		s.files++
		s.lines += countFileLines(path)
		if ext := strings.ToLower(filepath.Ext(path)); ext != "" {
			s.exts[ext] = true
		}
	})
	if err != nil {
		return model.LanguageMap{}, err
	}

	names := make([]string, 0, len(perLang))
	for name := range perLang {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := perLang[names[i]], perLang[names[j]]
		if a.lines != b.lines {
			return a.lines > b.lines
		}
		return names[i] < names[j]
	})

	out := model.LanguageMap{}
	for _, name := range names {
		s := perLang[name]
		exts := make([]string, 0, len(s.exts))
		for e := range s.exts {
			exts = append(exts, e)
		}
		sort.Strings(exts)
		out.Languages = append(out.Languages, model.LanguageInfo{
			Name:       name,
			FileCount:  s.files,
			LineCount:  s.lines,
			Extensions: exts,
		})
	}
	if len(out.Languages) > 0 {
		out.PrimaryLanguage = out.Languages[0].Name
	}
	return out, nil
}

// walkSourceFiles visits each non-binary regular file under root, skipping
// hidden directories and the skip list. Symlinks are not followed.
func walkSourceFiles(root string, skip map[string]bool, visit func(path string)) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && (strings.HasPrefix(d.Name(), ".") || skip[d.Name()]) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if IsBinary(path) {
			return nil
		}
		visit(path)
		return nil
	})
}

// IsBinary reports whether the file looks binary (null byte in the first
// 8 KiB). Unreadable files count as binary so they are skipped.
func IsBinary(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, binarySniffBytes)
	n, err := f.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return true
	}
	return bytes.IndexByte(buf[:n], 0) >= 0
}

// languageFor maps a file to a language by extension, falling back to the
// shebang line for extensionless scripts.
func languageFor(path string) string {
	if ext := strings.ToLower(filepath.Ext(path)); ext != "" {
		return extensionMap[ext]
	}
	return shebangLanguage(path)
}

func shebangLanguage(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return ""
	}
	line := sc.Text()
	if !strings.HasPrefix(line, "#!") {
		return ""
	}
	fields := strings.Fields(strings.TrimPrefix(line, "#!"))
	if len(fields) == 0 {
		return ""
	}
	interp := filepath.Base(fields[0])
	if interp == "env" && len(fields) > 1 {
		interp = filepath.Base(fields[1])
	}
	return shebangMap[interp]
}

func countFileLines(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()

	count := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		count++
	}
	return count
}
