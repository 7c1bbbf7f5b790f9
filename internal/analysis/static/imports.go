package static

import (
	"regexp"
	"strings"

	"github.com/ashita-ai/kaiseki/internal/model"
)

var (
	pyFromImport = regexp.MustCompile(`^from\s+([\w.]+)\s+import\s+(.+)`)
	pyImport     = regexp.MustCompile(`^import\s+(.+)`)
	jsFrom       = regexp.MustCompile(`from\s+['"]([^'"]+)['"]`)
	jsNamed      = regexp.MustCompile(`\{([^}]+)\}`)
	jsRequire    = regexp.MustCompile(`require\s*\(\s*['"]([^'"]+)['"]\s*\)`)
	javaImport   = regexp.MustCompile(`^import\s+(static\s+)?([\w.]+?)(\.\*)?;`)
	goQuoted     = regexp.MustCompile(`"([^"]+)"`)
	rustUse      = regexp.MustCompile(`^use\s+([\w:]+)`)
	cInclude     = regexp.MustCompile(`^#include\s+[<"]([^>"]+)[>"]`)
)

// Imports extracts import, require, and include edges per language.
// Chunks may overlap line ranges, so edges are deduplicated on
// (source file, target, import type).
func Imports(chunks model.ChunkSet) []model.DependencyEdge {
	var out []model.DependencyEdge
	seen := make(map[string]struct{})
	add := func(e model.DependencyEdge) {
		key := e.SourceFile + "\x00" + e.Target + "\x00" + e.ImportType
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, e)
	}

	for _, c := range chunks.Chunks {
		switch c.Language {
		case "python":
			pythonImports(c, add)
		case "javascript", "typescript":
			jsImports(c, add)
		case "java":
			javaImports(c, add)
		case "go":
			goImports(c, add)
		case "rust":
			rustImports(c, add)
		case "c", "cpp":
			cIncludes(c, add)
		}
	}
	return out
}

func pythonImports(c model.CodeChunk, add func(model.DependencyEdge)) {
	for _, line := range strings.Split(c.Content, "\n") {
		t := strings.TrimSpace(line)

		if m := pyFromImport.FindStringSubmatch(t); m != nil {
			module, symbols := m[1], strings.TrimSpace(m[2])
			if symbols == "*" {
				add(model.DependencyEdge{
					SourceFile: c.FilePath,
					Target:     module,
					ImportType: "wildcard",
					Symbols:    []string{"*"},
				})
				continue
			}
			var names []string
			for _, s := range strings.Split(symbols, ",") {
				name, _, _ := strings.Cut(strings.TrimSpace(s), " as ")
				names = append(names, name)
			}
			add(model.DependencyEdge{
				SourceFile: c.FilePath,
				Target:     module,
				ImportType: "symbol",
				Symbols:    names,
			})
			continue
		}

		if m := pyImport.FindStringSubmatch(t); m != nil {
			for _, mod := range strings.Split(m[1], ",") {
				name, _, _ := strings.Cut(strings.TrimSpace(mod), " as ")
				add(model.DependencyEdge{
					SourceFile: c.FilePath,
					Target:     name,
					ImportType: "module",
				})
			}
		}
	}
}

func jsImports(c model.CodeChunk, add func(model.DependencyEdge)) {
	for _, line := range strings.Split(c.Content, "\n") {
		t := strings.TrimSpace(line)

		if strings.HasPrefix(t, "import ") || strings.HasPrefix(t, "export ") {
			if m := jsFrom.FindStringSubmatch(t); m != nil {
				var symbols []string
				if named := jsNamed.FindStringSubmatch(t); named != nil {
					for _, s := range strings.Split(named[1], ",") {
						name, _, _ := strings.Cut(strings.TrimSpace(s), " as ")
						symbols = append(symbols, name)
					}
				}
				importType := "module"
				if len(symbols) > 0 {
					importType = "symbol"
				}
				add(model.DependencyEdge{
					SourceFile: c.FilePath,
					Target:     m[1],
					ImportType: importType,
					Symbols:    symbols,
				})
				continue
			}
		}

		if m := jsRequire.FindStringSubmatch(t); m != nil {
			add(model.DependencyEdge{
				SourceFile: c.FilePath,
				Target:     m[1],
				ImportType: "module",
			})
		}
	}
}

func javaImports(c model.CodeChunk, add func(model.DependencyEdge)) {
	for _, line := range strings.Split(c.Content, "\n") {
		m := javaImport.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		importType := "symbol"
		if m[3] != "" {
			importType = "wildcard"
		}
		add(model.DependencyEdge{
			SourceFile: c.FilePath,
			Target:     m[2],
			ImportType: importType,
		})
	}
}

func goImports(c model.CodeChunk, add func(model.DependencyEdge)) {
	inBlock := false
	for _, line := range strings.Split(c.Content, "\n") {
		t := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(t, "import ("):
			inBlock = true
		case inBlock && t == ")":
			inBlock = false
		case inBlock || strings.HasPrefix(t, "import "):
			if m := goQuoted.FindStringSubmatch(t); m != nil {
				add(model.DependencyEdge{
					SourceFile: c.FilePath,
					Target:     m[1],
					ImportType: "module",
				})
			}
		}
	}
}

func rustImports(c model.CodeChunk, add func(model.DependencyEdge)) {
	for _, line := range strings.Split(c.Content, "\n") {
		if m := rustUse.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			add(model.DependencyEdge{
				SourceFile: c.FilePath,
				Target:     m[1],
				ImportType: "module",
			})
		}
	}
}

func cIncludes(c model.CodeChunk, add func(model.DependencyEdge)) {
	for _, line := range strings.Split(c.Content, "\n") {
		if m := cInclude.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			add(model.DependencyEdge{
				SourceFile: c.FilePath,
				Target:     m[1],
				ImportType: "module",
			})
		}
	}
}
