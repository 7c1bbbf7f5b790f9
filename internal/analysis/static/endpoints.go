package static

import (
	"regexp"
	"strings"

	"github.com/ashita-ai/kaiseki/internal/model"
)

var (
	// Decorator routes match from the start of a stripped line.
	fastapiRoute = regexp.MustCompile(`(?i)^@\w+\.(get|post|put|delete|patch)\s*\(\s*['"]([^'"]+)['"]`)
	flaskRoute   = regexp.MustCompile(`^@\w+\.route\s*\(\s*['"]([^'"]+)['"](?:\s*,\s*methods\s*=\s*\[([^\]]+)\])?`)

	// Express-style routes match anywhere in the line.
	expressRoute = regexp.MustCompile(`(?i)\w+\.(get|post|put|delete|patch)\s*\(\s*['"]([^'"]+)['"]`)

	// Go: 1.22 ServeMux method patterns and Gin/Echo method calls.
	muxRoute = regexp.MustCompile(`\bHandle(?:Func)?\s*\(\s*"(GET|POST|PUT|DELETE|PATCH)\s+([^"]+)"`)
	ginRoute = regexp.MustCompile(`\w+\.(GET|POST|PUT|DELETE|PATCH)\s*\(\s*"([^"]+)"`)

	goHandlerArg = regexp.MustCompile(`,\s*([\w.]+)\s*\)`)
	pyFunc       = regexp.MustCompile(`^\s*(?:async\s+)?def\s+(\w+)`)

	braceParam = regexp.MustCompile(`\{(\w+)\}`)
	colonParam = regexp.MustCompile(`:(\w+)`)
)

// Endpoints finds HTTP routes by scanning for framework decorators and
// route-registration calls. Recognized: FastAPI and Flask in Python,
// Express in JavaScript/TypeScript, and ServeMux/Gin/Echo in Go.
func Endpoints(chunks model.ChunkSet) []model.Endpoint {
	var out []model.Endpoint
	for _, c := range chunks.Chunks {
		switch c.Language {
		case "python":
			out = append(out, pythonEndpoints(c)...)
		case "javascript", "typescript":
			out = append(out, jsEndpoints(c)...)
		case "go":
			out = append(out, goEndpoints(c)...)
		}
	}
	return out
}

func pythonEndpoints(c model.CodeChunk) []model.Endpoint {
	var out []model.Endpoint
	lines := strings.Split(c.Content, "\n")

	for i, line := range lines {
		stripped := strings.TrimSpace(line)

		if m := fastapiRoute.FindStringSubmatch(stripped); m != nil {
			out = append(out, model.Endpoint{
				Method:          strings.ToUpper(m[1]),
				Path:            m[2],
				HandlerFile:     c.FilePath,
				HandlerFunction: handlerBelow(lines, i+1),
				HandlerLine:     c.StartLine + i,
				Parameters:      pathParams(m[2]),
			})
			continue
		}

		m := flaskRoute.FindStringSubmatch(stripped)
		if m == nil {
			continue
		}
		methods := []string{"GET"}
		if m[2] != "" {
			methods = methods[:0]
			for _, raw := range strings.Split(m[2], ",") {
				methods = append(methods, strings.ToUpper(strings.Trim(strings.TrimSpace(raw), `'"`)))
			}
		}
		handler := handlerBelow(lines, i+1)
		params := pathParams(m[1])
		for _, method := range methods {
			out = append(out, model.Endpoint{
				Method:          method,
				Path:            m[1],
				HandlerFile:     c.FilePath,
				HandlerFunction: handler,
				HandlerLine:     c.StartLine + i,
				Parameters:      params,
			})
		}
	}
	return out
}

func jsEndpoints(c model.CodeChunk) []model.Endpoint {
	var out []model.Endpoint
	for i, line := range strings.Split(c.Content, "\n") {
		m := expressRoute.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		out = append(out, model.Endpoint{
			Method:          strings.ToUpper(m[1]),
			Path:            m[2],
			HandlerFile:     c.FilePath,
			HandlerFunction: "anonymous",
			HandlerLine:     c.StartLine + i,
			Parameters:      pathParams(m[2]),
		})
	}
	return out
}

func goEndpoints(c model.CodeChunk) []model.Endpoint {
	var out []model.Endpoint
	for i, line := range strings.Split(c.Content, "\n") {
		var method, path string
		if m := muxRoute.FindStringSubmatch(line); m != nil {
			method, path = m[1], m[2]
		} else if m := ginRoute.FindStringSubmatch(line); m != nil {
			method, path = m[1], m[2]
		} else {
			continue
		}
		out = append(out, model.Endpoint{
			Method:          method,
			Path:            path,
			HandlerFile:     c.FilePath,
			HandlerFunction: goHandlerName(line),
			HandlerLine:     c.StartLine + i,
			Parameters:      pathParams(path),
		})
	}
	return out
}

// goHandlerName extracts the handler argument from a registration line,
// e.g. "s.handleHealth" out of `mux.HandleFunc("GET /healthz", s.handleHealth)`.
func goHandlerName(line string) string {
	if m := goHandlerArg.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	return "unknown"
}

// handlerBelow returns the function name declared within the next five
// lines, or "unknown" when the decorator sits at a chunk boundary.
func handlerBelow(lines []string, start int) string {
	for i := start; i < min(start+5, len(lines)); i++ {
		if m := pyFunc.FindStringSubmatch(lines[i]); m != nil {
			return m[1]
		}
	}
	return "unknown"
}

// pathParams extracts {name} and :name path parameters.
func pathParams(path string) []model.EndpointParam {
	var params []model.EndpointParam
	for _, m := range braceParam.FindAllStringSubmatch(path, -1) {
		params = append(params, model.EndpointParam{
			Name: m[1], Location: "path", DataType: "string", Required: true,
		})
	}
	for _, m := range colonParam.FindAllStringSubmatch(path, -1) {
		params = append(params, model.EndpointParam{
			Name: m[1], Location: "path", DataType: "string", Required: true,
		})
	}
	return params
}
