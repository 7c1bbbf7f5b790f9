package sections

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// Context size caps keep synthesis prompts inside the model's input
// budget regardless of repository size.
const (
	maxEntities      = 30
	maxRules         = 20
	maxRisks         = 10
	maxPurposes      = 15
	maxRelationships = 20
	maxSampleRules   = 5
	maxSampleRisks   = 5
	maxSnippets      = 5
)

var (
	authKeywords = []string{
		"auth", "login", "logout", "token", "jwt",
		"oauth", "session", "password", "credential",
	}
	authzKeywords = []string{
		"permission", "role", "rbac", "scope",
		"access", "policy", "guard", "middleware",
	}
	uiKeywords = []string{
		"component", "page", "view", "screen", "form",
		"modal", "dialog", "button", "input", "layout",
		"template", "widget",
	}
	uiFileExts = []string{".tsx", ".jsx", ".vue", ".svelte"}

	vulnKeywords = []string{
		"eval", "exec", "system", "popen", "subprocess",
		"shell", "pickle", "deserialize", "unsafe",
		"raw_sql", "sql", "inject",
	}
	sensitiveKeywords = []string{
		"password", "secret", "key", "token",
		"credential", "private",
	}
	serviceKeywords = []string{"service", "repository", "handler", "controller"}
	routeKeywords   = []string{"route", "handler", "endpoint", "view"}
)

func nameMatches(name string, keywords []string) bool {
	lower := strings.ToLower(name)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// buildContext renders the synthesis context for one section kind and
// counts its items, which decides rich vs sparse confidence.
func buildContext(kind model.SectionKind, in Input, title string) (string, int) {
	var data map[string]any
	switch kind {
	case model.SectionExecutiveOverview:
		data = executiveOverviewContext(in)
	case model.SectionFeatures:
		data = featuresContext(in)
	case model.SectionPersonas:
		data = personasContext(in)
	case model.SectionUserStories:
		data = userStoriesContext(in)
	case model.SectionSecurityRequirements:
		data = securityRequirementsContext(in)
	case model.SectionSystemOverview:
		data = systemOverviewContext(in)
	case model.SectionDataModels:
		data = dataModelsContext(in)
	case model.SectionInterfaces:
		data = interfacesContext(in)
	case model.SectionUISpecs:
		data = uiSpecsContext(in)
	case model.SectionAPISpecs:
		data = apiSpecsContext(in)
	case model.SectionIntegrations:
		data = integrationsContext(in)
	case model.SectionTechStories:
		data = techStoriesContext(in)
	case model.SectionSecurityConsiderations:
		data = securityConsiderationsContext(in)
	default:
		data = map[string]any{}
	}
	if len(in.Snippets) > 0 {
		data["code_excerpts"] = mapSlice(capSlice(in.Snippets, maxSnippets), snippetJSON)
	}
	wrapped := wrapContext(data, title)
	return wrapped, countContextItems(wrapped)
}

func snippetJSON(sn Snippet) map[string]any {
	m := map[string]any{
		"file":    sn.FilePath,
		"lines":   fmt.Sprintf("%d-%d", sn.StartLine, sn.EndLine),
		"excerpt": sn.Content,
	}
	if sn.SymbolName != "" {
		m["symbol"] = sn.SymbolName
	}
	if sn.Language != "" {
		m["language"] = sn.Language
	}
	return m
}

// wrapContext frames the JSON payload in tags the prompts reference and
// appends the generation instruction.
func wrapContext(data map[string]any, title string) string {
	buf, _ := json.MarshalIndent(data, "", "  ")
	return "<context>\n" + string(buf) + "\n</context>\n\nGenerate the " + title + " section."
}

// countContextItems sums top-level list lengths and counts each
// top-level numeric as one. Nested objects contribute nothing, so a
// stats block alone never makes a context look rich.
func countContextItems(contextStr string) int {
	start := strings.Index(contextStr, "<context>")
	end := strings.Index(contextStr, "</context>")
	if start < 0 || end < 0 || end <= start {
		return 0
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(contextStr[start+len("<context>"):end]), &data); err != nil {
		return 0
	}
	count := 0
	for _, v := range data {
		switch t := v.(type) {
		case []any:
			count += len(t)
		case float64:
			count++
		}
	}
	return count
}

// Low-confidence semantic items stay out of synthesis context so a
// degraded chunk cannot steer a whole section.

func trustedNarratives(sem model.SemanticResult) []model.ModuleNarrative {
	var out []model.ModuleNarrative
	for _, n := range sem.Narratives {
		if n.Confidence != model.ConfidenceLow {
			out = append(out, n)
		}
	}
	return out
}

func trustedRules(sem model.SemanticResult) []model.BusinessRule {
	var out []model.BusinessRule
	for _, r := range sem.Rules {
		if r.Confidence != model.ConfidenceLow {
			out = append(out, r)
		}
	}
	return out
}

func trustedRisks(sem model.SemanticResult) []model.RiskIndicator {
	var out []model.RiskIndicator
	for _, r := range sem.Risks {
		if r.Confidence != model.ConfidenceLow {
			out = append(out, r)
		}
	}
	return out
}

// Serialization helpers. Keys are short because the payload is model
// input, not an API surface.

func entityJSON(e model.CodeEntity) map[string]any {
	return map[string]any{
		"name":      e.Name,
		"type":      e.EntityType,
		"file":      e.FilePath,
		"line":      e.StartLine,
		"language":  e.Language,
		"signature": e.Signature,
	}
}

func purposeJSON(n model.ModuleNarrative) map[string]any {
	return map[string]any{
		"file":       n.FilePath,
		"statement":  n.Purpose,
		"confidence": string(n.Confidence),
	}
}

func ruleJSON(r model.BusinessRule) map[string]any {
	return map[string]any{
		"text":        r.RuleText,
		"type":        r.RuleType,
		"condition":   r.Condition,
		"consequence": r.Consequence,
	}
}

func riskJSON(r model.RiskIndicator) map[string]any {
	return map[string]any{
		"title":       r.Title,
		"type":        r.RiskType,
		"severity":    r.Severity,
		"description": r.Description,
		"file":        r.FilePath,
		"line":        r.Line,
	}
}

func dependencyJSON(d model.DependencyEdge) map[string]any {
	return map[string]any{
		"source": d.SourceFile,
		"target": d.Target,
		"type":   d.ImportType,
	}
}

func endpointJSON(e model.Endpoint) map[string]any {
	return map[string]any{
		"method":  e.Method,
		"path":    e.Path,
		"handler": e.HandlerFunction,
		"file":    e.HandlerFile,
		"line":    e.HandlerLine,
	}
}

func behaviorJSON(file string, b model.Behavior) map[string]any {
	return map[string]any{
		"file":        file,
		"description": b.Description,
		"trigger":     b.Trigger,
	}
}

func capSlice[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func mapSlice[T any](s []T, fn func(T) map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(s))
	for _, v := range s {
		out = append(out, fn(v))
	}
	return out
}

func collectBehaviors(sem model.SemanticResult, limit int) []map[string]any {
	out := []map[string]any{}
	for _, n := range trustedNarratives(sem) {
		for _, b := range n.Behaviors {
			if len(out) == limit {
				return out
			}
			out = append(out, behaviorJSON(n.FilePath, b))
		}
	}
	return out
}

// Per-section builders. Each selects and caps the slice of the analysis
// results its prompt knows how to use.

func executiveOverviewContext(in Input) map[string]any {
	entityTypes := map[string]int{}
	files := map[string]struct{}{}
	for _, e := range in.Static.Entities {
		entityTypes[e.EntityType]++
		files[e.FilePath] = struct{}{}
	}
	languages := in.Intelligence.Languages
	if languages == nil {
		languages = []string{}
	}
	rules := trustedRules(in.Semantic)
	risks := trustedRisks(in.Semantic)

	return map[string]any{
		"stats": map[string]any{
			"total_entities":     len(in.Static.Entities),
			"total_files":        len(files),
			"languages":          languages,
			"entity_types":       entityTypes,
			"total_rules":        len(rules),
			"total_endpoints":    len(in.Static.Endpoints),
			"total_dependencies": len(in.Static.Dependencies),
		},
		"purposes":     mapSlice(capSlice(trustedNarratives(in.Semantic), maxPurposes), purposeJSON),
		"sample_rules": mapSlice(capSlice(rules, maxSampleRules), ruleJSON),
		"sample_risks": mapSlice(capSlice(risks, maxSampleRisks), riskJSON),
	}
}

func featuresContext(in Input) map[string]any {
	var funcs []model.CodeEntity
	for _, e := range in.Static.Entities {
		if e.EntityType == "function" || e.EntityType == "method" {
			funcs = append(funcs, e)
		}
	}

	purposes := capSlice(trustedNarratives(in.Semantic), maxPurposes)
	filePurposes := make([]map[string]any, 0, len(purposes))
	for _, n := range purposes {
		filePurposes = append(filePurposes, map[string]any{"file": n.FilePath, "purpose": n.Purpose})
	}

	return map[string]any{
		"function_entities": mapSlice(capSlice(funcs, maxEntities), entityJSON),
		"file_purposes":     filePurposes,
	}
}

func personasContext(in Input) map[string]any {
	return map[string]any{
		"entities": mapSlice(capSlice(in.Static.Entities, maxEntities), entityJSON),
		"purposes": mapSlice(capSlice(trustedNarratives(in.Semantic), maxPurposes), purposeJSON),
	}
}

func userStoriesContext(in Input) map[string]any {
	return map[string]any{
		"rules":     mapSlice(capSlice(trustedRules(in.Semantic), maxRules), ruleJSON),
		"behaviors": collectBehaviors(in.Semantic, maxRelationships),
	}
}

func securityRequirementsContext(in Input) map[string]any {
	var authEntities []model.CodeEntity
	for _, e := range in.Static.Entities {
		if nameMatches(e.Name, authKeywords) || nameMatches(e.Name, authzKeywords) {
			authEntities = append(authEntities, e)
		}
	}

	var accessRules []model.BusinessRule
	for _, r := range trustedRules(in.Semantic) {
		if r.RuleType == model.RuleAccessControl {
			accessRules = append(accessRules, r)
		}
	}

	return map[string]any{
		"auth_entities":        mapSlice(capSlice(authEntities, maxEntities), entityJSON),
		"access_control_rules": mapSlice(capSlice(accessRules, maxRules), ruleJSON),
	}
}

func systemOverviewContext(in Input) map[string]any {
	return map[string]any{
		"entities":     mapSlice(capSlice(in.Static.Entities, maxEntities), entityJSON),
		"purposes":     mapSlice(capSlice(trustedNarratives(in.Semantic), maxPurposes), purposeJSON),
		"dependencies": mapSlice(capSlice(in.Static.Dependencies, maxRelationships), dependencyJSON),
	}
}

func dataModelsContext(in Input) map[string]any {
	dataEntities := dataModelEntities(in.Static)
	dataFiles := map[string]struct{}{}
	for _, e := range dataEntities {
		dataFiles[e.FilePath] = struct{}{}
	}

	var dataRels []model.DependencyEdge
	for _, d := range in.Static.Dependencies {
		if _, ok := dataFiles[d.SourceFile]; ok {
			dataRels = append(dataRels, d)
		}
	}

	var dataRules []model.BusinessRule
	for _, r := range trustedRules(in.Semantic) {
		if r.RuleType == model.RuleDataConstraint {
			dataRules = append(dataRules, r)
		}
	}

	return map[string]any{
		"data_entities":         mapSlice(capSlice(dataEntities, maxEntities), entityJSON),
		"data_relationships":    mapSlice(capSlice(dataRels, maxRelationships), dependencyJSON),
		"data_constraint_rules": mapSlice(capSlice(dataRules, maxRules), ruleJSON),
	}
}

func interfacesContext(in Input) map[string]any {
	return map[string]any{
		"interface_entities": mapSlice(capSlice(interfaceEntities(in.Static), maxEntities), entityJSON),
		"relationships":      mapSlice(capSlice(in.Static.Dependencies, maxRelationships), dependencyJSON),
	}
}

func uiSpecsContext(in Input) map[string]any {
	return map[string]any{
		"ui_entities": mapSlice(capSlice(uiEntities(in.Static), maxEntities), entityJSON),
	}
}

func apiSpecsContext(in Input) map[string]any {
	return map[string]any{
		"endpoints":      mapSlice(capSlice(in.Static.Endpoints, maxEntities), endpointJSON),
		"route_handlers": mapSlice(capSlice(routeHandlerEntities(in.Static), maxEntities), entityJSON),
	}
}

func integrationsContext(in Input) map[string]any {
	return map[string]any{
		"import_relationships": mapSlice(capSlice(in.Static.Dependencies, maxRelationships), dependencyJSON),
	}
}

func techStoriesContext(in Input) map[string]any {
	return map[string]any{
		"behaviors":    collectBehaviors(in.Semantic, maxRelationships),
		"dependencies": mapSlice(capSlice(in.Static.Dependencies, maxRelationships), dependencyJSON),
	}
}

func securityConsiderationsContext(in Input) map[string]any {
	var vuln, sensitive []model.CodeEntity
	for _, e := range in.Static.Entities {
		if nameMatches(e.Name, vulnKeywords) {
			vuln = append(vuln, e)
		}
		if nameMatches(e.Name, sensitiveKeywords) {
			sensitive = append(sensitive, e)
		}
	}

	return map[string]any{
		"vulnerability_entities": mapSlice(capSlice(vuln, maxEntities), entityJSON),
		"sensitive_entities":     mapSlice(capSlice(sensitive, maxEntities), entityJSON),
		"risks":                  mapSlice(capSlice(trustedRisks(in.Semantic), maxRisks), riskJSON),
	}
}

// Entity selectors shared between context builders and templates.

func dataModelEntities(static model.StaticResult) []model.CodeEntity {
	var out []model.CodeEntity
	for _, e := range static.Entities {
		switch e.EntityType {
		case "type", "class", "table":
			out = append(out, e)
		}
	}
	return out
}

// interfaceEntities picks type declarations that look like contracts:
// the declaration line names an interface or protocol, or the entity is
// named like a service boundary.
func interfaceEntities(static model.StaticResult) []model.CodeEntity {
	var out []model.CodeEntity
	for _, e := range static.Entities {
		switch e.EntityType {
		case "type", "class", "interface":
		default:
			continue
		}
		sig := strings.ToLower(e.Signature)
		if e.EntityType == "interface" ||
			strings.Contains(sig, "interface") || strings.Contains(sig, "protocol") ||
			nameMatches(e.Name, serviceKeywords) {
			out = append(out, e)
		}
	}
	return out
}

func uiEntities(static model.StaticResult) []model.CodeEntity {
	var out []model.CodeEntity
	for _, e := range static.Entities {
		if nameMatches(e.Name, uiKeywords) || hasUIExt(e.FilePath) {
			out = append(out, e)
		}
	}
	return out
}

func hasUIExt(path string) bool {
	for _, ext := range uiFileExts {
		if strings.Contains(path, ext) {
			return true
		}
	}
	return false
}

func routeHandlerEntities(static model.StaticResult) []model.CodeEntity {
	var out []model.CodeEntity
	for _, e := range static.Entities {
		if e.EntityType == "function" && nameMatches(e.Name, routeKeywords) {
			out = append(out, e)
		}
	}
	return out
}
