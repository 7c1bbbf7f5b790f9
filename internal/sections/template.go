package sections

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ashita-ai/kaiseki/internal/model"
	"github.com/ashita-ai/kaiseki/internal/quality"
)

// maxDiagramEdges bounds generated Mermaid diagrams.
const maxDiagramEdges = 30

// Markdown building blocks for the template renderers.

func heading(text string, level int) string {
	return strings.Repeat("#", level) + " " + text + "\n"
}

func mdTable(headers []string, rows [][]string) string {
	if len(headers) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("| " + strings.Join(headers, " | ") + " |\n")
	sep := make([]string, len(headers))
	for i := range sep {
		sep[i] = "---"
	}
	b.WriteString("| " + strings.Join(sep, " | ") + " |\n")
	for _, row := range rows {
		padded := make([]string, len(headers))
		copy(padded, row)
		b.WriteString("| " + strings.Join(padded, " | ") + " |\n")
	}
	return b.String()
}

func bulletList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	for _, item := range items {
		b.WriteString("- " + item + "\n")
	}
	return b.String()
}

func fencedCode(content, language string) string {
	return "```" + language + "\n" + content + "\n```\n"
}

func avgConfidence(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func location(file string, line int) string {
	return fmt.Sprintf("`%s:%d`", file, line)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func sortByName(entities []model.CodeEntity) []model.CodeEntity {
	out := slices.Clone(entities)
	slices.SortFunc(out, func(a, b model.CodeEntity) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// fallbackSection renders a section from analysis data alone, used when
// every model in the chain has failed.
func fallbackSection(kind model.SectionKind, in Input) model.Section {
	var content string
	var confidence float64
	switch kind {
	case model.SectionExecutiveOverview:
		content, confidence = executiveOverviewTemplate(in)
	case model.SectionFeatures:
		content, confidence = featuresTemplate(in)
	case model.SectionPersonas:
		content, confidence = personasTemplate(in)
	case model.SectionUserStories:
		content, confidence = userStoriesTemplate(in)
	case model.SectionSecurityRequirements:
		content, confidence = securityRequirementsTemplate(in)
	case model.SectionSystemOverview:
		content, confidence = systemOverviewTemplate(in)
	case model.SectionDataModels:
		content, confidence = dataModelsTemplate(in)
	case model.SectionInterfaces:
		content, confidence = interfacesTemplate(in)
	case model.SectionUISpecs:
		content, confidence = uiSpecsTemplate(in)
	case model.SectionAPISpecs:
		content, confidence = apiSpecsTemplate(in)
	case model.SectionIntegrations:
		content, confidence = integrationsTemplate(in)
	case model.SectionTechStories:
		content, confidence = techStoriesTemplate(in)
	case model.SectionSecurityConsiderations:
		content, confidence = securityConsiderationsTemplate(in)
	}
	return model.Section{
		Kind:       kind,
		Title:      Title(kind),
		Content:    content,
		Confidence: confidence,
	}
}

func executiveOverviewTemplate(in Input) (string, float64) {
	parts := []string{heading("Executive Overview", 1)}

	purposes := trustedNarratives(in.Semantic)
	if len(purposes) > 0 {
		parts = append(parts, "**Summary:** "+purposes[0].Purpose+"\n")
	}

	languages := map[string]struct{}{}
	files := map[string]struct{}{}
	for _, e := range in.Static.Entities {
		if e.Language != "" {
			languages[e.Language] = struct{}{}
		}
		files[e.FilePath] = struct{}{}
	}

	parts = append(parts, heading("At a Glance", 2))
	stats := []string{
		fmt.Sprintf("**Entities:** %d", len(in.Static.Entities)),
		fmt.Sprintf("**Files:** %d", len(files)),
		fmt.Sprintf("**Languages:** %d", len(languages)),
		fmt.Sprintf("**Rules:** %d", len(trustedRules(in.Semantic))),
		fmt.Sprintf("**Endpoints:** %d", len(in.Static.Endpoints)),
	}
	parts = append(parts, bulletList(stats))

	var confidences []float64
	for _, n := range purposes {
		confidences = append(confidences, quality.FromLevel(n.Confidence))
	}
	return strings.Join(parts, "\n"), avgConfidence(confidences)
}

func featuresTemplate(in Input) (string, float64) {
	parts := []string{heading("Main Application Features", 1)}

	byFile := map[string][]string{}
	var funcs []model.CodeEntity
	for _, e := range in.Static.Entities {
		if e.EntityType == "function" || e.EntityType == "method" {
			byFile[e.FilePath] = append(byFile[e.FilePath], e.Name)
			funcs = append(funcs, e)
		}
	}

	purposeByFile := map[string]string{}
	for _, n := range trustedNarratives(in.Semantic) {
		purposeByFile[n.FilePath] = n.Purpose
	}

	if len(byFile) > 0 {
		paths := make([]string, 0, len(byFile))
		for p := range byFile {
			paths = append(paths, p)
		}
		slices.Sort(paths)

		rows := make([][]string, 0, len(paths))
		for _, p := range paths {
			rows = append(rows, []string{
				fmt.Sprintf("`%s`", p),
				orDash(purposeByFile[p]),
				fmt.Sprintf("%d", len(byFile[p])),
			})
		}
		parts = append(parts, heading("Feature Areas", 2))
		parts = append(parts, mdTable([]string{"File", "Purpose", "Entities"}, rows))

		funcRows := make([][]string, 0, len(funcs))
		for _, f := range sortByName(funcs) {
			funcRows = append(funcRows, []string{
				fmt.Sprintf("`%s`", f.Name),
				fmt.Sprintf("`%s`", f.FilePath),
				orDash(f.Signature),
			})
		}
		parts = append(parts, heading("Functions", 2))
		parts = append(parts, mdTable([]string{"Name", "File", "Signature"}, funcRows))
	}

	var confidence float64
	if len(funcs) > 0 {
		confidence = quality.ASTOnly
	}
	return strings.Join(parts, "\n"), confidence
}

var (
	adminKeywords   = []string{"admin", "manage", "dashboard", "config", "setting"}
	devKeywords     = []string{"api", "sdk", "webhook", "endpoint", "token"}
	endUserKeywords = []string{"login", "register", "profile", "account", "submit"}
)

func detectPersonas(names []string) map[string][]string {
	personas := map[string][]string{}
	for _, name := range names {
		if nameMatches(name, adminKeywords) {
			personas["Administrator"] = append(personas["Administrator"], name)
		}
		if nameMatches(name, devKeywords) {
			personas["Developer"] = append(personas["Developer"], name)
		}
		if nameMatches(name, endUserKeywords) {
			personas["End User"] = append(personas["End User"], name)
		}
	}
	return personas
}

func personasTemplate(in Input) (string, float64) {
	parts := []string{heading("User Personas", 1)}

	names := make([]string, 0, len(in.Static.Entities))
	for _, e := range in.Static.Entities {
		names = append(names, e.Name)
	}
	detected := detectPersonas(names)
	if len(detected) == 0 {
		detected["General User"] = nil
	}

	personaNames := make([]string, 0, len(detected))
	for p := range detected {
		personaNames = append(personaNames, p)
	}
	slices.Sort(personaNames)

	for _, persona := range personaNames {
		parts = append(parts, heading(persona, 2))
		related := detected[persona]
		if len(related) == 0 {
			continue
		}
		items := make([]string, 0, len(related))
		for _, name := range capSlice(related, 10) {
			items = append(items, fmt.Sprintf("`%s`", name))
		}
		parts = append(parts, heading("System Interactions", 3))
		parts = append(parts, bulletList(items))
	}

	// Keyword-matched personas carry no per-item confidence.
	return strings.Join(parts, "\n"), 0
}

func userStoriesTemplate(in Input) (string, float64) {
	parts := []string{heading("User Stories", 1)}
	var confidences []float64

	rules := trustedRules(in.Semantic)
	if len(rules) > 0 {
		parts = append(parts, heading("From Business Rules", 2))
		for _, rule := range rules {
			parts = append(parts, "- "+ruleToStory(rule.RuleText, rule.RuleType)+"\n")
			confidences = append(confidences, quality.FromLevel(rule.Confidence))
		}
	} else {
		parts = append(parts, "No business rules discovered to generate user stories.\n")
	}

	return strings.Join(parts, "\n"), avgConfidence(confidences)
}

func ruleToStory(ruleText, ruleType string) string {
	var outcome string
	switch ruleType {
	case model.RuleValidation:
		outcome = "data is validated correctly"
	case model.RulePricing:
		outcome = "pricing is calculated accurately"
	case model.RuleWorkflow:
		outcome = "the workflow completes successfully"
	case model.RuleAccessControl:
		outcome = "access is properly controlled"
	case model.RuleDataConstraint:
		outcome = "data integrity is maintained"
	default:
		outcome = "the system behaves correctly"
	}
	return fmt.Sprintf("**As a** user, **I want** %s, **so that** %s.",
		strings.ToLower(ruleText), outcome)
}

func securityRequirementsTemplate(in Input) (string, float64) {
	parts := []string{heading("Security Requirements", 1)}
	var confidences []float64

	var authEntities, authzEntities []model.CodeEntity
	for _, e := range in.Static.Entities {
		if nameMatches(e.Name, authKeywords) {
			authEntities = append(authEntities, e)
		}
		if nameMatches(e.Name, authzKeywords) {
			authzEntities = append(authzEntities, e)
		}
	}

	entityTable := func(title string, entities []model.CodeEntity) {
		rows := make([][]string, 0, len(entities))
		for _, e := range entities {
			rows = append(rows, []string{
				fmt.Sprintf("`%s`", e.Name), e.EntityType, location(e.FilePath, e.StartLine),
			})
			confidences = append(confidences, quality.ASTOnly)
		}
		parts = append(parts, heading(title, 2))
		parts = append(parts, mdTable([]string{"Entity", "Type", "Location"}, rows))
	}

	if len(authEntities) > 0 {
		entityTable("Authentication", authEntities)
	}
	if len(authzEntities) > 0 {
		entityTable("Authorization", authzEntities)
	}

	var accessRules []model.BusinessRule
	for _, r := range trustedRules(in.Semantic) {
		if r.RuleType == model.RuleAccessControl {
			accessRules = append(accessRules, r)
		}
	}
	if len(accessRules) > 0 {
		items := make([]string, 0, len(accessRules))
		for _, r := range accessRules {
			items = append(items, r.RuleText)
			confidences = append(confidences, quality.FromLevel(r.Confidence))
		}
		parts = append(parts, heading("Access Control Rules", 2))
		parts = append(parts, bulletList(items))
	}

	if len(authEntities) == 0 && len(authzEntities) == 0 && len(accessRules) == 0 {
		parts = append(parts, "No authentication or authorization patterns discovered in the codebase.\n")
	}

	return strings.Join(parts, "\n"), avgConfidence(confidences)
}

func systemOverviewTemplate(in Input) (string, float64) {
	parts := []string{heading("System Overview", 1)}

	fileCounts := map[string]int{}
	for _, e := range in.Static.Entities {
		fileCounts[e.FilePath]++
	}

	if len(fileCounts) > 0 {
		paths := make([]string, 0, len(fileCounts))
		for p := range fileCounts {
			paths = append(paths, p)
		}
		slices.Sort(paths)

		lines := make([]string, 0, len(paths))
		for _, p := range paths {
			lines = append(lines, fmt.Sprintf("- `%s` (%d entities)", p, fileCounts[p]))
		}
		parts = append(parts, heading("Module Tree", 2))
		parts = append(parts, strings.Join(lines, "\n")+"\n")
	}

	if len(in.Static.Dependencies) > 0 {
		parts = append(parts, heading("Architecture Diagram", 2))
		parts = append(parts, fencedCode(architectureMermaid(in.Static.Dependencies), "mermaid"))
	}

	var confidence float64
	if len(in.Static.Entities) > 0 {
		confidence = quality.ASTOnly
	}
	return strings.Join(parts, "\n"), confidence
}

func architectureMermaid(deps []model.DependencyEdge) string {
	lines := []string{"graph TD"}
	seen := map[string]struct{}{}
	for _, d := range capSlice(deps, maxDiagramEdges) {
		src := sanitizeID(d.SourceFile)
		tgt := sanitizeID(d.Target)
		if _, ok := seen[src]; !ok {
			lines = append(lines, fmt.Sprintf("    %s[%s]", src, mermaidLabel(d.SourceFile)))
			seen[src] = struct{}{}
		}
		if _, ok := seen[tgt]; !ok {
			lines = append(lines, fmt.Sprintf("    %s[%s]", tgt, mermaidLabel(d.Target)))
			seen[tgt] = struct{}{}
		}
		lines = append(lines, fmt.Sprintf("    %s -.->|imports| %s", src, tgt))
	}
	return strings.Join(lines, "\n")
}

func sanitizeID(raw string) string {
	r := strings.NewReplacer("::", "_", ".", "_", "/", "_", "-", "_", " ", "_")
	return r.Replace(raw)
}

func mermaidLabel(raw string) string {
	if i := strings.LastIndex(raw, "::"); i >= 0 {
		return raw[i+2:]
	}
	if i := strings.LastIndex(raw, "/"); i >= 0 {
		return raw[i+1:]
	}
	return raw
}

func dataModelsTemplate(in Input) (string, float64) {
	parts := []string{heading("Data Models", 1)}

	dataEntities := sortByName(dataModelEntities(in.Static))
	if len(dataEntities) > 0 {
		rows := make([][]string, 0, len(dataEntities))
		for _, e := range dataEntities {
			rows = append(rows, []string{
				fmt.Sprintf("`%s`", e.Name), e.EntityType,
				location(e.FilePath, e.StartLine), orDash(e.Signature),
			})
		}
		parts = append(parts, heading("Entities", 2))
		parts = append(parts, mdTable([]string{"Name", "Type", "Location", "Signature"}, rows))
	}

	if len(dataEntities) >= 2 {
		parts = append(parts, heading("Entity-Relationship Diagram", 2))
		parts = append(parts, fencedCode(erMermaid(dataEntities), "mermaid"))
	}

	dataFiles := map[string]struct{}{}
	for _, e := range dataEntities {
		dataFiles[e.FilePath] = struct{}{}
	}
	var relRows [][]string
	for _, d := range in.Static.Dependencies {
		if _, ok := dataFiles[d.SourceFile]; ok {
			relRows = append(relRows, []string{
				fmt.Sprintf("`%s`", d.SourceFile), d.ImportType, fmt.Sprintf("`%s`", d.Target),
			})
		}
	}
	if len(relRows) > 0 {
		parts = append(parts, heading("Relationships", 2))
		parts = append(parts, mdTable([]string{"Source", "Relationship", "Target"}, relRows))
	}

	if len(dataEntities) == 0 {
		parts = append(parts, "No data model entities (type, table) discovered in the codebase.\n")
	}

	var confidence float64
	if len(dataEntities) > 0 {
		confidence = quality.ASTOnly
	}
	return strings.Join(parts, "\n"), confidence
}

func erMermaid(entities []model.CodeEntity) string {
	lines := []string{"erDiagram"}
	for _, e := range entities {
		safe := strings.ReplaceAll(e.Name, " ", "_")
		lines = append(lines, "    "+safe+" {", "        string id", "    }")
	}
	return strings.Join(lines, "\n")
}

func interfacesTemplate(in Input) (string, float64) {
	parts := []string{heading("Interface Specifications", 1)}

	all := interfaceEntities(in.Static)
	var ifaces, services []model.CodeEntity
	for _, e := range all {
		sig := strings.ToLower(e.Signature)
		if strings.Contains(sig, "interface") || strings.Contains(sig, "protocol") {
			ifaces = append(ifaces, e)
		} else {
			services = append(services, e)
		}
	}

	if len(ifaces) > 0 {
		rows := make([][]string, 0, len(ifaces))
		for _, e := range sortByName(ifaces) {
			rows = append(rows, []string{
				fmt.Sprintf("`%s`", e.Name), location(e.FilePath, e.StartLine), orDash(e.Signature),
			})
		}
		parts = append(parts, heading("Interfaces / Protocols", 2))
		parts = append(parts, mdTable([]string{"Name", "Location", "Signature"}, rows))
	}

	if len(services) > 0 {
		rows := make([][]string, 0, len(services))
		for _, e := range sortByName(services) {
			rows = append(rows, []string{
				fmt.Sprintf("`%s`", e.Name), e.EntityType, location(e.FilePath, e.StartLine),
			})
		}
		parts = append(parts, heading("Service Boundaries", 2))
		parts = append(parts, mdTable([]string{"Name", "Type", "Location"}, rows))
	}

	if len(all) == 0 {
		parts = append(parts, "No interface entities discovered.\n")
	}

	var confidence float64
	if len(all) > 0 {
		confidence = quality.ASTOnly
	}
	return strings.Join(parts, "\n"), confidence
}

func uiSpecsTemplate(in Input) (string, float64) {
	parts := []string{heading("UI Specifications", 1)}

	entities := uiEntities(in.Static)
	if len(entities) > 0 {
		rows := make([][]string, 0, len(entities))
		for _, e := range sortByName(entities) {
			rows = append(rows, []string{
				fmt.Sprintf("`%s`", e.Name), e.EntityType,
				fmt.Sprintf("`%s`", e.FilePath), orDash(e.Language),
			})
		}
		parts = append(parts, heading("Screens / Components", 2))
		parts = append(parts, mdTable([]string{"Name", "Type", "File", "Language"}, rows))
		parts = append(parts, heading("Summary", 2))
		parts = append(parts, fmt.Sprintf("**%d** UI components/screens identified.\n", len(entities)))
	} else {
		parts = append(parts, "No UI components or frontend entities discovered in the codebase.\n")
	}

	var confidence float64
	if len(entities) > 0 {
		confidence = quality.ASTOnly
	}
	return strings.Join(parts, "\n"), confidence
}

func apiSpecsTemplate(in Input) (string, float64) {
	parts := []string{heading("API Specifications", 1)}

	if len(in.Static.Endpoints) > 0 {
		rows := make([][]string, 0, len(in.Static.Endpoints))
		for _, e := range in.Static.Endpoints {
			rows = append(rows, []string{
				e.Method, fmt.Sprintf("`%s`", e.Path),
				fmt.Sprintf("`%s`", orDash(e.HandlerFunction)),
				location(e.HandlerFile, e.HandlerLine),
			})
		}
		parts = append(parts, heading("Endpoints", 2))
		parts = append(parts, mdTable([]string{"Method", "Path", "Handler", "Location"}, rows))
	}

	handlers := routeHandlerEntities(in.Static)
	if len(handlers) > 0 {
		rows := make([][]string, 0, len(handlers))
		for _, e := range sortByName(handlers) {
			rows = append(rows, []string{
				fmt.Sprintf("`%s`", e.Name), location(e.FilePath, e.StartLine), orDash(e.Signature),
			})
		}
		parts = append(parts, heading("Route Handlers", 2))
		parts = append(parts, mdTable([]string{"Handler", "Location", "Signature"}, rows))
	}

	if len(in.Static.Endpoints) == 0 && len(handlers) == 0 {
		parts = append(parts, "No API endpoints or route handlers discovered in the codebase.\n")
	}

	var confidence float64
	if len(in.Static.Endpoints) > 0 || len(handlers) > 0 {
		confidence = quality.ASTOnly
	}
	return strings.Join(parts, "\n"), confidence
}

func integrationsTemplate(in Input) (string, float64) {
	parts := []string{heading("Integration Points", 1)}

	importers := map[string][]string{}
	for _, d := range in.Static.Dependencies {
		importers[d.Target] = append(importers[d.Target], d.SourceFile)
	}

	if len(importers) > 0 {
		targets := make([]string, 0, len(importers))
		for t := range importers {
			targets = append(targets, t)
		}
		slices.SortFunc(targets, func(a, b string) int {
			if d := len(importers[b]) - len(importers[a]); d != 0 {
				return d
			}
			return strings.Compare(a, b)
		})

		rows := make([][]string, 0, len(targets))
		for _, target := range targets {
			sources := importers[target]
			shown := make([]string, 0, 3)
			for _, s := range capSlice(sources, 3) {
				shown = append(shown, fmt.Sprintf("`%s`", s))
			}
			usedBy := strings.Join(shown, ", ")
			if len(sources) > 3 {
				usedBy += "..."
			}
			rows = append(rows, []string{
				fmt.Sprintf("`%s`", target), fmt.Sprintf("%d", len(sources)), usedBy,
			})
		}
		parts = append(parts, heading("External Dependencies", 2))
		parts = append(parts, mdTable([]string{"Module", "Importers", "Used By"}, rows))
	} else {
		parts = append(parts, "No integration points discovered.\n")
	}

	// Import edges carry no confidence of their own.
	return strings.Join(parts, "\n"), 0
}

func techStoriesTemplate(in Input) (string, float64) {
	parts := []string{heading("Technical User Stories", 1)}
	var confidences []float64

	var stories []string
	for _, n := range trustedNarratives(in.Semantic) {
		for _, b := range n.Behaviors {
			if len(stories) == 15 {
				break
			}
			trigger := b.Trigger
			if trigger == "" {
				trigger = "invoked"
			}
			stories = append(stories, fmt.Sprintf(
				"- **When** %s, the system %s. (`%s`)\n",
				trigger, strings.TrimSuffix(b.Description, "."), n.FilePath))
			confidences = append(confidences, quality.FromLevel(n.Confidence))
		}
	}

	if len(stories) > 0 {
		parts = append(parts, heading("From Observed Behaviors", 2))
		parts = append(parts, stories...)
	} else {
		parts = append(parts, "No technical stories could be generated.\n")
	}

	return strings.Join(parts, "\n"), avgConfidence(confidences)
}

func securityConsiderationsTemplate(in Input) (string, float64) {
	parts := []string{heading("Security Considerations", 1)}
	var confidences []float64

	var vuln, sensitive []model.CodeEntity
	for _, e := range in.Static.Entities {
		if nameMatches(e.Name, vulnKeywords) {
			vuln = append(vuln, e)
		}
		if nameMatches(e.Name, sensitiveKeywords) {
			sensitive = append(sensitive, e)
		}
	}

	if len(vuln) > 0 {
		rows := make([][]string, 0, len(vuln))
		for _, e := range vuln {
			rows = append(rows, []string{
				fmt.Sprintf("`%s`", e.Name), e.EntityType, location(e.FilePath, e.StartLine),
			})
			confidences = append(confidences, quality.ASTOnly)
		}
		parts = append(parts, heading("Potential Vulnerability Patterns", 2))
		parts = append(parts, mdTable([]string{"Entity", "Type", "Location"}, rows))
	}

	if len(sensitive) > 0 {
		rows := make([][]string, 0, len(sensitive))
		for _, e := range sensitive {
			rows = append(rows, []string{
				fmt.Sprintf("`%s`", e.Name), location(e.FilePath, e.StartLine),
			})
		}
		parts = append(parts, heading("Sensitive Data Handlers", 2))
		parts = append(parts, mdTable([]string{"Entity", "Location"}, rows))
	}

	risks := trustedRisks(in.Semantic)
	if len(risks) > 0 {
		rows := make([][]string, 0, len(risks))
		for _, r := range risks {
			rows = append(rows, []string{
				r.Title, r.Severity, r.RiskType, location(r.FilePath, r.Line),
			})
			confidences = append(confidences, quality.FromLevel(r.Confidence))
		}
		parts = append(parts, heading("LLM-Detected Risks", 2))
		parts = append(parts, mdTable([]string{"Risk", "Severity", "Type", "Location"}, rows))
	}

	hasAuth := false
	for _, e := range in.Static.Entities {
		if nameMatches(e.Name, []string{"auth", "login", "session"}) {
			hasAuth = true
			break
		}
	}
	hasValidation := false
	for _, r := range trustedRules(in.Semantic) {
		if r.RuleType == model.RuleValidation {
			hasValidation = true
			break
		}
	}

	parts = append(parts, heading("Coverage Summary", 2))
	parts = append(parts, bulletList([]string{
		"Authentication entities: " + foundOrNot(hasAuth),
		"Validation rules: " + foundOrNot(hasValidation),
		fmt.Sprintf("Sensitive data handlers: %d found", len(sensitive)),
		fmt.Sprintf("Potential vulnerability patterns: %d found", len(vuln)),
	}))

	return strings.Join(parts, "\n"), avgConfidence(confidences)
}

func foundOrNot(found bool) string {
	if found {
		return "Found"
	}
	return "Not found"
}
