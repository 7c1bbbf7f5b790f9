package model

import "time"

// RepoPath is a resolved local repository with commit metadata.
type RepoPath struct {
	Path      string `json:"path"`
	CommitSHA string `json:"commit_sha"`
	Branch    string `json:"branch"`
}

// LanguageInfo holds per-language statistics for a repository.
type LanguageInfo struct {
	Name       string   `json:"name"`
	FileCount  int      `json:"file_count"`
	LineCount  int      `json:"line_count"`
	Extensions []string `json:"extensions,omitempty"`
}

// LanguageMap is the language-detection output for a repository.
type LanguageMap struct {
	Languages       []LanguageInfo `json:"languages"`
	PrimaryLanguage string         `json:"primary_language,omitempty"`
}

// CharsPerToken is the rough byte-to-token ratio used wherever an exact
// tokenizer would cost more than the estimate is worth.
const CharsPerToken = 4

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) int {
	return len(text) / CharsPerToken
}

// CodeChunk is one analyzable slice of a source file.
type CodeChunk struct {
	FilePath   string `json:"file_path"`
	Language   string `json:"language"`
	ChunkType  string `json:"chunk_type"` // "function", "type", "block"
	StartLine  int    `json:"start_line"`
	EndLine    int    `json:"end_line"`
	Content    string `json:"content"`
	SymbolName string `json:"symbol_name,omitempty"`
}

// ChunkSet is the chunking output for a repository.
type ChunkSet struct {
	Chunks     []CodeChunk `json:"chunks"`
	TotalFiles int         `json:"total_files"`
	TotalLines int         `json:"total_lines"`
}

// Checkpoint stores one chunk's semantic-analysis result so interrupted
// runs can resume without re-spending model calls. Keyed uniquely by
// (project_id, chunk_hash).
type Checkpoint struct {
	ProjectID  string    `json:"project_id"`
	CommitSHA  string    `json:"commit_sha"`
	ChunkHash  string    `json:"chunk_hash"`
	FilePath   string    `json:"file_path"`
	ResultJSON string    `json:"result_json"`
	CreatedAt  time.Time `json:"created_at"`
}
