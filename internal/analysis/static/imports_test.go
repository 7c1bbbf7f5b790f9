package static

import (
	"slices"
	"testing"

	"github.com/ashita-ai/kaiseki/internal/model"
)

func importsOf(lang, file, content string) []model.DependencyEdge {
	return Imports(model.ChunkSet{Chunks: []model.CodeChunk{
		chunkOf(lang, file, 1, content),
	}})
}

func TestImportsPython(t *testing.T) {
	content := "from collections import OrderedDict, defaultdict as dd\n" +
		"import os, sys\n" +
		"from legacy import *\n"
	got := importsOf("python", "app.py", content)

	if len(got) != 4 {
		t.Fatalf("got %d edges, want 4: %+v", len(got), got)
	}
	if got[0].Target != "collections" || got[0].ImportType != "symbol" {
		t.Errorf("edge 0 = %+v", got[0])
	}
	if !slices.Equal(got[0].Symbols, []string{"OrderedDict", "defaultdict"}) {
		t.Errorf("symbols = %v", got[0].Symbols)
	}
	if got[1].Target != "os" || got[2].Target != "sys" || got[1].ImportType != "module" {
		t.Errorf("module edges = %+v, %+v", got[1], got[2])
	}
	if got[3].Target != "legacy" || got[3].ImportType != "wildcard" || !slices.Equal(got[3].Symbols, []string{"*"}) {
		t.Errorf("wildcard edge = %+v", got[3])
	}
}

func TestImportsJavaScript(t *testing.T) {
	content := "import { useState, useEffect as ue } from 'react'\n" +
		"import express from 'express'\n" +
		"const morgan = require('morgan')\n"
	got := importsOf("javascript", "index.js", content)

	if len(got) != 3 {
		t.Fatalf("got %d edges, want 3: %+v", len(got), got)
	}
	if got[0].Target != "react" || got[0].ImportType != "symbol" {
		t.Errorf("edge 0 = %+v", got[0])
	}
	if !slices.Equal(got[0].Symbols, []string{"useState", "useEffect"}) {
		t.Errorf("symbols = %v", got[0].Symbols)
	}
	if got[1].Target != "express" || got[1].ImportType != "module" {
		t.Errorf("edge 1 = %+v", got[1])
	}
	if got[2].Target != "morgan" || got[2].ImportType != "module" {
		t.Errorf("require edge = %+v", got[2])
	}
}

func TestImportsGo(t *testing.T) {
	content := "package main\n" +
		"\n" +
		"import (\n" +
		"\t\"fmt\"\n" +
		"\tpg \"github.com/jackc/pgx/v5\"\n" +
		")\n" +
		"\n" +
		"var greeting = \"not an import\"\n"
	got := importsOf("go", "main.go", content)

	want := []string{"fmt", "github.com/jackc/pgx/v5"}
	if len(got) != len(want) {
		t.Fatalf("got %d edges, want %d: %+v", len(got), len(want), got)
	}
	for i, target := range want {
		if got[i].Target != target {
			t.Errorf("edge %d target = %q, want %q", i, got[i].Target, target)
		}
	}
}

func TestImportsGoSingleLine(t *testing.T) {
	got := importsOf("go", "tiny.go", "package tiny\n\nimport \"errors\"\n")
	if len(got) != 1 || got[0].Target != "errors" {
		t.Fatalf("got %+v, want single errors edge", got)
	}
}

func TestImportsJava(t *testing.T) {
	content := "import java.util.List;\n" +
		"import java.util.*;\n" +
		"import static org.junit.Assert.assertEquals;\n"
	got := importsOf("java", "Main.java", content)

	if len(got) != 3 {
		t.Fatalf("got %d edges, want 3: %+v", len(got), got)
	}
	if got[0].Target != "java.util.List" || got[0].ImportType != "symbol" {
		t.Errorf("edge 0 = %+v", got[0])
	}
	if got[1].Target != "java.util" || got[1].ImportType != "wildcard" {
		t.Errorf("edge 1 = %+v", got[1])
	}
	if got[2].Target != "org.junit.Assert.assertEquals" {
		t.Errorf("edge 2 = %+v", got[2])
	}
}

func TestImportsRustAndC(t *testing.T) {
	rust := importsOf("rust", "main.rs", "use std::collections::HashMap;\n")
	if len(rust) != 1 || rust[0].Target != "std::collections::HashMap" {
		t.Fatalf("rust edges = %+v", rust)
	}

	c := importsOf("c", "main.c", "#include <stdio.h>\n#include \"local.h\"\n")
	if len(c) != 2 || c[0].Target != "stdio.h" || c[1].Target != "local.h" {
		t.Fatalf("c edges = %+v", c)
	}
}

func TestImportsDeduplicatesAcrossChunks(t *testing.T) {
	// Overlapping chunks repeat lines; the same import must not repeat.
	got := Imports(model.ChunkSet{Chunks: []model.CodeChunk{
		chunkOf("python", "app.py", 1, "import os\n"),
		chunkOf("python", "app.py", 1, "import os\nimport sys\n"),
	}})
	if len(got) != 2 {
		t.Fatalf("got %d edges, want 2: %+v", len(got), got)
	}
}

func TestImportsUnknownLanguage(t *testing.T) {
	if got := importsOf("sql", "schema.sql", "import os\n"); len(got) != 0 {
		t.Fatalf("got %+v, want none", got)
	}
}
