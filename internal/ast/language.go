package ast

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Language identifies a source language with a registered adapter.
type Language string

const (
	JavaScript Language = "javascript"
	TypeScript Language = "typescript"
	Java       Language = "java"
	Python     Language = "python"
	Go         Language = "go"
)

// Languages lists every supported language in a stable order.
var Languages = []Language{JavaScript, TypeScript, Java, Python, Go}

// String implements fmt.Stringer.
func (l Language) String() string { return string(l) }

var languageAliases = map[string]Language{
	"javascript": JavaScript,
	"js":         JavaScript,
	"typescript": TypeScript,
	"ts":         TypeScript,
	"java":       Java,
	"python":     Python,
	"py":         Python,
	"go":         Go,
	"golang":     Go,
}

// ParseLanguage resolves a language name or alias, case-insensitively.
func ParseLanguage(s string) (Language, error) {
	if l, ok := languageAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l, nil
	}
	return "", fmt.Errorf("unsupported language %q", s)
}

var extensions = map[string]Language{
	".js":   JavaScript,
	".jsx":  JavaScript,
	".mjs":  JavaScript,
	".cjs":  JavaScript,
	".ts":   TypeScript,
	".mts":  TypeScript,
	".java": Java,
	".py":   Python,
	".go":   Go,
}

// DetectLanguage picks a language from the file extension.
func DetectLanguage(path string) (Language, bool) {
	l, ok := extensions[strings.ToLower(filepath.Ext(path))]
	return l, ok
}
