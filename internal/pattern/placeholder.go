package pattern

import (
	"strings"

	"github.com/xkilldash9x/scalpel-sast/internal/ast"
)

// Placeholder identifiers substituted into pattern text before parsing. They are
// valid identifiers in every supported grammar, so a pattern parses like ordinary code.
const (
	metavarPrefix = "__mv_"
	capturePrefix = "__mvs_"
	ellipsisToken = "__ellipsis__"
	anonymousName = "$_"
)

// PlaceholderKind classifies a pattern leaf.
type PlaceholderKind int

const (
	NotPlaceholder PlaceholderKind = iota
	// Metavariable binds exactly one node ($X).
	Metavariable
	// Anonymous matches one node without binding ($_).
	Anonymous
	// EllipsisAny matches any run of siblings (...).
	EllipsisAny
	// EllipsisCapture matches a run of siblings and binds it ($...X).
	EllipsisCapture
)

// Classify inspects a pattern node. Only leaves can be placeholders; the returned
// name keeps its $ prefix ("$X", "$...X").
func Classify(n ast.Node) (PlaceholderKind, string) {
	if len(n.Children()) != 0 {
		return NotPlaceholder, ""
	}
	text := n.Text()
	if !strings.HasPrefix(text, "__") {
		return NotPlaceholder, ""
	}
	switch {
	case text == ellipsisToken:
		return EllipsisAny, ""
	case strings.HasPrefix(text, capturePrefix):
		return EllipsisCapture, "$..." + text[len(capturePrefix):]
	case text == metavarPrefix+"_":
		return Anonymous, anonymousName
	case strings.HasPrefix(text, metavarPrefix):
		return Metavariable, "$" + text[len(metavarPrefix):]
	}
	return NotPlaceholder, ""
}

// IsEllipsis reports whether a node stands for a run of siblings: either the
// placeholder itself or a statement wrapping nothing but the placeholder.
func IsEllipsis(n ast.Node) (bool, string) {
	for {
		kind, name := Classify(n)
		switch kind {
		case EllipsisAny:
			return true, ""
		case EllipsisCapture:
			return true, name
		}
		children := n.Children()
		if len(children) != 1 || n.Kind() != ast.KindStatement {
			return false, ""
		}
		n = children[0]
	}
}

// rewrite substitutes placeholders for metavariables and ellipses. With terminate
// set, a "..." standing alone as a statement gets a trailing ';' so that languages
// with statement terminators accept it.
func rewrite(text string, terminate bool) string {
	var out strings.Builder
	for i := 0; i < len(text); {
		switch {
		case text[i] == '$' && strings.HasPrefix(text[i+1:], "...") && i+4 < len(text) && isMetaStart(text[i+4]):
			j := i + 4
			for j < len(text) && isMetaByte(text[j]) {
				j++
			}
			out.WriteString(capturePrefix + text[i+4:j])
			i = j

		case text[i] == '$' && i+1 < len(text) && isMetaStart(text[i+1]):
			j := i + 1
			for j < len(text) && isMetaByte(text[j]) {
				j++
			}
			out.WriteString(metavarPrefix + text[i+1:j])
			i = j

		case strings.HasPrefix(text[i:], "...") && (i+3 >= len(text) || !isIdentByte(text[i+3])):
			out.WriteString(ellipsisToken)
			if terminate && standaloneStatement(out.String()[:out.Len()-len(ellipsisToken)], text[i+3:]) {
				out.WriteByte(';')
			}
			i += 3

		default:
			out.WriteByte(text[i])
			i++
		}
	}
	return out.String()
}

// standaloneStatement decides whether an ellipsis sits in statement position,
// judging by the nearest non-space characters around it.
func standaloneStatement(before, after string) bool {
	rest := strings.TrimLeft(after, " \t")
	next := strings.TrimLeft(rest, " \t\r\n")
	if next != "" && strings.IndexByte(";),]", next[0]) >= 0 {
		return false
	}
	ownLine := rest == "" || rest[0] == '\n' || rest[0] == '\r'
	if !ownLine && rest[0] != '}' {
		return false
	}

	prev := strings.TrimRight(before, " \t\r\n")
	if prev == "" {
		return true
	}
	switch last := prev[len(prev)-1]; {
	case last == '{' || last == ';' || last == '}':
		return true
	case last == ')' || last == ']' || last == '"' || last == '\'' || isIdentByte(last):
		// A previous statement without its terminator, on an earlier line.
		return ownLine && strings.ContainsAny(before[len(prev):], "\n")
	}
	return false
}

func isMetaStart(b byte) bool { return b == '_' || (b >= 'A' && b <= 'Z') }

func isMetaByte(b byte) bool { return isMetaStart(b) || (b >= '0' && b <= '9') }

func isIdentByte(b byte) bool {
	return b == '_' || b == '$' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// terminated lists languages whose statements may end with ';'.
func terminated(lang ast.Language) bool {
	return lang != ast.Python
}
