package evolution

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/bash"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"

	"overdrive/internal/types"
)

// Learnability gates. Code shorter than the floor is a throwaway
// snippet; code above the cap is a project, not a tool.
const (
	minToolLines = 5
	maxToolLines = 500
)

// generatedMarkers flag output that must not be learned as a reusable
// tool: machine-stamped headers and unfilled template placeholders.
var generatedMarkers = []string{
	"@generated",
	"do not edit",
	"auto-generated",
	"autogenerated",
	"your code here",
	"implementation goes here",
}

// functionNodeTypes lists the grammar node types that count as a
// function-like construct per language.
var functionNodeTypes = map[types.ToolLanguage]map[string]bool{
	types.ToolPython: {
		"function_definition": true,
	},
	types.ToolNodeJS: {
		"function_declaration":           true,
		"function_expression":            true,
		"function":                       true,
		"arrow_function":                 true,
		"method_definition":              true,
		"generator_function":             true,
		"generator_function_declaration": true,
	},
	types.ToolBash: {
		"function_definition": true,
	},
}

// CheckQuality applies the learnability gates to candidate tool code:
// no generated/placeholder markers, 5-500 non-empty lines, and at least
// one function-like construct in the parse tree.
func CheckQuality(ctx context.Context, code string, language types.ToolLanguage) error {
	lower := strings.ToLower(code)
	for _, m := range generatedMarkers {
		if strings.Contains(lower, m) {
			return fmt.Errorf("evolution: quality gate: code carries marker %q", m)
		}
	}

	lines := nonEmptyLines(code)
	if lines < minToolLines {
		return fmt.Errorf("evolution: quality gate: %d non-empty lines, floor is %d", lines, minToolLines)
	}
	if lines > maxToolLines {
		return fmt.Errorf("evolution: quality gate: %d non-empty lines, cap is %d", lines, maxToolLines)
	}

	ok, err := hasFunction(ctx, code, language)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("evolution: quality gate: no function-like construct in %s code", language)
	}
	return nil
}

func nonEmptyLines(code string) int {
	n := 0
	for _, line := range strings.Split(code, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}

func grammarFor(language types.ToolLanguage) (*sitter.Language, error) {
	switch language {
	case types.ToolPython:
		return python.GetLanguage(), nil
	case types.ToolNodeJS:
		return javascript.GetLanguage(), nil
	case types.ToolBash:
		return bash.GetLanguage(), nil
	default:
		return nil, fmt.Errorf("evolution: no grammar for language %q", language)
	}
}

// hasFunction parses the code with the language's tree-sitter grammar
// and reports whether any function-like node appears.
func hasFunction(ctx context.Context, code string, language types.ToolLanguage) (bool, error) {
	lang, err := grammarFor(language)
	if err != nil {
		return false, err
	}
	parser := sitter.NewParser()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, []byte(code))
	if err != nil {
		return false, fmt.Errorf("evolution: parse %s code: %w", language, err)
	}
	defer tree.Close()

	return containsNodeType(tree.RootNode(), functionNodeTypes[language]), nil
}

func containsNodeType(node *sitter.Node, wanted map[string]bool) bool {
	if node == nil {
		return false
	}
	if wanted[node.Type()] {
		return true
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		if containsNodeType(node.NamedChild(i), wanted) {
			return true
		}
	}
	return false
}
