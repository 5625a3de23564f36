package roles

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"gameforge/pkg/gamekit"
)

// forbiddenModules may not be imported by a candidate.
var forbiddenModules = map[string]bool{
	"subprocess":      true,
	"socket":          true,
	"multiprocessing": true,
	"ctypes":          true,
	"urllib":          true,
	"http":            true,
	"requests":        true,
	"shutil":          true,
}

// forbiddenCalls are call targets rejected wherever they appear.
var forbiddenCalls = map[string]bool{
	"os.system":  true,
	"os.popen":   true,
	"os.fork":    true,
	"os.kill":    true,
	"exec":       true,
	"eval":       true,
	"__import__": true,
}

// minParams is the minimum positional parameter count per entry point.
var minParams = map[string]int{
	gamekit.EntryUpdate:      1,
	gamekit.EntryHandleInput: 1,
}

// TreeSitterReviewer checks Python candidates without running them: syntax,
// the entry-point contract, banned imports and calls, and import-time loops.
type TreeSitterReviewer struct {
	lang *sitter.Language
}

func NewTreeSitterReviewer() *TreeSitterReviewer {
	return &TreeSitterReviewer{lang: python.GetLanguage()}
}

func (r *TreeSitterReviewer) Review(ctx context.Context, source string) (Verdict, error) {
	content := []byte(source)
	parser := sitter.NewParser()
	parser.SetLanguage(r.lang)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to parse candidate: %w", err)
	}
	defer tree.Close()
	root := tree.RootNode()

	var rejections []Rejection
	if root.HasError() {
		collectSyntaxErrors(root, content, &rejections)
		if len(rejections) > 0 {
			return Reject(rejections...), nil
		}
	}

	rejections = append(rejections, checkEntryPoints(root, content)...)
	rejections = append(rejections, checkModuleLoops(root)...)
	walk(root, func(n *sitter.Node) {
		switch n.Type() {
		case "import_statement", "import_from_statement":
			for _, mod := range importedModules(n, content) {
				top, _, _ := strings.Cut(mod, ".")
				if forbiddenModules[top] {
					rejections = append(rejections, Rejection{
						Construct: "import " + mod,
						Reason:    "module is not allowed in the sandbox",
						Line:      line(n),
					})
				}
			}
		case "call":
			if fn := n.ChildByFieldName("function"); fn != nil && forbiddenCalls[fn.Content(content)] {
				rejections = append(rejections, Rejection{
					Construct: fn.Content(content) + "(...)",
					Reason:    "call is not allowed in the sandbox",
					Line:      line(n),
				})
			}
		}
	})

	if len(rejections) > 0 {
		return Reject(rejections...), nil
	}
	return Approve(), nil
}

func line(n *sitter.Node) int {
	return int(n.StartPoint().Row) + 1
}

func walk(n *sitter.Node, fn func(*sitter.Node)) {
	fn(n)
	for i := 0; i < int(n.NamedChildCount()); i++ {
		walk(n.NamedChild(i), fn)
	}
}

func collectSyntaxErrors(n *sitter.Node, content []byte, out *[]Rejection) {
	if n.IsError() || n.IsMissing() {
		snippet := n.Content(content)
		if len(snippet) > 40 {
			snippet = snippet[:40] + "..."
		}
		reason := "syntax error near `" + strings.TrimSpace(snippet) + "`"
		if n.IsMissing() {
			reason = "missing " + n.Type()
		}
		*out = append(*out, Rejection{Construct: "syntax", Reason: reason, Line: line(n)})
		return
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		collectSyntaxErrors(n.Child(i), content, out)
	}
}

// checkEntryPoints verifies every contract function is defined at module level.
func checkEntryPoints(root *sitter.Node, content []byte) []Rejection {
	defined := map[string]int{}
	for i := 0; i < int(root.NamedChildCount()); i++ {
		def := root.NamedChild(i)
		if def.Type() == "decorated_definition" {
			def = def.ChildByFieldName("definition")
		}
		if def == nil || def.Type() != "function_definition" {
			continue
		}
		name := def.ChildByFieldName("name")
		params := def.ChildByFieldName("parameters")
		if name == nil {
			continue
		}
		n := 0
		if params != nil {
			n = int(params.NamedChildCount())
		}
		defined[name.Content(content)] = n
	}

	var out []Rejection
	for _, ep := range gamekit.Contract {
		n, ok := defined[ep.Name]
		sig := fmt.Sprintf("def %s(%s)", ep.Name, strings.Join(ep.Params, ", "))
		switch {
		case !ok:
			out = append(out, Rejection{Construct: sig, Reason: "required entry point is not defined at module level"})
		case n < minParams[ep.Name]:
			out = append(out, Rejection{Construct: sig, Reason: fmt.Sprintf("takes %d parameter(s), needs %d", n, minParams[ep.Name])})
		}
	}
	return out
}

// checkModuleLoops rejects loops that would run at import time.
func checkModuleLoops(root *sitter.Node) []Rejection {
	var out []Rejection
	for i := 0; i < int(root.NamedChildCount()); i++ {
		n := root.NamedChild(i)
		if n.Type() == "while_statement" {
			out = append(out, Rejection{
				Construct: "module-level while loop",
				Reason:    "the harness drives frames; the game must not loop at import time",
				Line:      line(n),
			})
		}
	}
	return out
}

func importedModules(n *sitter.Node, content []byte) []string {
	if n.Type() == "import_from_statement" {
		if m := n.ChildByFieldName("module_name"); m != nil {
			return []string{m.Content(content)}
		}
		return nil
	}
	var mods []string
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		switch c.Type() {
		case "dotted_name":
			mods = append(mods, c.Content(content))
		case "aliased_import":
			if name := c.ChildByFieldName("name"); name != nil {
				mods = append(mods, name.Content(content))
			}
		}
	}
	return mods
}
