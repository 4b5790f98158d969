package scan

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
)

// Identifiers untrusted operator source may never mention. The sandbox
// grants a minimal built-in surface only; anything that could open a
// file, spawn a process, touch the network, cross into native code, or
// evaluate code dynamically is refused before the child process exists.
var forbiddenIdents = map[string]struct{}{
	"os":      {},
	"exec":    {},
	"syscall": {},
	"net":     {},
	"http":    {},
	"tls":     {},
	"unsafe":  {},
	"plugin":  {},
	"reflect": {},
	"cgo":     {},
	"ioutil":  {},
	"eval":    {},
	"open":    {},
}

// ScanSource statically vets untrusted operator source before the
// isolated tier runs it. The source must be import-free and must not
// reference forbidden names or spawn concurrent work the sandbox cannot
// reap.
func ScanSource(src string) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "operator.go", src, 0)
	if err != nil {
		return &SecurityViolation{
			Kind:     ForbiddenConstruct,
			Location: "operator source",
			Detail:   fmt.Sprintf("unparseable source: %v", err),
		}
	}

	if len(file.Imports) > 0 {
		imp := file.Imports[0]
		return &SecurityViolation{
			Kind:     ForbiddenImport,
			Location: fset.Position(imp.Pos()).String(),
			Detail:   fmt.Sprintf("imports are not permitted in operator source (found %s)", imp.Path.Value),
		}
	}

	var violation *SecurityViolation
	ast.Inspect(file, func(n ast.Node) bool {
		if violation != nil {
			return false
		}
		switch node := n.(type) {
		case *ast.Ident:
			if _, bad := forbiddenIdents[node.Name]; bad {
				violation = &SecurityViolation{
					Kind:     ForbiddenReference,
					Location: fset.Position(node.Pos()).String(),
					Detail:   fmt.Sprintf("reference to forbidden name %q", node.Name),
				}
				return false
			}
		case *ast.GoStmt:
			violation = &SecurityViolation{
				Kind:     ForbiddenConstruct,
				Location: fset.Position(node.Pos()).String(),
				Detail:   "goroutine spawns are not permitted in operator source",
			}
			return false
		case *ast.SelectStmt:
			violation = &SecurityViolation{
				Kind:     ForbiddenConstruct,
				Location: fset.Position(node.Pos()).String(),
				Detail:   "channel selection is not permitted in operator source",
			}
			return false
		}
		return true
	})
	if violation != nil {
		return violation
	}
	return nil
}
