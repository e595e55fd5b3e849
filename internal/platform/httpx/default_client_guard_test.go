package httpx

import (
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Outbound calls go through NewClient so every client has timeouts.
func TestNoSharedDefaultClients(t *testing.T) {
	repoRoot := filepath.Clean(filepath.Join("..", "..", ".."))
	banned := map[string]bool{"DefaultClient": true, "DefaultTransport": true}

	var violations []string
	fset := token.NewFileSet()
	for _, root := range []string{filepath.Join(repoRoot, "internal"), filepath.Join(repoRoot, "cmd")} {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			file, err := parser.ParseFile(fset, path, nil, 0)
			if err != nil {
				return err
			}
			ast.Inspect(file, func(n ast.Node) bool {
				sel, ok := n.(*ast.SelectorExpr)
				if !ok {
					return true
				}
				if ident, ok := sel.X.(*ast.Ident); ok && ident.Name == "http" && banned[sel.Sel.Name] {
					violations = append(violations, fset.Position(sel.Pos()).String()+" http."+sel.Sel.Name)
				}
				return true
			})
			return nil
		})
		require.NoError(t, err, "scan %s", root)
	}

	sort.Strings(violations)
	require.Empty(t, violations, "use httpx.NewClient instead:\n%s", strings.Join(violations, "\n"))
}
