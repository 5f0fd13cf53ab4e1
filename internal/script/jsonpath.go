package script

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/theory/jsonpath"

	"serveml/internal/product"
)

// jsonpathValidator passes when every query selects at least one node of
// the argument object. Queries are one per line; blank lines and lines
// starting with '#' are skipped.
type jsonpathValidator struct {
	paths []*jsonpath.Path
}

func newJSONPathValidator(source string) (*jsonpathValidator, error) {
	var paths []*jsonpath.Path
	for n, line := range strings.Split(source, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p, err := jsonpath.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
		paths = append(paths, p)
	}
	if len(paths) == 0 {
		return nil, errors.New("no queries")
	}
	return &jsonpathValidator{paths: paths}, nil
}

func (v *jsonpathValidator) Test(ctx context.Context, args product.Args) (ok bool, err error) {
	defer recoverError(&err)
	if err := ctx.Err(); err != nil {
		return false, err
	}
	input := map[string]any(args)
	if input == nil {
		input = map[string]any{}
	}
	for _, p := range v.paths {
		if len(p.Select(input)) == 0 {
			return false, nil
		}
	}
	return true, nil
}
