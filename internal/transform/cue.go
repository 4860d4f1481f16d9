package transform

import (
	"context"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/MarcoPoloResearchLab/mysql-sync/internal/hub"
)

// compileCUETransformer loads a declarative transformer. The file is
// compiled once; each call unifies it with the entity and the (source,
// target) pair and extracts the rewritten row:
//
//	input:  _
//	source: string
//	target: string
//	output: {
//		id:   input.id
//		name: "\(input.name) (via \(source))"
//	}
//
// A null output drops the entity.
func compileCUETransformer(path string) (Func, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("transformer %s: %w", path, err)
	}

	cueContext := cuecontext.New()
	base := cueContext.CompileBytes(data, cue.Filename(path))
	if err := base.Err(); err != nil {
		return nil, fmt.Errorf("transformer %s: %w", path, err)
	}

	return func(_ context.Context, call *Context) (hub.Row, error) {
		filled := base.
			FillPath(cue.ParsePath("input"), map[string]any(call.Entity)).
			FillPath(cue.ParsePath("source"), call.Source).
			FillPath(cue.ParsePath("target"), call.Target)
		if err := filled.Err(); err != nil {
			return nil, fmt.Errorf("transformer %s: %w", path, err)
		}

		output := filled.LookupPath(cue.ParsePath("output"))
		if !output.Exists() {
			return nil, fmt.Errorf("transformer %s: no output value", path)
		}
		if output.Null() == nil {
			return nil, nil
		}
		var row map[string]any
		if err := output.Decode(&row); err != nil {
			return nil, fmt.Errorf("transformer %s: decode output: %w", path, err)
		}
		return row, nil
	}, nil
}
