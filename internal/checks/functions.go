package checks

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/ext/tryfunc"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/signalnine/pinchbench/internal/transcript"
)

// maxFileBytes bounds what file() will read from the workspace.
const maxFileBytes = 4 << 20

func functions(root *os.Root, events []transcript.Event) map[string]function.Function {
	fns := map[string]function.Function{
		"abs":           stdlib.AbsoluteFunc,
		"ceil":          stdlib.CeilFunc,
		"floor":         stdlib.FloorFunc,
		"max":           stdlib.MaxFunc,
		"min":           stdlib.MinFunc,
		"chomp":         stdlib.ChompFunc,
		"lower":         stdlib.LowerFunc,
		"upper":         stdlib.UpperFunc,
		"trimspace":     stdlib.TrimSpaceFunc,
		"trimprefix":    stdlib.TrimPrefixFunc,
		"trimsuffix":    stdlib.TrimSuffixFunc,
		"strlen":        stdlib.StrlenFunc,
		"substr":        stdlib.SubstrFunc,
		"split":         stdlib.SplitFunc,
		"join":          stdlib.JoinFunc,
		"replace":       stdlib.ReplaceFunc,
		"format":        stdlib.FormatFunc,
		"regex":         stdlib.RegexFunc,
		"regexall":      stdlib.RegexAllFunc,
		"regex_replace": stdlib.RegexReplaceFunc,
		"jsondecode":    stdlib.JSONDecodeFunc,
		"jsonencode":    stdlib.JSONEncodeFunc,
		"length":        stdlib.LengthFunc,
		"contains":      stdlib.ContainsFunc,
		"concat":        stdlib.ConcatFunc,
		"distinct":      stdlib.DistinctFunc,
		"keys":          stdlib.KeysFunc,
		"lookup":        stdlib.LookupFunc,
		"coalesce":      stdlib.CoalesceFunc,
		"try":           tryfunc.TryFunc,
		"can":           tryfunc.CanFunc,
		"strcontains":   strContainsFunc,
	}

	ws := workspaceFuncs{root: root}
	fns["file_exists"] = ws.fileExists()
	fns["dir_exists"] = ws.dirExists()
	fns["file"] = ws.file()
	fns["glob"] = ws.glob()

	names := transcript.ToolNames(events)
	fns["tool_called"] = toolCalledFunc(names)
	fns["count_tool_calls"] = countToolCallsFunc(names)
	return fns
}

var strContainsFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "str", Type: cty.String},
		{Name: "substr", Type: cty.String},
	},
	Type: function.StaticReturnType(cty.Bool),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		return cty.BoolVal(strings.Contains(args[0].AsString(), args[1].AsString())), nil
	},
})

func toolCalledFunc(names []string) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{{Name: "name", Type: cty.String}},
		Type:   function.StaticReturnType(cty.Bool),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			want := args[0].AsString()
			for _, n := range names {
				if n == want {
					return cty.True, nil
				}
			}
			return cty.False, nil
		},
	})
}

func countToolCallsFunc(names []string) function.Function {
	return function.New(&function.Spec{
		VarParam: &function.Parameter{Name: "names", Type: cty.String},
		Type:     function.StaticReturnType(cty.Number),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			if len(args) == 0 {
				return cty.NumberIntVal(int64(len(names))), nil
			}
			want := make(map[string]bool, len(args))
			for _, a := range args {
				want[a.AsString()] = true
			}
			n := 0
			for _, name := range names {
				if want[name] {
					n++
				}
			}
			return cty.NumberIntVal(int64(n)), nil
		},
	})
}

// workspaceFuncs exposes read-only access to the workspace. Every path goes
// through os.Root, so absolute paths, ".." and symlinks that leave the
// workspace are refused.
type workspaceFuncs struct {
	root *os.Root
}

func (w workspaceFuncs) path(v cty.Value) (string, error) {
	if w.root == nil {
		return "", errors.New("no workspace")
	}
	p := filepath.FromSlash(v.AsString())
	if !filepath.IsLocal(p) {
		return "", fmt.Errorf("path %q is outside the workspace", v.AsString())
	}
	return p, nil
}

func (w workspaceFuncs) stat(v cty.Value) (fs.FileInfo, error) {
	p, err := w.path(v)
	if err != nil {
		return nil, err
	}
	return w.root.Stat(p)
}

func (w workspaceFuncs) fileExists() function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{{Name: "path", Type: cty.String}},
		Type:   function.StaticReturnType(cty.Bool),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			info, err := w.stat(args[0])
			return cty.BoolVal(err == nil && info.Mode().IsRegular()), nil
		},
	})
}

func (w workspaceFuncs) dirExists() function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{{Name: "path", Type: cty.String}},
		Type:   function.StaticReturnType(cty.Bool),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			info, err := w.stat(args[0])
			return cty.BoolVal(err == nil && info.IsDir()), nil
		},
	})
}

func (w workspaceFuncs) file() function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{{Name: "path", Type: cty.String}},
		Type:   function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			p, err := w.path(args[0])
			if err != nil {
				return cty.UnknownVal(cty.String), function.NewArgError(0, err)
			}
			f, err := w.root.Open(p)
			if err != nil {
				return cty.UnknownVal(cty.String), function.NewArgError(0, err)
			}
			defer f.Close()
			data, err := io.ReadAll(io.LimitReader(f, maxFileBytes+1))
			if err != nil {
				return cty.UnknownVal(cty.String), fmt.Errorf("reading %s: %w", args[0].AsString(), err)
			}
			if len(data) > maxFileBytes {
				return cty.UnknownVal(cty.String), fmt.Errorf("%s is larger than %d bytes", args[0].AsString(), maxFileBytes)
			}
			return cty.StringVal(strings.ToValidUTF8(string(data), "�")), nil
		},
	})
}

func (w workspaceFuncs) glob() function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{{Name: "pattern", Type: cty.String}},
		Type:   function.StaticReturnType(cty.List(cty.String)),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			if w.root == nil {
				return cty.UnknownVal(cty.List(cty.String)), errors.New("no workspace")
			}
			pattern := args[0].AsString()
			if !fs.ValidPath(strings.TrimPrefix(pattern, "./")) {
				return cty.UnknownVal(cty.List(cty.String)), function.NewArgError(0, fmt.Errorf("pattern %q is outside the workspace", pattern))
			}
			matches, err := fs.Glob(w.root.FS(), strings.TrimPrefix(pattern, "./"))
			if err != nil {
				return cty.UnknownVal(cty.List(cty.String)), function.NewArgError(0, err)
			}
			if len(matches) == 0 {
				return cty.ListValEmpty(cty.String), nil
			}
			vals := make([]cty.Value, len(matches))
			for i, m := range matches {
				vals[i] = cty.StringVal(m)
			}
			return cty.ListVal(vals), nil
		},
	})
}
