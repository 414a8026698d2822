// Package schema validates row payloads against CUE table definitions
// before they are queued.
//
// A schema file declares one struct per table under "tables":
//
//	tables: students: close({
//		name:      string & !=""
//		points:    int & >=0 & <=100
//		class_id?: string
//	})
//
// The id column is canonicalized before validation and is never checked
// here, so definitions describe the other columns only. CREATE payloads
// must make every required field concrete; UPDATE payloads are partial
// and only the fields present are checked. DELETE is not validated.
//
// A write the backend would refuse blocks the queue until it is
// discarded, so catching malformed payloads here keeps them out.
package schema

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/rollbook/internal/ir"
)

// ErrUnknownTable is returned for operations on a table the schema does
// not declare.
var ErrUnknownTable = errors.New("unknown table")

// ValidationError is a payload that does not satisfy its table definition.
type ValidationError struct {
	Table   string
	Action  ir.Action
	Field   string // dotted path inside the row, empty if not known
	Message string
	Pos     token.Pos // position in the schema file, if known
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Action, e.Table)
	if e.Field != "" {
		fmt.Fprintf(&b, ".%s", e.Field)
	}
	fmt.Fprintf(&b, ": %s", e.Message)
	if e.Pos.IsValid() {
		fmt.Fprintf(&b, " (%s:%d)", e.Pos.Filename(), e.Pos.Line())
	}
	return b.String()
}

// Schema is a compiled set of table definitions. It is immutable and safe
// for concurrent use.
type Schema struct {
	ctx    *cue.Context
	tables map[string]cue.Value
}

// Load compiles a schema from a .cue file or from a directory holding one
// CUE package.
func Load(path string) (*Schema, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}

	ctx := cuecontext.New()
	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("schema: %w", err)
		}
		return build(ctx, ctx.CompileBytes(data, cue.Filename(path)))
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: path})
	if len(instances) == 0 {
		return nil, fmt.Errorf("schema: no CUE instances in %s", path)
	}
	if err := instances[0].Err; err != nil {
		return nil, fmt.Errorf("schema: loading %s: %w", path, err)
	}
	return build(ctx, ctx.BuildInstance(instances[0]))
}

// Compile builds a schema from source text. filename is used in error
// positions only.
func Compile(filename, src string) (*Schema, error) {
	ctx := cuecontext.New()
	return build(ctx, ctx.CompileString(src, cue.Filename(filename)))
}

func build(ctx *cue.Context, root cue.Value) (*Schema, error) {
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("schema: %w", firstError(err))
	}

	tablesVal := root.LookupPath(cue.ParsePath("tables"))
	if !tablesVal.Exists() {
		return nil, errors.New("schema: no tables declared")
	}

	iter, err := tablesVal.Fields()
	if err != nil {
		return nil, fmt.Errorf("schema: tables: %w", firstError(err))
	}

	s := &Schema{ctx: ctx, tables: make(map[string]cue.Value)}
	for iter.Next() {
		def := iter.Value()
		if def.IncompleteKind() != cue.StructKind {
			return nil, fmt.Errorf("schema: table %q must be a struct, got %v", iter.Label(), def.IncompleteKind())
		}
		s.tables[iter.Label()] = def
	}
	return s, nil
}

// Tables returns the declared table names, sorted.
func (s *Schema) Tables() []string {
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Has reports whether table is declared.
func (s *Schema) Has(table string) bool {
	_, ok := s.tables[table]
	return ok
}

// Validate checks op's payload against its table definition.
// A nil Schema accepts everything.
func (s *Schema) Validate(op ir.PendingOperation) error {
	if s == nil {
		return nil
	}
	def, ok := s.tables[op.Table]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTable, op.Table)
	}
	if op.Action == ir.ActionDelete {
		return nil
	}

	fields := make(map[string]any, len(op.Payload))
	for k, v := range op.Payload {
		if k == ir.IDField {
			continue
		}
		fields[k] = ir.ToAny(v)
	}

	unified := def.Unify(s.ctx.Encode(fields))

	var opts []cue.Option
	if op.Action == ir.ActionCreate {
		opts = append(opts, cue.Concrete(true))
	}
	if err := unified.Validate(opts...); err != nil {
		return toValidationError(op, def.Path().String(), err)
	}
	return nil
}

func toValidationError(op ir.PendingOperation, prefix string, err error) error {
	ve := &ValidationError{Table: op.Table, Action: op.Action, Message: err.Error()}

	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return ve
	}
	first := errs[0]
	// Error paths are rooted at the schema file; report them per row.
	ve.Field = strings.TrimPrefix(strings.Join(first.Path(), "."), prefix)
	ve.Field = strings.TrimPrefix(ve.Field, ".")
	format, args := first.Msg()
	ve.Message = fmt.Sprintf(format, args...)
	if pos := cueerrors.Positions(first); len(pos) > 0 {
		ve.Pos = pos[0]
	}
	return ve
}

// firstError reduces a CUE error list to its first entry.
func firstError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	return errs[0]
}
