package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/wsdb/internal/celfilter"
	"github.com/roach88/wsdb/internal/core"
)

// FindOptions holds flags for the find command.
type FindOptions struct {
	*RootOptions
	Class   string
	Filters []string // field=value
	Sort    []string // field[:asc|:desc]
	Limit   int
	Where   string // CEL predicate
}

// FindOutput is the output of the find command.
type FindOutput struct {
	Class string        `json:"class"`
	Total int           `json:"total"`
	Docs  []core.Object `json:"docs"`
}

// NewFindCommand creates the find command.
func NewFindCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FindOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "find",
		Short: "Find documents of a class",
		Long: `Find documents of a class or any of its subclasses.

--filter matches a field by equality; the value is parsed as a YAML scalar,
so rank=3 matches the integer 3 and done=true the boolean. --sort takes
field or field:desc and may be repeated. --where narrows the result with a
CEL predicate over the variable doc before the limit is applied.

Examples:
  wsdb find --class task:class:Task
  wsdb find --class task:class:Task --filter space=sp1 --sort rank:desc --limit 10
  wsdb find --class task:class:Task --where 'doc.rank > 3'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFind(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Class, "class", "", "class to search (required)")
	_ = cmd.MarkFlagRequired("class")
	cmd.Flags().StringArrayVar(&opts.Filters, "filter", nil, "equality filter field=value (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Sort, "sort", nil, "sort key field[:desc] (repeatable)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of documents (0 = unlimited)")
	cmd.Flags().StringVar(&opts.Where, "where", "", "CEL predicate over doc")

	return cmd
}

func runFind(ctx context.Context, opts *FindOptions, w io.Writer) error {
	ctx = contextOrBackground(ctx)

	filter, err := parseFilters(opts.Filters)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --filter", err)
	}
	sortKeys, err := parseSortKeys(opts.Sort)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --sort", err)
	}
	if opts.Limit < 0 {
		return NewExitError(ExitCommandError, "--limit must be non-negative")
	}
	var where *celfilter.Filter
	if opts.Where != "" {
		if where, err = celfilter.New(opts.Where); err != nil {
			return WrapExitError(ExitCommandError, "invalid --where", err)
		}
	}

	if _, err := requireWorkspace(opts.RootOptions); err != nil {
		return err
	}
	ws, err := openWorkspace(ctx, opts.RootOptions)
	if err != nil {
		return err
	}

	findOpts := &core.FindOptions{Sort: sortKeys, Limit: opts.Limit}
	if where != nil {
		// The limit applies after the predicate.
		findOpts.Limit = 0
	}
	res, err := ws.FindAll(ctx, core.Ref(opts.Class), filter, findOpts)
	if err != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("find %s", opts.Class), err)
	}
	if where != nil {
		docs, err := where.Apply(res.Docs)
		if err != nil {
			return WrapExitError(ExitFailure, "evaluate --where", err)
		}
		res.Total = len(docs)
		if opts.Limit > 0 && len(docs) > opts.Limit {
			docs = docs[:opts.Limit]
		}
		res.Docs = docs
	}

	out := FindOutput{Class: opts.Class, Total: res.Total, Docs: make([]core.Object, 0, len(res.Docs))}
	for i := range res.Docs {
		out.Docs = append(out.Docs, res.Docs[i].Canonical())
	}
	return respond(opts.RootOptions, w, out, func(w io.Writer) error {
		for _, doc := range out.Docs {
			line, err := core.MarshalCanonical(doc)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, string(line))
		}
		opts.logger().Debug("find", "class", opts.Class, "returned", len(out.Docs), "total", out.Total)
		fmt.Fprintf(w, "%d of %d document(s)\n", len(out.Docs), out.Total)
		return nil
	})
}

// parseFilters turns field=value pairs into an equality filter. Values are
// YAML scalars.
func parseFilters(pairs []string) (core.Object, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	filter := make(core.Object, len(pairs))
	for _, pair := range pairs {
		field, raw, ok := strings.Cut(pair, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("%q: expected field=value", pair)
		}
		var native any
		if err := yaml.Unmarshal([]byte(raw), &native); err != nil {
			return nil, fmt.Errorf("%q: %w", pair, err)
		}
		v, err := core.ValueOf(native)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", pair, err)
		}
		filter[field] = v
	}
	return filter, nil
}

// parseSortKeys parses field, field:asc and field:desc.
func parseSortKeys(specs []string) ([]core.SortKey, error) {
	keys := make([]core.SortKey, 0, len(specs))
	for _, spec := range specs {
		field, order, _ := strings.Cut(spec, ":")
		if field == "" {
			return nil, fmt.Errorf("%q: field is empty", spec)
		}
		key := core.SortKey{Field: field, Order: core.Ascending}
		switch strings.ToLower(order) {
		case "", "asc":
		case "desc":
			key.Order = core.Descending
		default:
			return nil, fmt.Errorf("%q: unknown order %q", spec, order)
		}
		keys = append(keys, key)
	}
	return keys, nil
}
