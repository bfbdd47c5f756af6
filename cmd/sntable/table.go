package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/RaikaSurendra/servicenow-table-client/internal/servicenow"
)

// queryFlags are the read options shared by list, get and get-by-number.
type queryFlags struct {
	params []string
	fields []string
	query  string
	limit  int
}

func (f *queryFlags) register(cmd *cobra.Command, withQuery bool) {
	cmd.Flags().StringArrayVar(&f.params, "param", nil, "query parameter key=value, sent verbatim (repeatable, order kept)")
	cmd.Flags().StringSliceVar(&f.fields, "fields", nil, "comma separated fields to return (sysparm_fields)")
	if withQuery {
		cmd.Flags().StringVarP(&f.query, "query", "q", "", "encoded query (sysparm_query), percent-encoded on the wire")
		cmd.Flags().IntVar(&f.limit, "limit", 0, "page size (sysparm_limit); every page is fetched")
	}
}

func (f *queryFlags) options() ([]servicenow.CallOption, error) {
	var opts []servicenow.CallOption
	for _, p := range f.params {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", p)
		}
		opts = append(opts, servicenow.Param(k, v))
	}
	if len(f.fields) > 0 {
		opts = append(opts, servicenow.Fields(f.fields...))
	}
	if f.query != "" {
		opts = append(opts, servicenow.EscapedParam("sysparm_query", f.query))
	}
	if f.limit > 0 {
		opts = append(opts, servicenow.Limit(f.limit))
	}
	return opts, nil
}

// runTable resolves the table client and call options, runs op and renders
// its result.
func (a *app) runTable(cmd *cobra.Command, table string, extra []servicenow.CallOption,
	op func(t *servicenow.Table, opts []servicenow.CallOption) (any, error)) error {
	inst, err := a.instance()
	if err != nil {
		return err
	}
	r, err := a.renderer(cmd)
	if err != nil {
		return err
	}
	opts := append(a.callOptions(), extra...)

	result, err := op(inst.Table(table), opts)
	if err != nil {
		return describe(err)
	}
	if raw, ok := result.([]byte); ok {
		return r.Raw(raw)
	}
	return r.Render(result)
}

// describe turns a StatusCodeError into a one-line CLI message.
func describe(err error) error {
	var sce *servicenow.StatusCodeError
	if !errors.As(err, &sce) {
		return err
	}
	msg := fmt.Sprintf("%d: %s", sce.StatusCode, sce.Message)
	if sce.Detail != nil && *sce.Detail != "" {
		msg += " (" + *sce.Detail + ")"
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func newListCommand(a *app) *cobra.Command {
	var qf queryFlags
	cmd := &cobra.Command{
		Use:   "list <table>",
		Short: "List records, following every page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := qf.options()
			if err != nil {
				return err
			}
			return a.runTable(cmd, args[0], opts, func(t *servicenow.Table, opts []servicenow.CallOption) (any, error) {
				return t.List(cmd.Context(), opts...)
			})
		},
	}
	qf.register(cmd, true)
	return cmd
}

func newGetCommand(a *app) *cobra.Command {
	var qf queryFlags
	cmd := &cobra.Command{
		Use:   "get <table> <sys_id>",
		Short: "Get one record by sys_id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := qf.options()
			if err != nil {
				return err
			}
			return a.runTable(cmd, args[0], opts, func(t *servicenow.Table, opts []servicenow.CallOption) (any, error) {
				return t.Get(cmd.Context(), args[1], opts...)
			})
		},
	}
	qf.register(cmd, false)
	return cmd
}

func newGetByNumberCommand(a *app) *cobra.Command {
	var qf queryFlags
	cmd := &cobra.Command{
		Use:   "get-by-number <table> <number>",
		Short: "Get the records with the given number",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := qf.options()
			if err != nil {
				return err
			}
			return a.runTable(cmd, args[0], opts, func(t *servicenow.Table, opts []servicenow.CallOption) (any, error) {
				return t.GetByNumber(cmd.Context(), args[1], opts...)
			})
		},
	}
	qf.register(cmd, false)
	return cmd
}

// readData parses --data: inline JSON, @file, or @- for stdin.
func readData(cmd *cobra.Command, data string) (map[string]any, error) {
	if data == "" {
		return nil, errors.New("--data is required")
	}
	raw := []byte(data)
	if path, ok := strings.CutPrefix(data, "@"); ok {
		var err error
		if path == "-" {
			raw, err = io.ReadAll(cmd.InOrStdin())
		} else {
			raw, err = os.ReadFile(path)
		}
		if err != nil {
			return nil, fmt.Errorf("reading --data: %w", err)
		}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("--data must be a JSON object: %w", err)
	}
	return out, nil
}

func newCreateCommand(a *app) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "create <table>",
		Short: "Create a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readData(cmd, data)
			if err != nil {
				return err
			}
			return a.runTable(cmd, args[0], nil, func(t *servicenow.Table, opts []servicenow.CallOption) (any, error) {
				return t.Create(cmd.Context(), body, opts...)
			})
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "record JSON, @file or @- for stdin")
	return cmd
}

// newUpdateCommand builds update (PATCH) or, with replace, replace (PUT).
func newUpdateCommand(a *app, replace bool) *cobra.Command {
	var data string
	use, short := "update", "Update fields of a record"
	if replace {
		use, short = "replace", "Replace a record"
	}
	cmd := &cobra.Command{
		Use:   use + " <table> <sys_id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readData(cmd, data)
			if err != nil {
				return err
			}
			return a.runTable(cmd, args[0], nil, func(t *servicenow.Table, opts []servicenow.CallOption) (any, error) {
				if replace {
					return t.Replace(cmd.Context(), args[1], body, opts...)
				}
				return t.Update(cmd.Context(), args[1], body, opts...)
			})
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "record JSON, @file or @- for stdin")
	return cmd
}

func newDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <table> <sys_id>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTable(cmd, args[0], nil, func(t *servicenow.Table, opts []servicenow.CallOption) (any, error) {
				return t.Delete(cmd.Context(), args[1], opts...)
			})
		},
	}
}
