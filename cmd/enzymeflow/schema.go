package main

import (
	"sort"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/BaSui01/enzymeflow/manifest"
	"github.com/BaSui01/enzymeflow/threads"
	"github.com/BaSui01/enzymeflow/types"
	"github.com/BaSui01/enzymeflow/workflow/dsl"
)

// documentTypes 可以导出 JSON Schema 的持久化格式
var documentTypes = map[string]func() any{
	"thread":   func() any { return &threads.Thread{} },
	"manifest": func() any { return &manifest.Entry{} },
	"workflow": func() any { return &dsl.WorkflowDSL{} },
}

func schemaFor(name string) (*jsonschema.Schema, error) {
	newDoc, ok := documentTypes[name]
	if !ok {
		return nil, types.Errorf(types.ErrInvalidInput, "unknown document %q (have: %v)", name, documentNames())
	}
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
	}
	return reflector.Reflect(newDoc()), nil
}

func documentNames() []string {
	names := make([]string, 0, len(documentTypes))
	for name := range documentTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "schema [thread|manifest|workflow]",
		Short:     "Print JSON Schemas of the on-disk document formats",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: documentNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				s, err := schemaFor(args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), s)
			}
			all := make(map[string]*jsonschema.Schema, len(documentTypes))
			for _, name := range documentNames() {
				s, err := schemaFor(name)
				if err != nil {
					return err
				}
				all[name] = s
			}
			return writeJSON(cmd.OutOrStdout(), all)
		},
	}
}
