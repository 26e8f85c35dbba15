package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
)

// field is one labelled value in text output.
type field struct {
	label string
	value any
}

// render writes v as indented JSON, or fields as an aligned table.
func render(w io.Writer, format string, v any, fields []field) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, f := range fields {
		fmt.Fprintf(tw, "%s\t%v\n", f.label, f.value)
	}
	return tw.Flush()
}
