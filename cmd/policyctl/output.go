package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/SilentHawker/AML-platform/internal/diff"
)

// outputFormat is the value of the -o flag.
type outputFormat string

const (
	outputText outputFormat = "text"
	outputJSON outputFormat = "json"
	outputYAML outputFormat = "yaml"
)

var _ pflag.Value = (*outputFormat)(nil)

func (f *outputFormat) String() string { return string(*f) }

func (f *outputFormat) Set(s string) error {
	switch strings.ToLower(s) {
	case "", "text":
		*f = outputText
	case "json":
		*f = outputJSON
	case "yaml":
		*f = outputYAML
	default:
		return fmt.Errorf("unsupported output format %q (supported: text, json, yaml)", s)
	}
	return nil
}

func (f *outputFormat) Type() string { return "format" }

// printOutput serializes data for json and yaml. For text it calls text.
func printOutput(w io.Writer, format outputFormat, data any, text func(io.Writer) error) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(data)
	default:
		return text(w)
	}
}

// writeSpans marks removals as [-x-] and additions as {+x+}.
func writeSpans(w io.Writer, spans []diff.Span) error {
	var sb strings.Builder
	for _, s := range spans {
		switch s.Kind {
		case diff.Removed:
			sb.WriteString("[-" + s.Text + "-]")
		case diff.Added:
			sb.WriteString("{+" + s.Text + "+}")
		default:
			sb.WriteString(s.Text)
		}
	}
	out := sb.String()
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	_, err := io.WriteString(w, out)
	return err
}

func writeTable(w io.Writer, headers []string, rows [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.ToUpper(strings.Join(headers, "\t")))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}
