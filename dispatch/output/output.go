package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"tangled.org/dispatch/dispatch/models"
)

type Format string

const (
	// FormatGitHub writes step outputs for GitHub Actions: to the file named
	// by GITHUB_OUTPUT when set, otherwise as ::set-output commands.
	FormatGitHub Format = "github"
	FormatJSON   Format = "json"
	FormatYAML   Format = "yaml"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatGitHub, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want github, json or yaml)", s)
	}
}

// Writer delivers a WorkflowResult to the hosting CI system.
type Writer struct {
	Format Format
	// OutputFile is the GITHUB_OUTPUT path. Only used by FormatGitHub.
	OutputFile string
	// Stdout receives everything not written to OutputFile.
	Stdout io.Writer
}

func (w *Writer) Write(r models.WorkflowResult) error {
	stdout := w.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	switch w.Format {
	case FormatJSON:
		return Encode(stdout, FormatJSON, r)
	case FormatYAML:
		return Encode(stdout, FormatYAML, r)
	}

	outs, err := r.Outputs()
	if err != nil {
		return err
	}

	if w.OutputFile == "" {
		return WriteCommands(stdout, outs)
	}

	f, err := os.OpenFile(w.OutputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening output file: %w", err)
	}
	defer f.Close()

	return WriteFile(f, outs)
}

// Encode writes v as JSON or YAML.
func Encode(w io.Writer, f Format, v any) error {
	switch f {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}

// WriteFile appends outputs in the GITHUB_OUTPUT multiline syntax:
//
//	key<<delimiter
//	value
//	delimiter
func WriteFile(w io.Writer, outs []models.Output) error {
	for _, o := range outs {
		delim := "ghadelimiter_" + uuid.NewString()
		if strings.Contains(o.Value, delim) {
			return fmt.Errorf("output %s contains its own delimiter", o.Key)
		}
		if _, err := fmt.Fprintf(w, "%s<<%s\n%s\n%s\n", o.Key, delim, o.Value, delim); err != nil {
			return err
		}
	}
	return nil
}

// WriteCommands prints the legacy ::set-output workflow commands.
func WriteCommands(w io.Writer, outs []models.Output) error {
	for _, o := range outs {
		if _, err := fmt.Fprintf(w, "::set-output name=%s::%s\n", o.Key, escapeData(o.Value)); err != nil {
			return err
		}
	}
	return nil
}

var dataEscaper = strings.NewReplacer("%", "%25", "\r", "%0D", "\n", "%0A")

func escapeData(s string) string {
	return dataEscaper.Replace(s)
}
