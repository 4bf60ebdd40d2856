package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/namelens/aoaisim/internal/output"
)

type outputSink struct {
	writer io.Writer
	close  func() error
	path   string
}

func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().String("output-format", string(output.FormatTable), "Output format: table|json|markdown")
	cmd.Flags().String("out", "", "Write output to a file (default stdout)")
	cmd.Flags().String("out-dir", "", "Write output to a directory")
}

func resolveOutputFormat(cmd *cobra.Command) (output.Format, error) {
	value, err := cmd.Flags().GetString("output-format")
	if err != nil {
		return "", err
	}
	return output.ParseFormat(value)
}

// resolveOutputPath turns --out/--out-dir into a single path. name is the
// file stem used inside --out-dir.
func resolveOutputPath(cmd *cobra.Command, name string, format output.Format) (string, error) {
	outPath, err := cmd.Flags().GetString("out")
	if err != nil {
		return "", err
	}
	outDir, err := cmd.Flags().GetString("out-dir")
	if err != nil {
		return "", err
	}
	outPath, outDir = strings.TrimSpace(outPath), strings.TrimSpace(outDir)
	if outPath != "" && outDir != "" {
		return "", fmt.Errorf("--out and --out-dir are mutually exclusive")
	}
	if outDir == "" {
		return outPath, nil
	}
	dir, err := ensureOutDir(outDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name+"."+output.Extension(format)), nil
}

func openSink(path string) (*outputSink, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || trimmed == "-" {
		return &outputSink{writer: os.Stdout, close: func() error { return nil }, path: "-"}, nil
	}

	if err := os.MkdirAll(filepath.Dir(trimmed), 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	file, err := os.Create(trimmed)
	if err != nil {
		return nil, err
	}
	return &outputSink{writer: file, close: file.Close, path: trimmed}, nil
}

func ensureOutDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", nil
	}
	if err := os.MkdirAll(clean, 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return clean, nil
	}
	return abs, nil
}

// writeListing renders a listing to the sink chosen by the output flags.
func writeListing(cmd *cobra.Command, name string, render func(output.Formatter) (string, error)) error {
	format, err := resolveOutputFormat(cmd)
	if err != nil {
		return err
	}
	path, err := resolveOutputPath(cmd, name, format)
	if err != nil {
		return err
	}
	rendered, err := render(output.NewFormatter(format))
	if err != nil {
		return err
	}

	sink, err := openSink(path)
	if err != nil {
		return err
	}
	defer func() { _ = sink.close() }()
	if sink.path == "-" {
		sink.writer = cmd.OutOrStdout()
	}
	_, err = fmt.Fprintln(sink.writer, rendered)
	return err
}
