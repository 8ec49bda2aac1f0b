// Package main implements the genconfig tool that writes config.default.toml
// from config.DefaultConfig() and the comments in config.Docs.
//
// It is invoked by go generate via the directive in internal/config/docs.go.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"tools.zach/dev/gamecord/internal/config"
)

func main() {
	outPath := flag.String("o", "../../config.default.toml", "output path")
	flag.Parse()

	data, err := render(config.DefaultConfig(), config.Docs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "genconfig: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*outPath, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "genconfig: write %s: %v\n", *outPath, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", *outPath)
}

// render encodes cfg and decorates it with docs: a comment block above each
// documented key or section, alternatives below it, and a separator before
// every table that holds keys. Tables that only nest other tables are dropped.
func render(cfg *config.Config, docs map[string]config.FieldDoc) ([]byte, error) {
	var raw bytes.Buffer
	if err := toml.NewEncoder(&raw).Encode(cfg); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	lines := strings.Split(raw.String(), "\n")
	withKeys, headers := scanSections(lines)

	out := []string{
		"# ///////////////////////////////////////////////",
		"# gamecord Configuration",
		"# ///////////////////////////////////////////////",
		"#",
		"# Changes are picked up while the daemon is running.",
		"",
	}

	var section []string
	// Section docs are written with their header, never as omitted keys.
	emitted := headers

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if strings.HasPrefix(trimmed, "[") && !strings.HasPrefix(trimmed, "[[") {
			injectOmitted(&out, section, docs, emitted)

			name := strings.Trim(trimmed, "[] ")
			section = parseSectionPath(name)
			if !withKeys[name] {
				continue
			}

			out = append(out, "", fmt.Sprintf("# ///// %s /////", sectionName(name)), "")
			out = appendComment(out, docs[name].Comment)
			out = append(out, trimmed)
			continue
		}

		if !strings.Contains(trimmed, "=") || strings.HasPrefix(trimmed, "#") {
			out = append(out, trimmed)
			continue
		}

		key := strings.TrimSpace(strings.SplitN(trimmed, "=", 2)[0])
		path := key
		if len(section) > 0 {
			path = strings.Join(section, ".") + "." + key
		}
		emitted[path] = true

		doc := docs[path]
		out = appendComment(out, doc.Comment)
		out = append(out, trimmed)
		for _, alt := range doc.Alternatives {
			out = append(out, "# "+alt)
		}
	}
	injectOmitted(&out, section, docs, emitted)

	result := strings.TrimRight(strings.Join(out, "\n"), "\n") + "\n"
	return []byte(result), nil
}

// scanSections collects every table header in encoder output and reports
// which of them are directly followed by at least one key.
func scanSections(lines []string) (withKeys, headers map[string]bool) {
	withKeys, headers = map[string]bool{}, map[string]bool{}
	current := ""
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
		case strings.HasPrefix(trimmed, "[") && !strings.HasPrefix(trimmed, "[["):
			current = strings.Trim(trimmed, "[] ")
			headers[current] = true
		case strings.Contains(trimmed, "=") && current != "":
			withKeys[current] = true
		}
	}
	return withKeys, headers
}

func appendComment(out []string, comment string) []string {
	if comment == "" {
		return out
	}
	for _, cl := range strings.Split(comment, "\n") {
		out = append(out, "# "+cl)
	}
	return out
}

// injectOmitted appends commented-out entries for documented keys of the
// current section that the encoder left out, typically empty omitempty
// fields. Keys are sorted for deterministic output.
func injectOmitted(out *[]string, section []string, docs map[string]config.FieldDoc, emitted map[string]bool) {
	if len(section) == 0 {
		return
	}
	prefix := strings.Join(section, ".") + "."

	var omitted []string
	for path := range docs {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok || strings.Contains(rest, ".") || emitted[path] {
			continue
		}
		omitted = append(omitted, path)
	}
	sort.Strings(omitted)

	for _, path := range omitted {
		doc := docs[path]
		*out = appendComment(*out, doc.Comment)
		for _, alt := range doc.Alternatives {
			*out = append(*out, "# "+alt)
		}
		emitted[path] = true
	}
}

// parseSectionPath splits a dotted TOML section header into its segments.
func parseSectionPath(section string) []string {
	return strings.Split(section, ".")
}

// sectionName capitalizes the last segment of a dotted section header:
// "services.xbox" yields "Xbox".
func sectionName(section string) string {
	parts := strings.Split(section, ".")
	last := parts[len(parts)-1]
	if len(last) == 0 {
		return ""
	}
	return strings.ToUpper(last[:1]) + last[1:]
}
