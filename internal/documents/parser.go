package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrUnsupportedType is returned when no parser is registered for a file
// type. Ingest fails fast on it, before any document row is created.
var ErrUnsupportedType = errors.New("unsupported file type")

// Parser extracts plain text from an uploaded file.
type Parser interface {
	// Types lists the file type keys this parser handles.
	Types() []string
	Parse(ctx context.Context, filename string, data []byte) (string, error)
}

// ParserRegistry maps file types to parsers.
type ParserRegistry struct {
	parsers map[string]Parser
}

// NewParserRegistry returns a registry with the built-in parsers.
func NewParserRegistry() *ParserRegistry {
	r := &ParserRegistry{parsers: make(map[string]Parser)}
	r.Register(&TextParser{})
	r.Register(&MarkdownParser{})
	r.Register(&JSONParser{})
	return r
}

// Register adds a parser for all of its declared types. Later registrations
// win, so callers can override a built-in.
func (r *ParserRegistry) Register(p Parser) {
	for _, t := range p.Types() {
		r.parsers[strings.ToLower(t)] = p
	}
}

// For returns the parser for a file type.
func (r *ParserRegistry) For(fileType string) (Parser, error) {
	p, ok := r.parsers[strings.ToLower(strings.TrimPrefix(fileType, "."))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, fileType)
	}
	return p, nil
}

// SupportedTypes lists registered file types.
func (r *ParserRegistry) SupportedTypes() []string {
	types := make([]string, 0, len(r.parsers))
	for t := range r.parsers {
		types = append(types, t)
	}
	return types
}

// TextParser handles plain text files.
type TextParser struct{}

func (*TextParser) Types() []string { return []string{"txt", "text"} }

func (*TextParser) Parse(_ context.Context, _ string, data []byte) (string, error) {
	return decodeText(data)
}

// MarkdownParser handles markdown files. Markdown is indexed as-is; the
// structure markers help the splitter find natural boundaries.
type MarkdownParser struct{}

func (*MarkdownParser) Types() []string { return []string{"md", "markdown"} }

func (*MarkdownParser) Parse(_ context.Context, _ string, data []byte) (string, error) {
	return decodeText(data)
}

// JSONParser handles JSON files. The document must be valid JSON; it is
// re-indented so chunk boundaries fall on structural lines.
type JSONParser struct{}

func (*JSONParser) Types() []string { return []string{"json"} }

func (*JSONParser) Parse(_ context.Context, filename string, data []byte) (string, error) {
	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return "", fmt.Errorf("parse %s: invalid json: %w", filename, err)
	}
	pretty, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return "", err
	}
	return string(pretty), nil
}

func decodeText(data []byte) (string, error) {
	// Strip a UTF-8 BOM if present
	if len(data) >= 3 && data[0] == 0xEF && data[1] == 0xBB && data[2] == 0xBF {
		data = data[3:]
	}
	if !utf8.Valid(data) {
		return "", errors.New("file is not valid utf-8")
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", errors.New("file contains no text")
	}
	return text, nil
}
