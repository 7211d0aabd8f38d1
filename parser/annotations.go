package parser

import (
	"regexp"
	"strconv"
	"strings"
)

// Annotations holds the structured records parsed from the doc comment
// preceding a declaration.
type Annotations struct {
	// Span covers the whole /** ... */ comment including delimiters.
	Span       Span
	Paperclip  bool
	Frame      *FrameAnnotation
	Datasource *DatasourceAnnotation
	// Text is the comment body with delimiters and leading asterisks removed.
	Text string
}

// FrameAnnotation is `@frame(x: N, y: N, width: N, height: N)`. It is a
// node so the AST index can address it for SetFrameBounds.
type FrameAnnotation struct {
	base
	X      int
	Y      int
	Width  int
	Height int
}

func (n *FrameAnnotation) children() []Node { return nil }

// DatasourceAnnotation is `@datasource name @endpoint URL @type rest|graphql`.
type DatasourceAnnotation struct {
	Name     string
	Endpoint string
	Type     string
}

var (
	frameRe      = regexp.MustCompile(`@frame\(([^)]*)\)`)
	framePairRe  = regexp.MustCompile(`(x|y|width|height)\s*:\s*(-?\d+)`)
	datasourceRe = regexp.MustCompile(`@datasource\s+([A-Za-z_][A-Za-z0-9_-]*)`)
	endpointRe   = regexp.MustCompile(`@endpoint\s+(\S+)`)
	dsTypeRe     = regexp.MustCompile(`@type\s+(rest|graphql)`)
)

// parseAnnotations interprets the text of one doc comment token.
func parseAnnotations(tok token) *Annotations {
	body := strings.TrimSuffix(strings.TrimPrefix(tok.text, "/**"), "*/")
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimPrefix(strings.TrimSpace(line), "*")
	}
	text := strings.TrimSpace(strings.Join(lines, "\n"))

	ann := &Annotations{Span: tok.span, Text: text}
	if strings.Contains(text, "@paperclip") {
		ann.Paperclip = true
	}
	if m := frameRe.FindStringSubmatchIndex(text); m != nil {
		inner := text[m[2]:m[3]]
		frame := &FrameAnnotation{}
		frame.Span = tok.span
		for _, pair := range framePairRe.FindAllStringSubmatch(inner, -1) {
			v, err := strconv.Atoi(pair[2])
			if err != nil {
				continue
			}
			switch pair[1] {
			case "x":
				frame.X = v
			case "y":
				frame.Y = v
			case "width":
				frame.Width = v
			case "height":
				frame.Height = v
			}
		}
		ann.Frame = frame
	}
	if m := datasourceRe.FindStringSubmatch(text); m != nil {
		ds := &DatasourceAnnotation{Name: m[1]}
		if em := endpointRe.FindStringSubmatch(text); em != nil {
			ds.Endpoint = em[1]
		}
		if tm := dsTypeRe.FindStringSubmatch(text); tm != nil {
			ds.Type = tm[1]
		}
		ann.Datasource = ds
	}
	return ann
}

// FormatFrame renders a frame annotation doc comment in canonical form.
// Values are serialized as integers.
func FormatFrame(x, y, width, height int) string {
	return "/** @frame(x: " + strconv.Itoa(x) +
		", y: " + strconv.Itoa(y) +
		", width: " + strconv.Itoa(width) +
		", height: " + strconv.Itoa(height) + ") */"
}
