package lsp

import (
	"errors"

	"github.com/alecthomas/participle/v2"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"stabilizer/internal/sir"
)

// ConvertError transforms a front-end error into LSP diagnostics for IDE
// display. Both participle syntax errors and builder errors carry positions;
// anything else lands at the start of the document.
func ConvertError(err error) []protocol.Diagnostic {
	line, col := 1, 1
	message := err.Error()
	source := "stabilizer"

	var buildErr *sir.BuildError
	if pe, ok := err.(participle.Error); ok {
		pos := pe.Position()
		line, col = pos.Line, pos.Column
		message = pe.Message()
		source = "stabilizer-parser"
	} else if errors.As(err, &buildErr) {
		line, col = buildErr.Pos.Line, buildErr.Pos.Column
		message = buildErr.Message
	}
	if line < 1 {
		line = 1
	}
	if col < 1 {
		col = 1
	}

	return []protocol.Diagnostic{{
		Range: protocol.Range{
			Start: protocol.Position{
				Line:      uint32(line - 1), // convert to 0-based indexing
				Character: uint32(col - 1),
			},
			End: protocol.Position{
				Line:      uint32(line - 1),
				Character: uint32(col - 1 + 5), // rough span for visibility
			},
		},
		Severity: ptrSeverity(protocol.DiagnosticSeverityError),
		Source:   ptrString(source),
		Message:  message,
	}}
}

func ptrSeverity(s protocol.DiagnosticSeverity) *protocol.DiagnosticSeverity { return &s }

func ptrString(s string) *string { return &s }
