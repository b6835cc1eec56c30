package lsp

import (
	"log"
	"sync"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"stabilizer/internal/ir"
	"stabilizer/internal/sir"
)

// Handler implements the LSP server for textual IR files. It keeps the last
// parsed module per document and republishes diagnostics on every change.
type Handler struct {
	mu      sync.RWMutex
	content map[protocol.DocumentUri]string
	modules map[protocol.DocumentUri]*ir.Module
}

func NewHandler() *Handler {
	return &Handler{
		content: make(map[protocol.DocumentUri]string),
		modules: make(map[protocol.DocumentUri]*ir.Module),
	}
}

// Initialize advertises the server's capabilities: full-document sync only;
// the IR is machine-written, so completions and tokens are not offered.
func (h *Handler) Initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	log.Println("LSP Initialize called")

	return &protocol.InitializeResult{
		Capabilities: protocol.ServerCapabilities{
			TextDocumentSync: &protocol.TextDocumentSyncOptions{
				OpenClose: ptrBool(true),
				Change:    ptrSyncKind(protocol.TextDocumentSyncKindFull),
			},
		},
	}, nil
}

func (h *Handler) Initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	log.Println("Stabilizer LSP initialized")
	return nil
}

func (h *Handler) Shutdown(ctx *glsp.Context) error {
	log.Println("Stabilizer LSP shutdown")
	return nil
}

func (h *Handler) SetTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// TextDocumentDidOpen parses the opened document and publishes diagnostics.
func (h *Handler) TextDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	log.Printf("Opened file: %s\n", params.TextDocument.URI)
	h.update(ctx, params.TextDocument.URI, params.TextDocument.Text)
	return nil
}

// TextDocumentDidChange reparses on every change; sync is full-document.
func (h *Handler) TextDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	for _, change := range params.ContentChanges {
		if whole, ok := change.(protocol.TextDocumentContentChangeEventWhole); ok {
			h.update(ctx, params.TextDocument.URI, whole.Text)
		}
	}
	return nil
}

func (h *Handler) TextDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	log.Printf("Closed file: %s\n", params.TextDocument.URI)

	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.content, params.TextDocument.URI)
	delete(h.modules, params.TextDocument.URI)
	return nil
}

// update reparses the document and pushes the resulting diagnostics. An
// empty list is published on success so stale squiggles clear.
func (h *Handler) update(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	h.mu.Lock()
	h.content[uri] = text
	h.mu.Unlock()

	mod, err := sir.Parse(string(uri), text)

	diagnostics := []protocol.Diagnostic{}
	if err != nil {
		diagnostics = ConvertError(err)
	} else {
		h.mu.Lock()
		h.modules[uri] = mod
		h.mu.Unlock()
	}

	ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, &protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
}

func ptrBool(b bool) *bool { return &b }

func ptrSyncKind(k protocol.TextDocumentSyncKind) *protocol.TextDocumentSyncKind { return &k }
