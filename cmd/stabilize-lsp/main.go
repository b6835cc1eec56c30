// SPDX-License-Identifier: Apache-2.0
package main

import (
	"log"
	"os"

	"github.com/tliron/commonlog"
	protocol "github.com/tliron/glsp/protocol_3_16"
	"github.com/tliron/glsp/server"

	"stabilizer/internal/lsp"
)

const lsName = "stabilizer" // Name identifier for the language server

var (
	version = "0.0.1"        // Server version
	handler protocol.Handler // Protocol handler instance (wired up below)
)

func main() {
	// Configure debug logging (1 = debug level, nil = default logger)
	commonlog.Configure(1, nil)

	irHandler := lsp.NewHandler()

	// Wire up the handler with the LSP method implementations
	handler = protocol.Handler{
		Initialize:            irHandler.Initialize,
		Initialized:           irHandler.Initialized,
		Shutdown:              irHandler.Shutdown,
		SetTrace:              irHandler.SetTrace,
		TextDocumentDidOpen:   irHandler.TextDocumentDidOpen,
		TextDocumentDidClose:  irHandler.TextDocumentDidClose,
		TextDocumentDidChange: irHandler.TextDocumentDidChange,
	}

	s := server.NewServer(&handler, lsName, false)

	log.Println("Starting Stabilizer LSP server", version)

	// Serve over standard input/output, the transport editors expect
	err := s.RunStdio()
	if err != nil {
		log.Println("Error starting Stabilizer LSP server:", err)
		os.Exit(1)
	}
}
