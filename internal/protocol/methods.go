package protocol

// LSP method names the proxy routes on.
const (
	// MethodInitialize is sent as the first request from client to server
	MethodInitialize = "initialize"
	// MethodInitialized is sent from client to server after the initialize response
	MethodInitialized = "initialized"
	// MethodShutdown asks the server to prepare for exit
	MethodShutdown = "shutdown"
	// MethodExit asks the server to terminate
	MethodExit = "exit"
	// MethodCancelRequest cancels an in-flight request
	MethodCancelRequest = "$/cancelRequest"
	// MethodProgress carries work-done progress reports
	MethodProgress = "$/progress"

	MethodTextDocumentDidOpen   = "textDocument/didOpen"
	MethodTextDocumentDidChange = "textDocument/didChange"
	MethodTextDocumentDidClose  = "textDocument/didClose"

	MethodTextDocumentHover          = "textDocument/hover"
	MethodTextDocumentDefinition     = "textDocument/definition"
	MethodTextDocumentReferences     = "textDocument/references"
	MethodTextDocumentDocumentSymbol = "textDocument/documentSymbol"
	MethodTextDocumentTypeDefinition = "textDocument/typeDefinition"
	MethodTextDocumentImplementation = "textDocument/implementation"

	MethodPublishDiagnostics = "textDocument/publishDiagnostics"
	MethodShowMessage        = "window/showMessage"
)

// indexDependentMethods are the lookup methods that need the backend's
// cross-file index and are queued while a backend is warming up.
var indexDependentMethods = map[string]bool{
	MethodTextDocumentDefinition:     true,
	MethodTextDocumentReferences:     true,
	MethodTextDocumentTypeDefinition: true,
	MethodTextDocumentImplementation: true,
}

// IsIndexDependent reports whether a method requires the cross-file index.
func IsIndexDependent(method string) bool {
	return indexDependentMethods[method]
}
