package errors

import "sort"

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category   Category
	Message    string
	Detail     string
	Suggestion string
}

// Registered codes.
const (
	CodeHandshakeTimeout    = "FD101"
	CodeDuplicateConnection = "FD102"
	CodeOriginMismatch      = "FD103"
	CodeRemoteError         = "FD104"
	CodeChannelClosed       = "FD105"

	CodeMalformedEnvelope  = "FD201"
	CodeUnsupportedVersion = "FD202"
	CodeUnknownSession     = "FD203"
	CodeNotConnected       = "FD204"
	CodeOutOfOrder         = "FD205"
	CodeInvalidPayload     = "FD206"

	CodeStaleUpdate   = "FD301"
	CodeInvalidUpdate = "FD302"

	CodeReplayRange     = "FD401"
	CodeSessionNotFound = "FD402"

	CodeConfigNotFound = "FD501"
	CodeConfigParse    = "FD502"
	CodeConfigInvalid  = "FD503"

	CodeExportFailed = "FD601"
	CodeImportFailed = "FD602"
)

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// ============================================
	// Connection Errors (FD101-FD199)
	// ============================================

	CodeHandshakeTimeout: {
		Category:   CategoryConnection,
		Message:    "Handshake timed out",
		Detail:     "The peer did not acknowledge the handshake within handshakeTimeoutMs.",
		Suggestion: "Check that the host application loaded the dev-tools adapter.",
	},
	CodeDuplicateConnection: {
		Category:   CategoryConnection,
		Message:    "Duplicate connection",
		Detail:     "A session with this id is already connected.",
		Suggestion: "Disconnect the existing session or use a unique session id per form.",
	},
	CodeOriginMismatch: {
		Category:   CategoryConnection,
		Message:    "Origin mismatch",
		Detail:     "A message arrived from an origin other than the expected one and was dropped.",
		Suggestion: "Set the expected origin to the host application's origin.",
	},
	CodeRemoteError: {
		Category: CategoryConnection,
		Message:  "Peer reported an error",
		Detail:   "The remote side sent an ERROR envelope.",
	},
	CodeChannelClosed: {
		Category: CategoryConnection,
		Message:  "Channel closed",
		Detail:   "The transport channel closed; sessions bound to it were disconnected.",
	},

	// ============================================
	// Protocol Errors (FD201-FD299)
	// ============================================

	CodeMalformedEnvelope: {
		Category: CategoryProtocol,
		Message:  "Malformed envelope",
		Detail:   "The message is not a valid envelope. It was dropped and the channel stays open.",
	},
	CodeUnsupportedVersion: {
		Category:   CategoryProtocol,
		Message:    "Unsupported protocol version",
		Detail:     "The envelope's major version differs from this build's protocol version.",
		Suggestion: "Upgrade the host adapter and the inspector to matching releases.",
	},
	CodeUnknownSession: {
		Category: CategoryProtocol,
		Message:  "Unknown session",
		Detail:   "The envelope names a session that never completed a handshake.",
	},
	CodeNotConnected: {
		Category: CategoryProtocol,
		Message:  "Session not connected",
		Detail:   "The envelope targets a session that is not in the Connected state.",
	},
	CodeOutOfOrder: {
		Category: CategoryProtocol,
		Message:  "Out-of-order envelope",
		Detail:   "The envelope's timestamp is older than one already received for this session.",
	},
	CodeInvalidPayload: {
		Category: CategoryProtocol,
		Message:  "Invalid payload",
		Detail:   "The envelope's payload does not match the shape required by its kind.",
	},

	// ============================================
	// Sync Errors (FD301-FD399)
	// ============================================

	CodeStaleUpdate: {
		Category: CategorySync,
		Message:  "Stale update discarded",
		Detail:   "The update is not newer than the last applied update and was discarded.",
	},
	CodeInvalidUpdate: {
		Category: CategorySync,
		Message:  "Invalid update",
		Detail:   "The update has an unknown mode or an empty field name.",
	},

	// ============================================
	// Replay Errors (FD401-FD499)
	// ============================================

	CodeReplayRange: {
		Category: CategoryReplay,
		Message:  "History position out of range",
		Detail:   "The requested history position is outside the retained entries.",
	},
	CodeSessionNotFound: {
		Category: CategoryReplay,
		Message:  "Session not found",
		Detail:   "No session with this id exists in the registry.",
	},

	// ============================================
	// Config Errors (FD501-FD599)
	// ============================================

	CodeConfigNotFound: {
		Category:   CategoryConfig,
		Message:    "Configuration file not found",
		Suggestion: "Create formular-devtools.json or pass --config.",
	},
	CodeConfigParse: {
		Category: CategoryConfig,
		Message:  "Configuration file could not be parsed",
		Detail:   "Supported formats are .json, .yaml, .yml and .toml.",
	},
	CodeConfigInvalid: {
		Category: CategoryConfig,
		Message:  "Invalid configuration",
	},

	// ============================================
	// Export Errors (FD601-FD699)
	// ============================================

	CodeExportFailed: {
		Category: CategoryExport,
		Message:  "History export failed",
	},
	CodeImportFailed: {
		Category: CategoryExport,
		Message:  "History export could not be read",
	},
}

// GetAllCodes returns all registered error codes in sorted order.
func GetAllCodes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// GetTemplate returns the template for an error code.
func GetTemplate(code string) (ErrorTemplate, bool) {
	t, ok := registry[code]
	return t, ok
}
