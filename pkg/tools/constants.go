package tools

// Tool name constants. The names are part of the prompt contract with the model.
const (
	ToolTerminal            = "terminal"
	ToolCreateOrUpdateFiles = "createOrUpdateFiles"
	ToolReadFiles           = "readFiles"
)

// CodingTools is the tool set available to the coding agent.
//
//nolint:gochecknoglobals // These are constants that need to be globally accessible
var CodingTools = []string{
	ToolTerminal,
	ToolCreateOrUpdateFiles,
	ToolReadFiles,
}

const (
	// maxToolOutput caps the text returned to the model from one invocation. The tail is kept.
	maxToolOutput = 32 * 1024

	errorPrefix = "Error: "
)
