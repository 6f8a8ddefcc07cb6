package policy

// RuntimeConfig is the workspace runtime selection as stored in workspace
// metadata.
type RuntimeConfig struct {
	Type       string `json:"type"`
	SrcBaseDir string `json:"srcBaseDir,omitempty"`
	Coder      bool   `json:"coder,omitempty"`
}

// PolicyRuntimeID maps a runtime configuration to the canonical identifier
// policy documents speak in. Legacy local configs carrying a srcBaseDir are
// worktree runtimes under a different name.
func PolicyRuntimeID(cfg RuntimeConfig) string {
	switch cfg.Type {
	case "local":
		if cfg.SrcBaseDir != "" {
			return "worktree"
		}
		return "local"
	case "ssh":
		if cfg.Coder {
			return "ssh+coder"
		}
		return "ssh"
	default:
		return cfg.Type
	}
}
