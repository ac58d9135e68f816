package api

import "time"

// Options are the user settings of a bridge, persisted as YAML and edited
// with the set command.
type Options struct {
	// Recursive mirrors sub-assemblies as nested directories. When false
	// only the active document's own rules are mirrored.
	Recursive bool `yaml:"recursive" json:"recursive"`
	// Blocking locks out user input in the host while a rule runs, and makes
	// workspace database writes wait for a busy database instead of failing.
	Blocking bool `yaml:"blocking" json:"blocking"`
	// BridgeFolder is where rules are mirrored for editing.
	BridgeFolder string `yaml:"bridge_folder" json:"bridge_folder"`
	// PackNGoFolder is kept for compatibility with older option files;
	// archive export is not implemented.
	PackNGoFolder string `yaml:"packngo_folder" json:"packngo_folder"`
	// StorageFolder receives read-only snapshots from the store command.
	StorageFolder string `yaml:"storage_folder" json:"storage_folder"`
	// Extension of mirrored rule files.
	Extension string `yaml:"extension" json:"extension"`
	// SwapPatterns are globs for editor swap and backup names. Omitted uses
	// the built-in list; an explicit empty list disables pattern matching
	// and keeps only the name+"~" rule.
	SwapPatterns []string `yaml:"swap_patterns,omitempty" json:"swap_patterns,omitempty"`
	// RenameWindow bounds how long a rename waits for its second half.
	RenameWindow time.Duration `yaml:"rename_window" json:"rename_window"`
	// Database is the workspace database standing in for the host.
	Database string `yaml:"database" json:"database"`
}
