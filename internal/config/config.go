// Package config loads, edits and saves the bridge options file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentic-research/rulebridge/api"
	"github.com/agentic-research/rulebridge/internal/mirror"
	"github.com/agentic-research/rulebridge/internal/watch"
)

// ErrUnknownOption is returned by Set for a name it does not recognize.
var ErrUnknownOption = errors.New("unknown option")

// Dir returns ~/.agentic-research/rulebridge.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home dir: %w", err)
	}
	return filepath.Join(home, ".agentic-research", "rulebridge"), nil
}

// DefaultPath returns the default options file location.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "options.yaml"), nil
}

// Default returns the options a fresh install starts with. Folders live
// under dir.
func Default(dir string) api.Options {
	return api.Options{
		Recursive:     false,
		Blocking:      true,
		BridgeFolder:  filepath.Join(dir, "bridge"),
		StorageFolder: filepath.Join(dir, "storage"),
		Extension:     mirror.DefaultExtension,
		RenameWindow:  watch.DefaultRenameWindow,
		Database:      filepath.Join(dir, "workspace.db"),
	}
}

// Load reads the options file at path. A missing file is created with
// Default values next to it; created reports whether that happened.
func Load(path string) (opts api.Options, created bool, err error) {
	opts = Default(filepath.Dir(path))
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := Save(path, opts); err != nil {
			return opts, false, err
		}
		return opts, true, nil
	}
	if err != nil {
		return opts, false, fmt.Errorf("read options: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, false, fmt.Errorf("parse options %s: %w", path, err)
	}
	opts.Extension = mirror.NormalizeExtension(opts.Extension)
	if opts.RenameWindow <= 0 {
		opts.RenameWindow = watch.DefaultRenameWindow
	}
	return opts, false, nil
}

// Save writes opts to path, creating parent directories.
func Save(path string, opts api.Options) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	data, err := yaml.Marshal(opts)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write options: %w", err)
	}
	return os.Rename(tmp, path)
}

type setter func(o *api.Options, value string) error

func boolSetter(field func(*api.Options) *bool) setter {
	return func(o *api.Options, value string) error {
		b, err := strconv.ParseBool(strings.ToLower(value))
		if err != nil {
			return fmt.Errorf("%q is not a valid setting, enter either true or false", value)
		}
		*field(o) = b
		return nil
	}
}

func pathSetter(field func(*api.Options) *string) setter {
	return func(o *api.Options, value string) error {
		value = strings.Trim(value, `"`)
		if value == "" {
			return errors.New("path must not be empty")
		}
		*field(o) = value
		return nil
	}
}

// Option names accept the snake_case YAML key or the run-together form
// (bridgefolder) the console has always used.
var setters = map[string]setter{
	"recursive":      boolSetter(func(o *api.Options) *bool { return &o.Recursive }),
	"blocking":       boolSetter(func(o *api.Options) *bool { return &o.Blocking }),
	"bridge_folder":  pathSetter(func(o *api.Options) *string { return &o.BridgeFolder }),
	"packngo_folder": pathSetter(func(o *api.Options) *string { return &o.PackNGoFolder }),
	"storage_folder": pathSetter(func(o *api.Options) *string { return &o.StorageFolder }),
	"database":       pathSetter(func(o *api.Options) *string { return &o.Database }),
	"extension": func(o *api.Options, value string) error {
		value = strings.TrimSpace(value)
		if value == "" || strings.ContainsAny(value, `/\`) {
			return fmt.Errorf("invalid extension %q", value)
		}
		o.Extension = mirror.NormalizeExtension(value)
		return nil
	},
	"swap_patterns": func(o *api.Options, value string) error {
		var patterns []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				patterns = append(patterns, p)
			}
		}
		if _, err := mirror.NewSwapDetector(patterns); err != nil {
			return err
		}
		o.SwapPatterns = patterns
		return nil
	},
	"rename_window": func(o *api.Options, value string) error {
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid duration %q", value)
		}
		o.RenameWindow = d
		return nil
	},
}

func canonical(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if _, ok := setters[name]; ok {
		return name
	}
	for key := range setters {
		if strings.ReplaceAll(key, "_", "") == name {
			return key
		}
	}
	return name
}

// Set assigns value to the named option.
func Set(opts *api.Options, name, value string) error {
	key := canonical(name)
	s, ok := setters[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOption, name)
	}
	if err := s(opts, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Names lists the settable options.
func Names() []string {
	names := make([]string, 0, len(setters))
	for k := range setters {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Format renders opts as the YAML that Save would write.
func Format(opts api.Options) (string, error) {
	data, err := yaml.Marshal(opts)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
