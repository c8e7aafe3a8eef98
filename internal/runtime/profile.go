package runtime

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/shlex"
)

// FilePlaceholder marks the argv element replaced by the in-container path of
// the submitted source file.
const FilePlaceholder = "{file}"

// Profile describes how code for one language is run. Profiles are values;
// the registry hands out copies so callers cannot mutate shared state.
type Profile struct {
	Name            string
	Image           string
	Command         []string // argv template, one element must be FilePlaceholder
	FileExtension   string
	Env             []string
	Timeout         time.Duration // default when a request gives none
	MemoryMB        int64
	CPUs            float64
	PidsLimit       int64
	NetworkDisabled bool
	ScratchExec     bool // compiled languages need to exec binaries from /tmp
}

// Argv returns the command for a source file at codePath. The path is
// substituted as a whole argument and never reaches a shell as text.
func (p Profile) Argv(codePath string) []string {
	argv := make([]string, len(p.Command))
	for i, arg := range p.Command {
		if arg == FilePlaceholder {
			argv[i] = codePath
			continue
		}
		argv[i] = arg
	}
	return argv
}

// Validate checks that the profile can be used to launch a container.
func (p Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile name is empty")
	}
	if p.Image == "" {
		return fmt.Errorf("profile %q: image is empty", p.Name)
	}
	if len(p.Command) == 0 {
		return fmt.Errorf("profile %q: command is empty", p.Name)
	}
	found := false
	for _, arg := range p.Command {
		if arg == FilePlaceholder {
			found = true
		} else if strings.Contains(arg, FilePlaceholder) {
			return fmt.Errorf("profile %q: %s must be a whole argument, got %q", p.Name, FilePlaceholder, arg)
		}
	}
	if !found {
		return fmt.Errorf("profile %q: command must reference %s", p.Name, FilePlaceholder)
	}
	if !strings.HasPrefix(p.FileExtension, ".") {
		return fmt.Errorf("profile %q: file extension %q must start with a dot", p.Name, p.FileExtension)
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("profile %q: timeout must be positive", p.Name)
	}
	if p.MemoryMB < 16 {
		return fmt.Errorf("profile %q: memory_mb must be >= 16, got %d", p.Name, p.MemoryMB)
	}
	if p.CPUs <= 0 {
		return fmt.Errorf("profile %q: cpus must be positive", p.Name)
	}
	if p.PidsLimit < 1 {
		return fmt.Errorf("profile %q: pids_limit must be >= 1", p.Name)
	}
	return nil
}

// ParseCommand splits a command template written as a single string
// (e.g. `python3 -u {file}`) into argv using shell word rules. The result is
// executed directly, never through a shell.
func ParseCommand(template string) ([]string, error) {
	argv, err := shlex.Split(template)
	if err != nil {
		return nil, fmt.Errorf("parsing command %q: %w", template, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("command template is empty")
	}
	return argv, nil
}

func (p Profile) clone() Profile {
	p.Command = append([]string(nil), p.Command...)
	p.Env = append([]string(nil), p.Env...)
	return p
}
