package runtime

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"coderunner/internal/config"
)

// Registry maps language names to profiles. It is built once at startup and
// never mutated afterwards, so it is shared by reference without locking.
type Registry struct {
	profiles map[string]Profile
}

// NewRegistry creates a registry with the built-in profiles, replaced or
// extended by overrides with the same name.
func NewRegistry(overrides ...Profile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]Profile)}
	for _, p := range builtinProfiles() {
		r.profiles[p.Name] = p
	}
	for _, p := range overrides {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		r.profiles[p.Name] = p.clone()
	}
	return r, nil
}

// NewRegistryFromConfig builds the registry from the languages table.
// Entries may omit fields; omitted fields fall back to the built-in profile of
// the same name, or to generic defaults for new languages.
func NewRegistryFromConfig(langs []config.LanguageConfig) (*Registry, error) {
	base := make(map[string]Profile)
	for _, p := range builtinProfiles() {
		base[p.Name] = p
	}

	overrides := make([]Profile, 0, len(langs))
	for _, lc := range langs {
		name := strings.ToLower(strings.TrimSpace(lc.Name))
		p, ok := base[name]
		if !ok {
			p = Profile{
				Name:            name,
				Timeout:         10 * time.Second,
				MemoryMB:        256,
				CPUs:            0.5,
				PidsLimit:       50,
				NetworkDisabled: true,
			}
		}
		if lc.Image != "" {
			p.Image = lc.Image
		}
		if lc.Command != "" {
			argv, err := ParseCommand(lc.Command)
			if err != nil {
				return nil, fmt.Errorf("language %q: %w", name, err)
			}
			p.Command = argv
		}
		if lc.Extension != "" {
			p.FileExtension = lc.Extension
		}
		if len(lc.Env) > 0 {
			p.Env = lc.Env
		}
		if lc.Timeout > 0 {
			p.Timeout = lc.Timeout
		}
		if lc.MemoryMB > 0 {
			p.MemoryMB = lc.MemoryMB
		}
		if lc.CPUs > 0 {
			p.CPUs = lc.CPUs
		}
		if lc.PidsLimit > 0 {
			p.PidsLimit = lc.PidsLimit
		}
		if lc.Network != nil {
			p.NetworkDisabled = !*lc.Network
		}
		if lc.ScratchExec != nil {
			p.ScratchExec = *lc.ScratchExec
		}
		overrides = append(overrides, p)
	}

	return NewRegistry(overrides...)
}

// Resolve returns the profile for the given language.
func (r *Registry) Resolve(language string) (Profile, bool) {
	p, ok := r.profiles[language]
	if !ok {
		return Profile{}, false
	}
	return p.clone(), true
}

// Languages returns all registered language names, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		langs = append(langs, name)
	}
	sort.Strings(langs)
	return langs
}

// Images returns the distinct container images needed by registered profiles.
func (r *Registry) Images() []string {
	seen := make(map[string]struct{}, len(r.profiles))
	images := make([]string, 0, len(r.profiles))
	for _, name := range r.Languages() {
		img := r.profiles[name].Image
		if _, ok := seen[img]; ok {
			continue
		}
		seen[img] = struct{}{}
		images = append(images, img)
	}
	return images
}
