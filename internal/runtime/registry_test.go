package runtime

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"coderunner/internal/config"
)

func mustRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestBuiltinProfilesValid(t *testing.T) {
	for _, p := range builtinProfiles() {
		t.Run(p.Name, func(t *testing.T) {
			if err := p.Validate(); err != nil {
				t.Errorf("Validate() = %v", err)
			}
		})
	}
}

func TestRegistry_Resolve(t *testing.T) {
	r := mustRegistry(t)

	p, ok := r.Resolve("python")
	if !ok {
		t.Fatal("Resolve(python) not found")
	}
	if p.Image != "docker.io/library/python:3.12-slim" {
		t.Errorf("Image = %q", p.Image)
	}
	if !p.NetworkDisabled {
		t.Error("python profile should disable network")
	}

	if _, ok := r.Resolve("cobol"); ok {
		t.Error("Resolve(cobol) should not be found")
	}
}

func TestRegistry_ResolveReturnsCopy(t *testing.T) {
	r := mustRegistry(t)

	p, _ := r.Resolve("python")
	p.Command[0] = "evil"
	p.Image = "evil:latest"

	again, _ := r.Resolve("python")
	if again.Command[0] != "python3" {
		t.Errorf("registry command mutated through a resolved copy: %v", again.Command)
	}
	if again.Image == "evil:latest" {
		t.Error("registry image mutated through a resolved copy")
	}
}

func TestProfile_Argv(t *testing.T) {
	r := mustRegistry(t)

	tests := []struct {
		lang string
		want []string
	}{
		{"python", []string{"python3", "-u", "-B", "/workspace/code.py"}},
		{"go", []string{"go", "run", "/workspace/code.go"}},
		{"c", []string{"sh", "-c", cBuild, "sh", "/workspace/code.c"}},
	}
	for _, tt := range tests {
		t.Run(tt.lang, func(t *testing.T) {
			p, _ := r.Resolve(tt.lang)
			got := p.Argv("/workspace/code" + p.FileExtension)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Argv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProfile_ArgvKeepsMetacharactersOpaque(t *testing.T) {
	p := Profile{Command: []string{"sh", "-c", `exec cat "$1"`, "sh", FilePlaceholder}}
	path := `/workspace/$(rm -rf /);x.sh`
	got := p.Argv(path)
	if got[4] != path {
		t.Errorf("path argument = %q, want it passed through verbatim", got[4])
	}
	if strings.Contains(got[2], path) {
		t.Error("path must never be interpolated into the script text")
	}
}

func TestProfile_Validate(t *testing.T) {
	valid := func() Profile {
		p, _ := mustRegistry(t).Resolve("python")
		return p
	}

	tests := []struct {
		name    string
		modify  func(*Profile)
		wantErr bool
	}{
		{"valid", func(p *Profile) {}, false},
		{"no image", func(p *Profile) { p.Image = "" }, true},
		{"no placeholder", func(p *Profile) { p.Command = []string{"python3", "main.py"} }, true},
		{"embedded placeholder", func(p *Profile) { p.Command = []string{"sh", "-c", "python3 {file}"} }, true},
		{"bad extension", func(p *Profile) { p.FileExtension = "py" }, true},
		{"zero timeout", func(p *Profile) { p.Timeout = 0 }, true},
		{"memory too small", func(p *Profile) { p.MemoryMB = 8 }, true},
		{"zero cpus", func(p *Profile) { p.CPUs = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.modify(&p)
			if err := p.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	argv, err := ParseCommand(`python3 -c 'import sys; exec(open(sys.argv[1]).read())' {file}`)
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	want := []string{"python3", "-c", "import sys; exec(open(sys.argv[1]).read())", "{file}"}
	if !reflect.DeepEqual(argv, want) {
		t.Errorf("ParseCommand() = %v, want %v", argv, want)
	}

	if _, err := ParseCommand("   "); err == nil {
		t.Error("ParseCommand(blank) should fail")
	}
}

func TestNewRegistryFromConfig(t *testing.T) {
	network := true
	r, err := NewRegistryFromConfig([]config.LanguageConfig{
		{Name: "python", Image: "registry.local/python:3.13", MemoryMB: 384},
		{
			Name:      "lua",
			Image:     "docker.io/nickblah/lua:5.4",
			Command:   "lua {file}",
			Extension: ".lua",
			Timeout:   5 * time.Second,
			Network:   &network,
		},
	})
	if err != nil {
		t.Fatalf("NewRegistryFromConfig: %v", err)
	}

	py, _ := r.Resolve("python")
	if py.Image != "registry.local/python:3.13" || py.MemoryMB != 384 {
		t.Errorf("python override not applied: %+v", py)
	}
	if py.Command[0] != "python3" {
		t.Errorf("python command should keep built-in default, got %v", py.Command)
	}

	lua, ok := r.Resolve("lua")
	if !ok {
		t.Fatal("lua not registered")
	}
	if !reflect.DeepEqual(lua.Command, []string{"lua", "{file}"}) {
		t.Errorf("lua command = %v", lua.Command)
	}
	if lua.NetworkDisabled {
		t.Error("lua profile enabled network explicitly")
	}
	if lua.Timeout != 5*time.Second {
		t.Errorf("lua timeout = %s", lua.Timeout)
	}
}

func TestNewRegistryFromConfig_Invalid(t *testing.T) {
	_, err := NewRegistryFromConfig([]config.LanguageConfig{
		{Name: "lua", Image: "lua:5.4", Command: "lua main.lua", Extension: ".lua"},
	})
	if err == nil {
		t.Error("expected error for command without {file}")
	}
}

func TestRegistry_LanguagesAndImages(t *testing.T) {
	r := mustRegistry(t)

	langs := r.Languages()
	for i := 1; i < len(langs); i++ {
		if langs[i-1] > langs[i] {
			t.Fatalf("Languages() not sorted: %v", langs)
		}
	}

	images := r.Images()
	seen := map[string]bool{}
	for _, img := range images {
		if seen[img] {
			t.Errorf("duplicate image %q", img)
		}
		seen[img] = true
	}
	// c and cpp share the gcc image.
	if len(images) != len(langs)-1 {
		t.Errorf("Images() = %d entries for %d languages", len(images), len(langs))
	}
}
