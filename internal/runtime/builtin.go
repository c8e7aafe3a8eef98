package runtime

import "time"

// Compiled languages run a constant shell script that receives the source
// path as $1, so the path is never part of the script text.
const (
	cBuild   = `gcc -O2 -pipe -o /tmp/main "$1" -lm && exec /tmp/main`
	cppBuild = `g++ -O2 -pipe -std=c++17 -o /tmp/main "$1" && exec /tmp/main`
)

func builtinProfiles() []Profile {
	return []Profile{
		{
			Name:  "python",
			Image: "docker.io/library/python:3.12-slim",
			Command: []string{
				"python3", "-u", // Unbuffered output
				"-B", // Don't write .pyc files
				FilePlaceholder,
			},
			FileExtension:   ".py",
			Timeout:         10 * time.Second,
			MemoryMB:        256,
			CPUs:            0.5,
			PidsLimit:       50,
			NetworkDisabled: true,
		},
		{
			Name:  "node",
			Image: "docker.io/library/node:20-slim",
			Command: []string{
				"node",
				"--max-old-space-size=192",
				"--disallow-code-generation-from-strings",
				FilePlaceholder,
			},
			FileExtension:   ".js",
			Timeout:         10 * time.Second,
			MemoryMB:        256,
			CPUs:            0.5,
			PidsLimit:       50,
			NetworkDisabled: true,
		},
		{
			Name:            "bash",
			Image:           "docker.io/library/bash:5.2-alpine3.19",
			Command:         []string{"bash", "-u", FilePlaceholder},
			FileExtension:   ".sh",
			Timeout:         10 * time.Second,
			MemoryMB:        128,
			CPUs:            0.5,
			PidsLimit:       50,
			NetworkDisabled: true,
		},
		{
			Name:            "ruby",
			Image:           "docker.io/library/ruby:3.3-alpine",
			Command:         []string{"ruby", FilePlaceholder},
			FileExtension:   ".rb",
			Timeout:         10 * time.Second,
			MemoryMB:        256,
			CPUs:            0.5,
			PidsLimit:       50,
			NetworkDisabled: true,
		},
		{
			Name:          "go",
			Image:         "docker.io/library/golang:1.24-alpine",
			Command:       []string{"go", "run", FilePlaceholder},
			FileExtension: ".go",
			Env: []string{
				"GOCACHE=/tmp/.gocache",
				"GOPATH=/tmp/go",
				"GOFLAGS=-mod=mod",
				"CGO_ENABLED=0",
			},
			Timeout:         30 * time.Second,
			MemoryMB:        512,
			CPUs:            1,
			PidsLimit:       100,
			NetworkDisabled: true,
			ScratchExec:     true,
		},
		{
			Name:            "c",
			Image:           "docker.io/library/gcc:13",
			Command:         []string{"sh", "-c", cBuild, "sh", FilePlaceholder},
			FileExtension:   ".c",
			Timeout:         20 * time.Second,
			MemoryMB:        256,
			CPUs:            1,
			PidsLimit:       50,
			NetworkDisabled: true,
			ScratchExec:     true,
		},
		{
			Name:            "cpp",
			Image:           "docker.io/library/gcc:13",
			Command:         []string{"sh", "-c", cppBuild, "sh", FilePlaceholder},
			FileExtension:   ".cpp",
			Timeout:         20 * time.Second,
			MemoryMB:        512,
			CPUs:            1,
			PidsLimit:       50,
			NetworkDisabled: true,
			ScratchExec:     true,
		},
	}
}
