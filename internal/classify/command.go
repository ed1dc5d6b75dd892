package classify

import (
	"path/filepath"
	"strings"
)

// Command classes.
const (
	CmdVCS       = "vcs"
	CmdBuild     = "build"
	CmdTest      = "test"
	CmdContainer = "container"
	CmdPackage   = "package"
	CmdRun       = "run"
	CmdNav       = "nav"
	CmdOther     = "other"
)

var wrappers = map[string]bool{
	"sudo": true, "env": true, "time": true, "nohup": true, "exec": true, "command": true, "npx": true, "bunx": true,
}

var baseClass = map[string]string{
	"git": CmdVCS, "svn": CmdVCS, "hg": CmdVCS, "gh": CmdVCS, "jj": CmdVCS,

	"docker": CmdContainer, "podman": CmdContainer, "kubectl": CmdContainer,
	"k3s": CmdContainer, "helm": CmdContainer, "docker-compose": CmdContainer,

	"make": CmdBuild, "mvn": CmdBuild, "gradle": CmdBuild, "tsc": CmdBuild,
	"webpack": CmdBuild, "vite": CmdBuild, "bazel": CmdBuild, "cmake": CmdBuild, "gcc": CmdBuild,

	"pytest": CmdTest, "jest": CmdTest, "mocha": CmdTest, "vitest": CmdTest,
	"rspec": CmdTest, "phpunit": CmdTest, "gotestsum": CmdTest,

	"brew": CmdPackage, "apt": CmdPackage, "apt-get": CmdPackage, "yarn": CmdPackage,
	"pnpm": CmdPackage, "pip": CmdPackage, "pip3": CmdPackage, "poetry": CmdPackage, "uv": CmdPackage,

	"python": CmdRun, "python3": CmdRun, "node": CmdRun, "deno": CmdRun, "bun": CmdRun,
	"ruby": CmdRun, "java": CmdRun, "bash": CmdRun, "sh": CmdRun,

	"cd": CmdNav, "ls": CmdNav, "pwd": CmdNav, "cat": CmdNav, "less": CmdNav,
	"grep": CmdNav, "rg": CmdNav, "find": CmdNav, "tree": CmdNav,
}

// subcommands refine toolchains whose class depends on the verb.
var subcommands = map[string]map[string]string{
	"go": {
		"test": CmdTest, "build": CmdBuild, "install": CmdBuild, "vet": CmdBuild,
		"get": CmdPackage, "mod": CmdPackage, "run": CmdRun, "generate": CmdBuild,
	},
	"cargo": {
		"test": CmdTest, "build": CmdBuild, "check": CmdBuild, "clippy": CmdBuild,
		"add": CmdPackage, "install": CmdPackage, "run": CmdRun,
	},
	"npm": {
		"test": CmdTest, "t": CmdTest, "install": CmdPackage, "i": CmdPackage, "ci": CmdPackage,
		"add": CmdPackage, "uninstall": CmdPackage, "build": CmdBuild, "start": CmdRun,
	},
	"yarn": {"test": CmdTest, "build": CmdBuild, "start": CmdRun, "dev": CmdRun},
	"pnpm": {"test": CmdTest, "build": CmdBuild, "start": CmdRun, "dev": CmdRun},
	"dotnet": {"test": CmdTest, "build": CmdBuild, "run": CmdRun, "add": CmdPackage},
}

// Command returns the class of a shell command line.
func Command(line string) string {
	fields := strings.Fields(strings.TrimSpace(line))
	i := 0
	for i < len(fields) {
		f := fields[i]
		if strings.Contains(f, "=") && !strings.HasPrefix(f, "-") && i+1 < len(fields) {
			i++ // VAR=value prefix
			continue
		}
		if wrappers[f] {
			i++
			continue
		}
		break
	}
	if i >= len(fields) {
		return CmdOther
	}

	base := filepath.Base(fields[i])
	var verbs []string
	for _, f := range fields[i+1:] {
		if !strings.HasPrefix(f, "-") {
			verbs = append(verbs, f)
		}
	}

	if table, ok := subcommands[base]; ok && len(verbs) > 0 {
		verb := verbs[0]
		// npm run test, yarn run build
		if verb == "run" && base != "go" && base != "cargo" && base != "dotnet" && len(verbs) > 1 {
			verb = verbs[1]
			if strings.Contains(verb, "test") {
				return CmdTest
			}
			if strings.Contains(verb, "build") {
				return CmdBuild
			}
			return CmdRun
		}
		if c, ok := table[verb]; ok {
			return c
		}
	}
	// python -m pytest
	if base == "python" || base == "python3" {
		for _, v := range verbs {
			if v == "pytest" || v == "unittest" {
				return CmdTest
			}
		}
	}
	if c, ok := baseClass[base]; ok {
		return c
	}
	return CmdOther
}
