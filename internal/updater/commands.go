package updater

import (
	"github.com/kballard/go-shellquote"
)

// Commands describes where the managed service lives on a node and how
// it is built and supervised.
type Commands struct {
	Dir     string // git checkout of the service
	Branch  string
	Unit    string // systemd unit
	Install string // dependency install command, run inside Dir
}

func (c Commands) inDir(args ...string) string {
	return "cd " + shellquote.Join(c.Dir) + " && " + shellquote.Join(args...)
}

func (c Commands) version() string {
	return c.inDir("git", "rev-parse", "--short", "HEAD")
}

func (c Commands) fetch() string {
	return c.inDir("git", "fetch", "--prune", "origin") + " && " +
		shellquote.Join("git", "reset", "--hard", "origin/"+c.Branch)
}

func (c Commands) checkout(revision string) string {
	return c.inDir("git", "checkout", "--force", revision)
}

// install is a shell snippet supplied by configuration, so it is not
// quoted.
func (c Commands) install() string {
	return "cd " + shellquote.Join(c.Dir) + " && " + c.Install
}

func (c Commands) restart() string {
	return shellquote.Join("systemctl", "restart", c.Unit)
}

func (c Commands) isActive() string {
	return shellquote.Join("systemctl", "is-active", c.Unit)
}
