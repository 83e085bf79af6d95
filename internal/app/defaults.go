package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Defaults are the locations used before a config file exists.
type Defaults struct {
	ConfigPath string
	BaseDir    string // journal, keys, spool and logs
	RepoDir    string // the archive git repository
}

// GetDefaults resolves the default locations. Each one can be overridden:
//   - CHRONICLER_CONFIG_PATH, else $XDG_CONFIG_HOME/chronicler.toml,
//     else ~/.config/chronicler.toml
//   - CHRONICLER_HOME, else $XDG_DATA_HOME/chronicler,
//     else ~/.local/share/chronicler
//   - CHRONICLER_REPO, else <base>/archive
//
// Override values may start with "~/".
func GetDefaults() (Defaults, error) {
	var (
		d   Defaults
		err error
	)
	d.ConfigPath, err = resolvePath("CHRONICLER_CONFIG_PATH", "XDG_CONFIG_HOME", ".config", "chronicler.toml")
	if err != nil {
		return Defaults{}, err
	}
	d.BaseDir, err = resolvePath("CHRONICLER_HOME", "XDG_DATA_HOME", filepath.Join(".local", "share"), "chronicler")
	if err != nil {
		return Defaults{}, err
	}

	d.RepoDir = filepath.Join(d.BaseDir, "archive")
	if repo := os.Getenv("CHRONICLER_REPO"); repo != "" {
		if d.RepoDir, err = expandHome(repo); err != nil {
			return Defaults{}, err
		}
	}
	return d, nil
}

func resolvePath(override, xdgVar, homeSubdir, name string) (string, error) {
	if p := os.Getenv(override); p != "" {
		return expandHome(p)
	}
	// XDG requires absolute paths; anything else is ignored.
	if dir := os.Getenv(xdgVar); filepath.IsAbs(dir) {
		return filepath.Join(dir, name), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, homeSubdir, name), nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding %s: %w", p, err)
	}
	return filepath.Join(home, p[1:]), nil
}
