// Package groupsenv parses /usr/share/sailfish-setup/group_ids.env, the
// USER_GROUPS*=g1,g2,... file a freshly-added user is joined to
// (spec.md §4.G.3). It uses gopkg.in/ini.v1 the way the teacher's
// cmd/steelcut/main.go uses it to read host lists, loaded in
// no-section, loose key=value mode since group_ids.env has no [section]
// headers.
package groupsenv

import (
	"strings"

	"gopkg.in/ini.v1"

	"github.com/sailfishos/user-managerd/logger"
)

// Path is the default location of the group membership file.
const Path = "/usr/share/sailfish-setup/group_ids.env"

const keyPrefix = "USER_GROUPS"

// Load reads every key at path whose name starts with USER_GROUPS and
// returns the union of their comma-separated, trimmed values.
func Load(path string, log logger.Logger) ([]string, error) {
	if log == nil {
		log = logger.Nop()
	}

	cfg, err := ini.LoadSources(ini.LoadOptions{
		AllowBooleanKeys:        true,
		SkipUnrecognizableLines: true,
		IgnoreInlineComment:     true,
	}, path)
	if err != nil {
		return nil, err
	}

	var groups []string
	for _, section := range cfg.Sections() {
		for _, key := range section.Keys() {
			if !strings.HasPrefix(key.Name(), keyPrefix) {
				continue
			}
			for _, g := range strings.Split(key.Value(), ",") {
				g = strings.TrimSpace(g)
				if g != "" {
					groups = append(groups, g)
				}
			}
		}
	}

	if len(groups) == 0 {
		log.Warn("groupsenv: no USER_GROUPS* entries found", "path", path)
	}
	return groups, nil
}
