package groupsenv

import (
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	"github.com/sailfishos/user-managerd/logger"
)

func TestLoadUnionsUserGroupsKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "group_ids.env")
	content := "USER_GROUPS=sailfish-foo, sailfish-bar\nUSER_GROUPS_EXTRA=account-baz\nOTHER=ignored\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	groups, err := Load(path, logger.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sort.Strings(groups)
	want := []string{"account-baz", "sailfish-bar", "sailfish-foo"}
	if !reflect.DeepEqual(groups, want) {
		t.Errorf("got %v want %v", groups, want)
	}
}
