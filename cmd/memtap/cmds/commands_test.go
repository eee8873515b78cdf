package cmds

import (
	"testing"
)

func TestCommandTree(t *testing.T) {
	root := New()
	want := map[string]bool{
		"attach":  false,
		"find":    false,
		"read":    false,
		"write":   false,
		"chain":   false,
		"version": false,
	}
	for _, sub := range root.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q missing from command tree", name)
		}
	}
}

func TestFindFlags(t *testing.T) {
	root := New()
	find, _, err := root.Find([]string{"find"})
	if err != nil {
		t.Fatal(err)
	}
	for _, flag := range []string{"strict", "wait", "wait-interval"} {
		if find.Flags().Lookup(flag) == nil {
			t.Errorf("find command missing --%s", flag)
		}
	}
	if root.PersistentFlags().Lookup("log") == nil {
		t.Error("root command missing --log")
	}
	if root.PersistentFlags().Lookup("log-output") == nil {
		t.Error("root command missing --log-output")
	}
}

func TestOneShotCommandsTakeTargetFlags(t *testing.T) {
	root := New()
	for _, name := range []string{"read", "write", "chain"} {
		sub, _, err := root.Find([]string{name})
		if err != nil {
			t.Fatal(err)
		}
		if sub.Flags().Lookup("pid") == nil || sub.Flags().Lookup("name") == nil {
			t.Errorf("%s command missing --pid/--name", name)
		}
	}
}
