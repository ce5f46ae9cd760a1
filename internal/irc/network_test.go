package irc

import (
	"strings"
	"testing"
)

func TestRandomizeNickNoPlaceholder(t *testing.T) {
	if got := randomizeNick("fetcharr"); got != "fetcharr" {
		t.Errorf("randomizeNick() = %q, want unchanged nick", got)
	}
}

func TestRandomizeNickReplacesPlaceholder(t *testing.T) {
	got := randomizeNick("fetcharr$")
	if strings.Contains(got, "$") {
		t.Errorf("randomizeNick() = %q, placeholder not replaced", got)
	}
	if len(got) != len("fetcharr")+3 {
		t.Errorf("randomizeNick() = %q, want 3 character suffix", got)
	}
}

func TestRandomizeNickSameSuffixForAllPlaceholders(t *testing.T) {
	got := randomizeNick("$bot$")
	parts := strings.Split(got, "bot")
	if len(parts) != 2 || parts[0] != parts[1] {
		t.Errorf("randomizeNick() = %q, want identical suffix for each placeholder", got)
	}
}

func TestNickservAcceptedRegex(t *testing.T) {
	accepted := []string{"Password accepted - you are now recognized", "password accepted"}
	for _, notice := range accepted {
		if !nickservAcceptedRegex.MatchString(notice) {
			t.Errorf("notice %q should match", notice)
		}
	}
	if nickservAcceptedRegex.MatchString("Invalid password for nick") {
		t.Error("rejection notice should not match")
	}
}
