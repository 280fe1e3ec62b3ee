package agent

import "testing"

func TestIsSilentReply(t *testing.T) {
	silent := []string{
		"NO_REPLY",
		"no_reply",
		"  NO_REPLY  ",
		"**NO_REPLY**",
		"`NO_REPLY`",
		"\"NO_REPLY\"",
	}
	for _, s := range silent {
		if !IsSilentReply(s) {
			t.Errorf("IsSilentReply(%q) = false, want true", s)
		}
	}

	loud := []string{
		"",
		"hello",
		"NO_REPLY but actually here is my answer",
		"the token is NO_REPLY",
	}
	for _, s := range loud {
		if IsSilentReply(s) {
			t.Errorf("IsSilentReply(%q) = true, want false", s)
		}
	}
}
