package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Command
	}{
		{"/reset", Reset{}},
		{"  /RETRY  ", Retry{}},
		{"/usage", Usage{}},
		{"/help", Help{}},
		{"/reset@relaybot", Reset{}},
		{"/set_public yes", SetPublic{Public: true}},
		{"/set_public 0", SetPublic{Public: false}},
		{"/add_member @alice", AddMember{UserID: "alice"}},
		{"/del_member bob", DelMember{UserID: "bob"}},
		{"/set_public", Unknown{Name: "set_public", Reason: "usage: /set_public on|off"}},
		{"/set_public sometimes", Unknown{Name: "set_public", Reason: "usage: /set_public on|off"}},
		{"/add_member", Unknown{Name: "add_member", Reason: "usage: /add_member <user>"}},
		{"/dalle a cat", Unknown{Name: "dalle"}},
		{"/raw", Raw{Index: 1}},
		{"/raw 3", Raw{Index: 3}},
		{"/raw 0", Unknown{Name: "raw", Reason: "usage: /raw [n]"}},
		{"/raw last", Unknown{Name: "raw", Reason: "usage: /raw [n]"}},
		{"/reset@otherbot", Ignored{}},
		{"/RAW@OtherBot 2", Ignored{}},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := Parse(tc.in, "relaybot")
			assert.True(t, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseIgnoresNonCommands(t *testing.T) {
	for _, in := range []string{"hello", "", "what about /reset"} {
		_, ok := Parse(in, "relaybot")
		assert.False(t, ok, in)
	}
}

func TestRequiresAdmin(t *testing.T) {
	assert.True(t, RequiresAdmin(SetPublic{}))
	assert.True(t, RequiresAdmin(AddMember{}))
	assert.True(t, RequiresAdmin(DelMember{}))
	assert.False(t, RequiresAdmin(Reset{}))
	assert.False(t, RequiresAdmin(Usage{}))
}
