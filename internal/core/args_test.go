package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppendArgs(t *testing.T) {
	cases := []struct {
		name string
		args string
		want string
	}{
		{"empty", "", "run.sh"},
		{"object keeps key order", `{"b":1,"a":"x y"}`, `run.sh --b=1 '--a=x y'`},
		{"array", `["one", 2, true]`, "run.sh one 2 true"},
		{"raw text", "-v --force", "run.sh -v --force"},
		{"scalar json adds nothing", `"hello"`, "run.sh"},
		{"trailing garbage is raw", `{"a":1} extra`, `run.sh {"a":1} extra`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, appendArgs("run.sh", tc.args))
		})
	}
}

func TestParseEnvLines(t *testing.T) {
	env := parseEnvLines("FOO=bar\n\n# comment\n BAZ = qux \nnovalue\n=empty\nURL=a=b")
	assert.Equal(t, []string{"FOO=bar", "BAZ=qux", "URL=a=b"}, env)
}

func TestCappedBuffer(t *testing.T) {
	buf := newCappedBuffer(5)
	_, _ = buf.Write([]byte("abc"))
	_, _ = buf.Write([]byte("defgh"))
	assert.Equal(t, "abcde"+truncatedMarker, buf.String())

	unlimited := newCappedBuffer(0)
	_, _ = unlimited.Write([]byte("abcdefgh"))
	assert.Equal(t, "abcdefgh", unlimited.String())
}
