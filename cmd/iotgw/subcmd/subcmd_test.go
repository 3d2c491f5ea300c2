package subcmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	mods := []Mod{{Name: "run"}, {Name: "queue"}}
	cases := []struct {
		name      string
		command   string
		expect    string
		expectErr string
	}{
		{"run", "run", "run", ""},
		{"queue", "queue", "queue", ""},
		{"empty", "", "", "empty command"},
		{"unknown", "fly", "", "unknown command='fly'"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			m, err := Parse(c.command, mods)
			if c.expectErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, m.Name)
		})
	}
}

func TestParseCodeError(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { _, _ = Parse("x", []Mod{{}}) })
}
