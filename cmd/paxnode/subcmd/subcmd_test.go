package subcmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/paxnode/internal/config"
)

func TestParse(t *testing.T) {
	t.Parallel()
	noop := func(context.Context, *config.Config, []string) error { return nil }
	mods := []Mod{
		{Name: "run", Usage: "deliver telemetry", Main: noop},
		{Name: "version", Main: noop, NoConfig: true},
	}

	cases := []struct {
		command   string
		expect    string
		expectErr string
	}{
		{"run", "run", ""},
		{"version", "version", ""},
		{"", "", "empty command"},
		{"fly", "", "unknown command='fly'"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.command, func(t *testing.T) {
			t.Parallel()
			m, err := Parse(c.command, mods)
			if c.expectErr != "" {
				require.EqualError(t, err, c.expectErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, m.Name)
		})
	}
	assert.Contains(t, Usage(mods), "run          deliver telemetry")
}
