package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestYaml(t *testing.T) {
	lines := strings.Split(strings.TrimSpace(string(GetDefault().Yaml())), "\n")
	assert.Len(t, lines, len(GetDefault().Map()))
	assert.Equal(t, "chunk_size: 65536", lines[0])
	assert.Contains(t, lines, "tui_style: rich")
	assert.Contains(t, lines, "code_lifetime: 10m0s")
}

func TestDefaultsRoundTrip(t *testing.T) {
	v := viper.New()
	v.SetConfigType(CONFIG_FILE_EXT)
	require.NoError(t, v.ReadConfig(strings.NewReader(string(GetDefault().Yaml()))))

	var got Config
	require.NoError(t, v.Unmarshal(&got))
	assert.Equal(t, GetDefault(), got)
}

func TestPortal(t *testing.T) {
	t.Cleanup(viper.Reset)
	for k, v := range GetDefault().Map() {
		viper.SetDefault(k, v)
	}
	viper.Set("rendezvous", "localhost:8080")
	viper.Set("compress", true)

	c := Portal()
	assert.Equal(t, "localhost:8080", c.RendezvousAddr)
	assert.True(t, c.Compress)
	assert.Equal(t, GetDefault().ChunkSize, c.ChunkSize)
	assert.Equal(t, GetDefault().CodeLifetime, c.CodeLifetime)
}

func TestAnnotated(t *testing.T) {
	c := GetDefault()
	c.Discovery = "multicast"
	c.ChunkSize = 1024
	lines := strings.Split(strings.TrimSpace(string(c.Annotated())), "\n")
	assert.Equal(t, "chunk_size: 1024 # default: 65536", lines[0])
	assert.Contains(t, lines, "discovery: multicast # default: rendezvous")
	assert.Contains(t, lines, "tui_style: rich")
}

func TestProblems(t *testing.T) {
	assert.Empty(t, GetDefault().Problems())

	c := GetDefault()
	c.TuiStyle = "fancy"
	c.Discovery = "carrier pigeon"
	c.ChunkSize = 0
	c.IdleTimeout = 0
	problems := c.Problems()
	require.Len(t, problems, 4)
	assert.Contains(t, problems[0], "chunk_size 0")
	assert.Contains(t, problems[1], `discovery "carrier pigeon"`)
	assert.Contains(t, problems[2], "idle_timeout")
	assert.Contains(t, problems[3], `tui_style "fancy"`)
}

func TestResolved(t *testing.T) {
	t.Cleanup(viper.Reset)
	for k, v := range GetDefault().Map() {
		viper.SetDefault(k, v)
	}
	viper.Set("discovery", "multicast")
	viper.Set("progress_dir", "")

	c, err := Resolved()
	require.NoError(t, err)
	assert.Equal(t, "multicast", c.Discovery)
	assert.NotEmpty(t, c.ProgressDir)
	assert.Equal(t, GetDefault().IdleTimeout, c.IdleTimeout)
}
