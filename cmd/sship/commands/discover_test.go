package commands

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/SpatiumPortae/sship/internal/code"
	"github.com/SpatiumPortae/sship/internal/discovery"
	"github.com/stretchr/testify/assert"
)

func TestPrintEntries(t *testing.T) {
	now := time.Now()
	var out bytes.Buffer
	printEntries(&out, nil, now)
	assert.Equal(t, "no offers found\n", out.String())

	out.Reset()
	fp := code.Code(48219073).Fingerprint()
	printEntries(&out, []discovery.Entry{
		{Fingerprint: fp, Address: "192.168.1.20:41234", Expires: now.Add(90 * time.Second)},
		{Fingerprint: fp, Address: "192.168.1.21:41234", Consumed: true, Expires: now.Add(time.Minute)},
	}, now)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], fp.Short()))
	assert.Contains(t, lines[1], "waiting")
	assert.Contains(t, lines[1], "1m30s")
	assert.Contains(t, lines[2], "pairing")
}

func TestCodeCompletion(t *testing.T) {
	got, _ := codeCompletion(nil, nil, "4821")
	assert.Equal(t, []string{"4821-"}, got)
	got, _ = codeCompletion(nil, nil, "48")
	assert.Empty(t, got)
	got, _ = codeCompletion(nil, nil, "ab12")
	assert.Empty(t, got)
}
