package code_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/SpatiumPortae/sship/internal/code"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	format := regexp.MustCompile(`^\d{4}-\d{4}$`)
	for i := 0; i < 200; i++ {
		c, err := code.Generate()
		require.NoError(t, err)

		hi, lo := c.Groups()
		assert.True(t, hi >= 0 && hi <= 9999)
		assert.True(t, lo >= 0 && lo <= 9999)
		assert.Regexp(t, format, c.String())

		parsed, err := code.Validate(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}
}

func TestValidate(t *testing.T) {
	t.Run("positive", func(t *testing.T) {
		tests := map[string]string{
			"canonical":     "4821-9073",
			"digits only":   "48219073",
			"space":         "4821 9073",
			"padded":        "  4821-9073\n",
			"leading zeros": "0000-0001",
		}
		for name, input := range tests {
			t.Run(name, func(t *testing.T) {
				c, err := code.Validate(input)
				assert.NoError(t, err)
				assert.True(t, code.IsValid(input))
				if name == "leading zeros" {
					assert.Equal(t, "0000-0001", c.String())
				} else {
					assert.Equal(t, "4821-9073", c.String())
				}
			})
		}
	})
	t.Run("negative", func(t *testing.T) {
		for _, input := range []string{"", "4821-907", "4821--9073", "48a1-9073", "4821-90731", "1-2", "４８２１-９０７３"} {
			_, err := code.Validate(input)
			assert.ErrorIs(t, err, code.ErrMalformedCode, input)
		}
	})
}

func TestFingerprint(t *testing.T) {
	a, _ := code.Validate("4821-9073")
	b, _ := code.Validate("4821-9074")

	assert.Equal(t, a.Fingerprint(), a.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	assert.NotContains(t, string(a.Fingerprint()), "48219073")
	assert.Len(t, string(a.Fingerprint()), 32)
}

func TestLease(t *testing.T) {
	c, _ := code.Validate("4821-9073")

	t.Run("single use", func(t *testing.T) {
		l := code.NewLease(c, time.Minute)
		assert.NoError(t, l.Valid())

		got, err := l.Consume()
		require.NoError(t, err)
		assert.Equal(t, c, got)

		_, err = l.Consume()
		assert.ErrorIs(t, err, code.ErrExpiredCode)
		assert.ErrorIs(t, l.Valid(), code.ErrExpiredCode)
	})

	t.Run("lifetime", func(t *testing.T) {
		l := code.NewLease(c, 20*time.Millisecond)
		time.Sleep(40 * time.Millisecond)
		assert.Zero(t, l.Remaining())
		_, err := l.Consume()
		assert.ErrorIs(t, err, code.ErrExpiredCode)

		ctx, cancel := l.Context(context.Background())
		defer cancel()
		<-ctx.Done()
		assert.True(t, l.Expired(ctx))
	})

	t.Run("renew", func(t *testing.T) {
		l := code.NewLease(c, time.Minute)
		_, err := l.Consume()
		require.NoError(t, err)

		renewed := l.Renew(time.Minute)
		assert.Equal(t, l.Fingerprint(), renewed.Fingerprint())
		_, err = renewed.Consume()
		assert.NoError(t, err)
	})
}
