package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	oldVersion, oldSHA, oldTime := Version, GitSHA, BuildTime
	t.Cleanup(func() { Version, GitSHA, BuildTime = oldVersion, oldSHA, oldTime })

	assert.Equal(t, "aimlink dev (unknown, built unknown)", String())

	Version, GitSHA, BuildTime = "v0.3.1", "4f2c9e1", "2026-10-01T12:00:00Z"
	assert.Equal(t, "aimlink v0.3.1 (4f2c9e1, built 2026-10-01T12:00:00Z)", String())
}
