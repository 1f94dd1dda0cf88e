package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	oldV, oldSHA, oldTime := Version, GitSHA, BuildTime
	t.Cleanup(func() { Version, GitSHA, BuildTime = oldV, oldSHA, oldTime })

	Version, GitSHA, BuildTime = "v0.3.1", "abc1234", "2026-10-19T12:00:00Z"
	assert.Equal(t, "v0.3.1 (abc1234, built 2026-10-19T12:00:00Z)", String())
}
