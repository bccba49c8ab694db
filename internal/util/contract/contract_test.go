package contract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func capture(t *testing.T) *[]string {
	var msgs []string
	prev := FatalHook
	FatalHook = func(msg string) { msgs = append(msgs, msg) }
	t.Cleanup(func() { FatalHook = prev })
	return &msgs
}

func TestContracts(t *testing.T) {
	msgs := capture(t)

	Assert(true)
	Assertf(true, "never")
	Require(true, "x")
	Requiref(true, "x", "never")
	assert.Empty(t, *msgs)

	Assertf(false, "offset %d", 4)
	Requiref(false, "patches", "duplicate offset %d", 8)
	Failf("double free of %s", "r0")
	assert.Equal(t, []string{
		"An assertion has failed: offset 4",
		"A precondition has failed for patches: duplicate offset 8",
		"A failure has occurred: double free of r0",
	}, *msgs)
}
