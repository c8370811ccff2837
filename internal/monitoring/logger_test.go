package monitoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func restoreLogger(t *testing.T) {
	original := Logf
	t.Cleanup(func() { Logf = original })
}

func TestSetLogger(t *testing.T) {
	restoreLogger(t)

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	Logf("queue dropped %d", 2)
	assert.Equal(t, []string{"queue dropped 2"}, lines)

	SetLogger(nil)
	assert.NotPanics(t, func() { Logf("muted") })
	assert.Len(t, lines, 1, "nil logger must not reach the previous one")
}

func TestDefaultLoggerIsSet(t *testing.T) {
	assert.NotNil(t, Logf)
}

func TestTagged(t *testing.T) {
	restoreLogger(t)

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})

	logf := Tagged("Mpc")
	logf("iteration %d", 3)
	assert.Equal(t, "[Mpc] iteration 3", got)

	// Loggers follow later SetLogger calls.
	var redirected bool
	SetLogger(func(string, ...interface{}) { redirected = true })
	logf("again")
	assert.True(t, redirected)
}
