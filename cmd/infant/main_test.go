// cmd/infant/main_test.go
package main

import (
	"errors"
	"io/fs"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetMocks() {
	osWriteFile = os.WriteFile
	osExit = os.Exit
}

func TestHandlePanic(t *testing.T) {
	defer resetMocks()

	t.Run("writes the panic log", func(t *testing.T) {
		var written string
		exitCode := -1
		osWriteFile = func(name string, data []byte, _ fs.FileMode) error {
			assert.Equal(t, panicLogFile, name)
			written = string(data)
			return nil
		}
		osExit = func(code int) { exitCode = code }

		func() {
			defer handlePanic()
			panic("boom")
		}()

		assert.Equal(t, 2, exitCode)
		assert.Contains(t, written, "panic: boom")
		assert.Contains(t, written, "goroutine")
	})

	t.Run("falls back to stderr", func(t *testing.T) {
		exitCode := -1
		osWriteFile = func(string, []byte, fs.FileMode) error { return errors.New("read-only filesystem") }
		osExit = func(code int) { exitCode = code }

		func() {
			defer handlePanic()
			panic("boom")
		}()
		assert.Equal(t, 2, exitCode)
	})

	t.Run("no panic is a no-op", func(t *testing.T) {
		osExit = func(int) { t.Fatal("exit called without a panic") }
		func() {
			defer handlePanic()
		}()
	})
}

func TestMainVersion(t *testing.T) {
	defer resetMocks()
	args := os.Args
	defer func() { os.Args = args }()

	exitCode := -1
	osExit = func(code int) { exitCode = code }
	os.Args = []string{"infant", "version"}
	main()
	require.Equal(t, -1, exitCode, "a successful command does not exit")
}
