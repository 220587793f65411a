package health

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// DirWritable returns a [Checker] that fails unless dir exists and a file
// can be created in it.
func DirWritable(name, dir string) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		f, err := os.CreateTemp(dir, ".readyz-*")
		if err != nil {
			return fmt.Errorf("write %s: %w", dir, err)
		}
		name := f.Name()
		f.Close()
		return os.Remove(name)
	}}
}

// Connected returns a [Checker] that fails while up reports false.
func Connected(name string, up func() bool) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !up() {
			return errors.New("not connected")
		}
		return nil
	}}
}
