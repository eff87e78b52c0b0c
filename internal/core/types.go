package core

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ProcessSpec describes one supervised service: what to run, where, and
// whether its exit takes the whole supervisor down.
type ProcessSpec struct {
	Name     string            `yaml:"name" validate:"required"`
	Command  string            `yaml:"command" validate:"required"`
	Args     []string          `yaml:"args,omitempty"`
	Dir      string            `yaml:"dir,omitempty"`
	Env      map[string]string `yaml:"env,omitempty"`
	Critical bool              `yaml:"critical"`
}

// Validate checks the spec's required fields.
func (s ProcessSpec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid process spec %q: %w", s.Name, err)
	}
	return nil
}

// ExitStatus is the terminal outcome of a supervised process.
type ExitStatus struct {
	Code   int           // exit code; ExitCodeFailure when none is available
	Err    error         // the error returned by Wait, if any
	Uptime time.Duration // time between a successful start and the exit
}
