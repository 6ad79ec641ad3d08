package logger

import (
	"fmt"
	"log"
	"os"
)

// New returns a stdlib-backed logger for CLI tools.
func New(tool string) *log.Logger {
	prefix := fmt.Sprintf("[%s] ", tool)
	return log.New(os.Stderr, prefix, log.LstdFlags)
}
