package cli

import (
	"os"

	"github.com/charmbracelet/huh"
)

// NewAccessibleForm creates a huh form that switches to plain prompts read
// from stdin when ACCESSIBLE is set.
func NewAccessibleForm(groups ...*huh.Group) *huh.Form {
	return huh.NewForm(groups...).WithAccessible(os.Getenv("ACCESSIBLE") != "")
}
