package load

import (
	"github.com/skudasov/kvload"
)

// CheckFromName custom runtime checks of a handle, nil means stop_if from config is used
func CheckFromName(name string) kvload.RuntimeCheckFunc {
	switch name {
	default:
		return nil
	}
}
