//go:build !linux

package codegen

// Plain heap backing outside linux: no executable sealing, but emission,
// patching and registration all behave the same.
func mapBuffer(capacity int) ([]byte, bool, error) {
	return make([]byte, capacity), false, nil
}

func sealBuffer([]byte, bool) error { return nil }

func unmapBuffer([]byte, bool) error { return nil }
