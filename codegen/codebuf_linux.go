//go:build linux

package codegen

import "syscall"

func mapBuffer(capacity int) ([]byte, bool, error) {
	buf, err := syscall.Mmap(-1, 0, capacity,
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_ANON|syscall.MAP_PRIVATE)
	if err != nil {
		return nil, false, err
	}
	return buf, true, nil
}

func sealBuffer(buf []byte, mapped bool) error {
	if !mapped || len(buf) == 0 {
		return nil
	}
	return syscall.Mprotect(buf, syscall.PROT_READ|syscall.PROT_EXEC)
}

func unmapBuffer(buf []byte, mapped bool) error {
	if !mapped {
		return nil
	}
	return syscall.Munmap(buf)
}
