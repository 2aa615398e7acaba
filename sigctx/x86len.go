package sigctx

// InstructionSize computes the byte length of the x86-64 instruction at the
// start of code. It only understands the memory-touching opcodes the compiler
// emits at implicit-check sites; anything else returns 0 so the caller
// rejects the fault instead of advancing the PC by a guessed amount.
func InstructionSize(code []byte) int {
	i := 0
	fetch := func(b *byte) bool {
		if i >= len(code) {
			return false
		}
		if b != nil {
			*b = code[i]
		}
		i++
		return true
	}

	var opcode byte
	if !fetch(&opcode) {
		return 0
	}
	var modrm byte
	hasModrm := false
	twoByte := false
	displacementSize := 0
	immediateSize := 0
	operandSizePrefix := false

	// Prefixes.
	for {
		prefixPresent := false
		switch opcode {
		case 0x66: // group 3, operand size override
			operandSizePrefix = true
			fallthrough
		case 0xf0, 0xf2, 0xf3, // group 1
			0x2e, 0x36, 0x3e, 0x26, 0x64, 0x65, // group 2, segment overrides
			0x67: // group 4, address size override
			if !fetch(&opcode) {
				return 0
			}
			prefixPresent = true
		}
		if !prefixPresent {
			break
		}
	}

	// REX.
	if opcode >= 0x40 && opcode <= 0x4f {
		if !fetch(&opcode) {
			return 0
		}
	}

	if opcode == 0x0f {
		twoByte = true
		if !fetch(&opcode) {
			return 0
		}
	}

	unhandled := false

	if twoByte {
		switch opcode {
		case 0x10, 0x11, // vmovsd/ss
			0xb6, 0xb7, // movzx
			0xbe, 0xbf: // movsx
			if !fetch(&modrm) {
				return 0
			}
			hasModrm = true
		default:
			unhandled = true
		}
	} else {
		switch opcode {
		case 0x88, 0x89, 0x8b, // mov
			0x38, 0x39, 0x3a, 0x3b, 0x3c, 0x3d, // cmp with memory
			0x85: // test
			if !fetch(&modrm) {
				return 0
			}
			hasModrm = true

		case 0x80, 0x83, 0xc6: // group 1, byte immediate
			if !fetch(&modrm) {
				return 0
			}
			hasModrm = true
			immediateSize = 1

		case 0x81, 0xc7: // group 1 / mov, word immediate
			if !fetch(&modrm) {
				return 0
			}
			hasModrm = true
			if operandSizePrefix {
				immediateSize = 2
			} else {
				immediateSize = 4
			}

		case 0xf6, 0xf7:
			if !fetch(&modrm) {
				return 0
			}
			hasModrm = true
			switch (modrm >> 3) & 7 { // "reg/opcode" field of modr/m
			case 0: // test
				if opcode == 0xf6 {
					immediateSize = 1
				} else if operandSizePrefix {
					immediateSize = 2
				} else {
					immediateSize = 4
				}
			case 2, 3, 4, 5, 6, 7: // not, neg, mul, imul, div, idiv
			default:
				unhandled = true
			}

		default:
			unhandled = true
		}
	}

	if unhandled {
		return 0
	}

	if hasModrm {
		mod := (modrm >> 6) & 3

		// SIB byte.
		if mod != 3 && modrm&7 == 4 {
			if !fetch(nil) {
				return 0
			}
		}

		switch mod {
		case 1:
			displacementSize = 1
		case 2:
			displacementSize = 4
		}
	}

	if i+displacementSize+immediateSize > len(code) {
		return 0
	}
	return i + displacementSize + immediateSize
}
