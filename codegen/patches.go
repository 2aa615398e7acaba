package codegen

import (
	"encoding/binary"
	"fmt"

	"github.com/calderavm/caldera/log"
)

// PlaceholderImm marks an immediate the emitter could not encode yet: a
// literal-pool or root-table reference whose final address is unknown until
// the buffer is placed. EmitPatches rewrites every recorded site and refuses
// to touch a site that does not carry the marker.
const PlaceholderImm uint32 = 0x99999999

// PatchKind selects the final encoding of a patched immediate.
type PatchKind int

const (
	// PatchAbsolute writes the low 32 bits of the target address.
	PatchAbsolute PatchKind = iota
	// PatchRelative writes the displacement from the end of the immediate
	// to the target, the rip-relative form.
	PatchRelative
)

type patchSite struct {
	kind   PatchKind
	offset int // byte offset of the imm32 in the code buffer
	lit    *Literal
	root   *rootEntry
}

// RecordLiteralPatch notes that the imm32 at offset must resolve to lit's
// pool slot.
func (u *Unit) RecordLiteralPatch(offset int, kind PatchKind, lit *Literal) {
	u.patches = append(u.patches, patchSite{kind: kind, offset: offset, lit: lit})
}

// RecordStringRootPatch notes that the imm32 at offset must resolve to the
// root-table slot of ref. The root must already be reserved.
func (u *Unit) RecordStringRootPatch(offset int, kind PatchKind, ref StringReference) {
	e, ok := u.stringRoots[ref]
	if !ok {
		log.Crit(log.CodegenMonitoring, "Patch against unreserved string root", "index", ref.Index)
	}
	u.patches = append(u.patches, patchSite{kind: kind, offset: offset, root: e})
}

// RecordClassRootPatch is RecordStringRootPatch for class roots.
func (u *Unit) RecordClassRootPatch(offset int, kind PatchKind, ref TypeReference) {
	e, ok := u.classRoots[ref]
	if !ok {
		log.Crit(log.CodegenMonitoring, "Patch against unreserved class root", "index", ref.Index)
	}
	u.patches = append(u.patches, patchSite{kind: kind, offset: offset, root: e})
}

// EmitLiteralPool appends the unit's literals to buf in creation order and
// binds their offsets. Returns the pool's start offset within the buffer.
// The pool is 8-aligned so that 8-byte literals are naturally aligned.
func (u *Unit) EmitLiteralPool(buf *CodeBuffer) int {
	buf.Align(8)
	start := buf.Len()
	for _, l := range u.literalOrder {
		if l.size == 8 {
			buf.Align(8)
		}
		l.offset = buf.Len() - start
		l.bound = true
		switch l.size {
		case 4:
			buf.Emit32(uint32(l.value))
		case 8:
			buf.Emit64(l.value)
		}
	}
	return start
}

// EmitPatches rewrites every recorded placeholder in code with its final
// encoding, given the placed base addresses of the code, the literal pool
// and the root table. A site without the placeholder marker means the
// emitter and the patch records disagree, which is unrecoverable for this
// buffer.
func (u *Unit) EmitPatches(code []byte, codeBase, poolBase, tableBase uintptr) error {
	for _, site := range u.patches {
		if site.offset < 0 || site.offset+4 > len(code) {
			return fmt.Errorf("patch site %#x outside code buffer of %d bytes", site.offset, len(code))
		}
		imm := code[site.offset : site.offset+4]
		if binary.LittleEndian.Uint32(imm) != PlaceholderImm {
			return fmt.Errorf("patch site %#x does not hold the placeholder: %#x",
				site.offset, binary.LittleEndian.Uint32(imm))
		}

		var target uintptr
		switch {
		case site.lit != nil:
			off, bound := site.lit.Offset()
			if !bound {
				log.Crit(log.CodegenMonitoring, "Patch against unemitted literal pool")
			}
			target = poolBase + uintptr(off)
		case site.root != nil:
			if !site.root.final {
				log.Crit(log.CodegenMonitoring, "Patch against unfinalized root table")
			}
			target = tableBase + uintptr(site.root.index)*8
		}

		switch site.kind {
		case PatchAbsolute:
			binary.LittleEndian.PutUint32(imm, uint32(target))
		case PatchRelative:
			binary.LittleEndian.PutUint32(imm, uint32(target-(codeBase+uintptr(site.offset)+4)))
		}
	}
	log.Trace(log.CodegenMonitoring, "patches emitted", "count", len(u.patches))
	return nil
}
