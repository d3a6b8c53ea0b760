package kernel

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Registers is the register snapshot the Fatal panic path dumps, named
// after the SystemV AMD64 general-purpose set plus RIP/RFLAGS.
type Registers struct {
	RIP, RSP, RBP    uint64
	RAX, RBX, RCX, RDX uint64
	RSI, RDI         uint64
	R8, R9, R10, R11 uint64
	R12, R13, R14, R15 uint64
	RFLAGS           uint64
}

// decodeMode64 selects 64-bit instruction decoding.
const decodeMode64 = 64

// DecodeFaultingInstruction disassembles the bytes captured at the
// faulting RIP, grounded on spec.md §7's "Fatal ... panic path" contract
// and the teacher's direct golang.org/x/arch dependency. codeAtRIP should
// hold at least 15 bytes (the longest possible x86_64 instruction); a
// shorter slice may fail to decode.
func DecodeFaultingInstruction(codeAtRIP []byte) (x86asm.Inst, error) {
	return x86asm.Decode(codeAtRIP, decodeMode64)
}

// Report formats the fatal-panic dump: the reason, the full register
// snapshot, and the decoded faulting instruction when codeAtRIP decodes
// cleanly (a raw hex dump otherwise).
func Report(reason string, regs Registers, codeAtRIP []byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "KERNEL PANIC: %s\n", reason)
	fmt.Fprintf(&b, "rip=%#016x rsp=%#016x rbp=%#016x rflags=%#016x\n", regs.RIP, regs.RSP, regs.RBP, regs.RFLAGS)
	fmt.Fprintf(&b, "rax=%#016x rbx=%#016x rcx=%#016x rdx=%#016x\n", regs.RAX, regs.RBX, regs.RCX, regs.RDX)
	fmt.Fprintf(&b, "rsi=%#016x rdi=%#016x r8=%#016x r9=%#016x\n", regs.RSI, regs.RDI, regs.R8, regs.R9)
	fmt.Fprintf(&b, "r10=%#016x r11=%#016x r12=%#016x r13=%#016x\n", regs.R10, regs.R11, regs.R12, regs.R13)
	fmt.Fprintf(&b, "r14=%#016x r15=%#016x\n", regs.R14, regs.R15)

	if inst, err := DecodeFaultingInstruction(codeAtRIP); err == nil {
		fmt.Fprintf(&b, "faulting instruction: %s\n", inst.String())
	} else {
		fmt.Fprintf(&b, "faulting instruction: <undecodable> bytes=% x\n", firstN(codeAtRIP, 15))
	}
	return b.String()
}

func firstN(b []byte, n int) []byte {
	if len(b) < n {
		return b
	}
	return b[:n]
}
