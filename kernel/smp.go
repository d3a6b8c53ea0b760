package kernel

// APInfo describes one CPU entry from the bootloader's MP/SMP response,
// mirroring the fields original_source/boot/src/smp.rs reads off
// limine::mp::Cpu (lapic id, whether it is the BSP).
type APInfo struct {
	LapicID uint32
	IsBSP   bool
}

// APStarter abstracts the goto_address-write-then-spin-poll dance
// smp_init performs per AP: production wiring pokes the real trampoline
// and polls the AP's online flag; tests fake the outcome directly. This
// keeps the bring-up bookkeeping below exercised without ever touching
// real CPU startup IPIs.
type APStarter interface {
	TryStart(lapicID uint32) bool
}

// BringUpResult tallies the AP bring-up pass, the bookkeeping
// original_source/boot/src/smp.rs keeps (minus the dropped W/L ledger
// calls — see DESIGN.md's Open Question decisions).
type BringUpResult struct {
	Discovered int
	Started    int
	Failed     int
}

// BringUpAPs starts every non-BSP CPU in aps via starter and tallies the
// outcome. spec.md scopes cross-CPU scheduling correctness out; this
// models only the accounting SPEC_FULL.md §4 supplements.
func BringUpAPs(starter APStarter, aps []APInfo, bspLapicID uint32) BringUpResult {
	result := BringUpResult{}
	for _, ap := range aps {
		if ap.IsBSP || ap.LapicID == bspLapicID {
			continue
		}
		result.Discovered++
		if starter.TryStart(ap.LapicID) {
			result.Started++
		} else {
			result.Failed++
		}
	}
	return result
}
