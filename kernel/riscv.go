package kernel

const PGSIZE = uint64(4096)

// MAXVA is actually one bit less than the max allowed by Sv39, to avoid
// having to sign-extend virtual addresses that have the high bit set.
const MAXVA = uint64(1) << 38

const (
	PTE_V = 1 << 0 // Valid
	PTE_R = 1 << 1 // Readable
	PTE_W = 1 << 2 // Writable
	PTE_X = 1 << 3 // Executable
	PTE_U = 1 << 4 // User
	PTE_G = 1 << 5 // Global
	PTE_A = 1 << 6 // Accessed
	PTE_D = 1 << 7 // Dirty
)

// Pte is a single Sv39 page-table entry.
type Pte uint64

// Pagetable is the physical address of a root (or interior) table page.
// Zero means no table.
type Pagetable uint64

// PX extracts the 9-bit index into the level'th table for va.
func PX(level int, va uint64) uint64 { return (va >> (12 + uint(level)*9)) & 0x1FF }

func PTE2PA(pte Pte) uint64 { return (uint64(pte) >> 10) << 12 }
func PA2PTE(pa uint64) Pte  { return Pte((pa >> 12) << 10) }

func PTEFLAGS(pte Pte) Pte { return pte & 0x3FF }

func PGROUNDDOWN(a uint64) uint64 { return a &^ (PGSIZE - 1) }
func PGROUNDUP(a uint64) uint64   { return (a + PGSIZE - 1) &^ (PGSIZE - 1) }

// satp layout for the Sv39 scheme.
const SATP_SV39 = uint64(8) << 60

func MAKE_SATP(pt Pagetable) uint64 { return SATP_SV39 | (uint64(pt) >> 12) }

// scause values, as delivered by the simulated hart.
const (
	SCAUSE_INTERRUPT = uint64(1) << 63

	scauseInstrMisalign  = uint64(0)
	scauseIllegalInstr   = uint64(2)
	scauseEcallU         = uint64(8)
	scauseInstrPageFault = uint64(12)
	scauseLoadPageFault  = uint64(13)
	scauseStorePageFault = uint64(15)

	scauseTimerIntr  = SCAUSE_INTERRUPT | 5
	scauseExternIntr = SCAUSE_INTERRUPT | 9
)
