package kernel

const (
	NPROC = 64 // maximum number of processes
	NCPU  = 8  // maximum number of harts
	BSIZE = 1024
	NSECT = 64 // sectors on the simulated disk
)
