// Package constants holds the fixed tunables of the flowshm runtime: table
// capacities, default pool geometry and scheduler timing.
package constants

import "time"

// Capacity constants for the fixed-size shared-memory tables (§3, §4.2,
// §4.7).
const (
	// MaxBuffers bounds the Buffer Metadata Table (§4.2).
	MaxBuffers = 4096

	// MaxConsumers bounds the per-queue consumer registry (§4.7).
	MaxConsumers = 16

	// MaxProcesses, MaxBlocks, MaxConnections, MaxPools bound the Global
	// Registry's fixed sub-tables (§4.4).
	MaxProcesses   = 256
	MaxBlocks      = 1024
	MaxConnections = 2048
	MaxPools       = 32

	// MaxNameLen is the ASCII-printable name length ceiling for shared
	// segment names (§6).
	MaxNameLen = 64
)

// Default pool geometry (§4.11): small/medium/large, chosen so common
// payload sizes land in the smallest pool that still fits them.
const (
	SmallBlockSize  = 4 * 1024
	SmallBlockCount = 1024

	MediumBlockSize  = 64 * 1024
	MediumBlockCount = 512

	LargeBlockSize  = 1024 * 1024
	LargeBlockCount = 128
)

// Scheduler and queue timing constants.
//
// idle_sleep bounds how long a worker backs off after observing
// INSUFFICIENT_INPUT/OUTPUT from a block's work() call (§4.9); it trades
// wasted spinning against reaction latency once data is ready. 1ms keeps an
// idle block from burning a full core while staying well under
// perceptible scheduling jitter.
const (
	IdleSleep = 1 * time.Millisecond

	// DefaultQueueCapacity is used by Runtime.Connect when the caller does
	// not specify one explicitly.
	DefaultQueueCapacity = 64

	// RegistryBootstrapPollInterval is how often a non-bootstrapping
	// process re-checks the registry segment's initialized flag while
	// waiting for the bootstrap process to finish constructing it.
	RegistryBootstrapPollInterval = 5 * time.Millisecond

	// RegistryBootstrapTimeout bounds the wait in RegistryBootstrapPollInterval
	// above before a process gives up opening an uninitialized registry.
	RegistryBootstrapTimeout = 5 * time.Second
)

// SegmentMagic values identify segment kinds at their header (§6). A
// process that maps a segment and finds a different magic than expected
// refuses to use it rather than guess.
const (
	RegistryMagic  uint64 = 0x666c6f7773686d00 // "flowshm\x00"
	PoolMagic      uint64 = 0x666c6f7773686d01
	PortQueueMagic uint64 = 0x666c6f7773686d02

	SegmentVersion uint32 = 1
)
