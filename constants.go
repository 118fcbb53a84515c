package flowshm

import "github.com/flowshm/flowshm/internal/constants"

// Re-exported tunables, kept at the root package so callers configuring a
// Runtime or ShmManager do not need to import the internal package.
const (
	MaxBuffers            = constants.MaxBuffers
	MaxConsumers          = constants.MaxConsumers
	MaxProcesses          = constants.MaxProcesses
	MaxBlocks             = constants.MaxBlocks
	MaxConnections        = constants.MaxConnections
	MaxPools              = constants.MaxPools
	MaxNameLen            = constants.MaxNameLen
	SmallBlockSize        = constants.SmallBlockSize
	SmallBlockCount       = constants.SmallBlockCount
	MediumBlockSize       = constants.MediumBlockSize
	MediumBlockCount      = constants.MediumBlockCount
	LargeBlockSize        = constants.LargeBlockSize
	LargeBlockCount       = constants.LargeBlockCount
	IdleSleep             = constants.IdleSleep
	DefaultQueueCapacity  = constants.DefaultQueueCapacity
)
