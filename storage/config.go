package storage

const (
	TypeFile   = "file"
	TypeMemory = "memory"

	DefaultPackSize         = 100
	DefaultMemoryMaxRecords = 100000
)

type Config struct {
	Type string `hcl:"type"`
	Path string `hcl:"path"`
	// 0 means unlimited for file and DefaultMemoryMaxRecords for memory.
	MaxRecords int `hcl:"max_records"`
	PackSize   int `hcl:"pack_size"`
}
