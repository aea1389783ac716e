package forge

import (
	"time"
)

// NetworkPolicy restricts a call's network access, tightest first.
type NetworkPolicy string

const (
	NetworkNone       NetworkPolicy = "none"
	NetworkRestricted NetworkPolicy = "restricted"
	NetworkOpen       NetworkPolicy = "open"
)

func (n NetworkPolicy) strictness() int {
	switch n {
	case NetworkNone:
		return 0
	case NetworkRestricted:
		return 1
	default:
		return 2
	}
}

// FilesystemPolicy restricts a call's filesystem access, tightest first.
type FilesystemPolicy string

const (
	FilesystemNone      FilesystemPolicy = "none"
	FilesystemReadonly  FilesystemPolicy = "readonly"
	FilesystemReadwrite FilesystemPolicy = "readwrite"
)

func (f FilesystemPolicy) strictness() int {
	switch f {
	case FilesystemNone:
		return 0
	case FilesystemReadonly:
		return 1
	default:
		return 2
	}
}

// SandboxProfile is the enumerated sandbox configuration for one call.
// A zero Deadline or MaxMemoryMB means "no opinion" and defers to the other
// profile or the tool's speed tier.
type SandboxProfile struct {
	Name        string           `json:"name,omitempty"`
	Network     NetworkPolicy    `json:"network"`
	Filesystem  FilesystemPolicy `json:"filesystem"`
	Deadline    time.Duration    `json:"deadline,omitempty"`
	MaxMemoryMB int              `json:"max_memory_mb,omitempty"`
}

// StrictProfile denies network and filesystem entirely.
func StrictProfile() SandboxProfile {
	return SandboxProfile{Name: "strict", Network: NetworkNone, Filesystem: FilesystemNone}
}

// DefaultProfile is the director's default: restricted network, readonly fs.
func DefaultProfile() SandboxProfile {
	return SandboxProfile{Name: "default", Network: NetworkRestricted, Filesystem: FilesystemReadonly}
}

// TrustedProfile grants open network and readwrite filesystem.
func TrustedProfile() SandboxProfile {
	return SandboxProfile{Name: "trusted", Network: NetworkOpen, Filesystem: FilesystemReadwrite}
}

// Tightest merges two profiles field by field, keeping the stricter side.
// The runtime applies it to the request-level and tool-level profiles.
func Tightest(a, b SandboxProfile) SandboxProfile {
	out := a
	if b.Network.strictness() < out.Network.strictness() || out.Network == "" {
		out.Network = b.Network
	}
	if b.Filesystem.strictness() < out.Filesystem.strictness() || out.Filesystem == "" {
		out.Filesystem = b.Filesystem
	}
	if b.Deadline > 0 && (out.Deadline == 0 || b.Deadline < out.Deadline) {
		out.Deadline = b.Deadline
	}
	if b.MaxMemoryMB > 0 && (out.MaxMemoryMB == 0 || b.MaxMemoryMB < out.MaxMemoryMB) {
		out.MaxMemoryMB = b.MaxMemoryMB
	}
	if out.Name == "" {
		out.Name = b.Name
	} else if b.Name != "" && b.Name != out.Name {
		out.Name = out.Name + "+" + b.Name
	}
	return out
}
