package model

import "github.com/pkg/errors"

// Resource 限制单个 worker 可用的资源, 零值表示不限制
type Resource struct {
	MilliCPU int64 `json:"milli_cpu"`
	Memory   int64 `json:"memory"` // bytes
}

func (r Resource) IsZero() bool {
	return r.MilliCPU == 0 && r.Memory == 0
}

// NanoCPUs converts the CPU limit to the unit the container runtime expects.
func (r Resource) NanoCPUs() int64 {
	return r.MilliCPU * 1_000_000
}

func (r Resource) Validate() error {
	if r.MilliCPU < 0 || r.Memory < 0 {
		return errors.Errorf("resource limits must not be negative (milli_cpu %d, memory %d)", r.MilliCPU, r.Memory)
	}
	return nil
}
