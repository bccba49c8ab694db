package jit

import (
	"fmt"
	"sync"

	"github.com/docker/go-units"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
)

// ErrOutOfMemory is returned by Reserve when the region is exhausted.
var ErrOutOfMemory = errors.New("code cache is full")

// largeMethodMemory is the arena use above which a compilation is logged.
const largeMethodMemory = 4 * units.MiB

// MemoryUsage accumulates the arena memory used by the JIT compilations of a session.
type MemoryUsage struct {
	mux     sync.Mutex
	methods int
	total   int64
	max     int64
}

// Add records that compiling m used bytes of arena memory.
func (u *MemoryUsage) Add(m *optimizingapi.Method, bytes int) {
	if bytes > largeMethodMemory {
		glog.Infof("Compiler allocated %s to compile %s", units.BytesSize(float64(bytes)), m)
	}
	u.mux.Lock()
	defer u.mux.Unlock()
	u.methods++
	u.total += int64(bytes)
	if int64(bytes) > u.max {
		u.max = int64(bytes)
	}
}

// String implements fmt.Stringer.
func (u *MemoryUsage) String() string {
	u.mux.Lock()
	defer u.mux.Unlock()
	if u.methods == 0 {
		return "no JIT compilation"
	}
	return fmt.Sprintf("%d JIT compilations, arena avg %s, max %s",
		u.methods, units.BytesSize(float64(u.total/int64(u.methods))), units.BytesSize(float64(u.max)))
}

// AddMemoryUsage records the arena memory used to compile m.
func (c *CodeCache) AddMemoryUsage(m *optimizingapi.Method, bytes int) {
	c.memory.Add(m, bytes)
}

// MemoryUsage returns the arena accounting of the compilations installed in c.
func (c *CodeCache) MemoryUsage() *MemoryUsage {
	return &c.memory
}

// Usage returns the used and total bytes of the code and data halves of all regions.
func (c *CodeCache) Usage() (codeUsed, dataUsed, capacity int) {
	c.mux.Lock()
	defer c.mux.Unlock()
	for _, r := range c.regions {
		codeUsed += r.Capacity() - r.FreeCode()
		dataUsed += r.Capacity() - r.FreeData()
		capacity += r.Capacity()
	}
	return
}

// String implements fmt.Stringer.
func (c *CodeCache) String() string {
	codeUsed, dataUsed, capacity := c.Usage()
	return fmt.Sprintf("code %s/%s, data %s/%s, %d methods",
		units.BytesSize(float64(codeUsed)), units.BytesSize(float64(capacity)),
		units.BytesSize(float64(dataUsed)), units.BytesSize(float64(capacity)),
		len(c.Entries()))
}
