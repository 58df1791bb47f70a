package zfsio

// Pool health monitoring: a background probe that keeps a live verdict
// on whether a pool is safe to snapshot or replicate into, adapted from
// 4nonX-D-PlaneOS's PoolHeartbeat (internal/zfs/pool_heartbeat.go). The
// Telegram-specific alert callback is gone along with internal/alerts;
// callers observe IsHealthy/LastError directly instead of registering
// a callback.

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"zfsreplicate/internal/cmdutil"
)

var poolNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]{0,254}$`)

func isValidPoolName(name string) bool {
	return poolNameRegex.MatchString(name)
}

// PoolMonitor polls a single pool's status and exercises its mountpoint
// with a write/read round trip, so a SUSPENDED pool or a wedged disk
// is caught even when "zpool status" still reports ONLINE.
type PoolMonitor struct {
	poolName      string
	mountPoint    string
	checkInterval time.Duration
	heartbeatFile string

	mu          sync.RWMutex
	lastSuccess time.Time
	lastError   error
	stopChan    chan struct{}
}

// NewPoolMonitor returns a monitor for poolName, mounted at mountPoint.
// checkInterval defaults to 30s when zero or negative.
func NewPoolMonitor(poolName, mountPoint string, checkInterval time.Duration) *PoolMonitor {
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	return &PoolMonitor{
		poolName:      poolName,
		mountPoint:    mountPoint,
		checkInterval: checkInterval,
		heartbeatFile: filepath.Join(mountPoint, ".zfsreplicate_heartbeat"),
		stopChan:      make(chan struct{}),
	}
}

// Start runs an immediate check and then one every checkInterval until
// Stop is called.
func (m *PoolMonitor) Start() {
	go func() {
		ticker := time.NewTicker(m.checkInterval)
		defer ticker.Stop()

		m.performCheck()
		for {
			select {
			case <-ticker.C:
				m.performCheck()
			case <-m.stopChan:
				return
			}
		}
	}()
}

// Stop halts the background ticker. Not safe to call twice.
func (m *PoolMonitor) Stop() {
	close(m.stopChan)
}

func (m *PoolMonitor) performCheck() {
	m.mu.Lock()
	defer m.mu.Unlock()

	out, err := cmdutil.RunZFS("zpool", "status", m.poolName)
	if err != nil {
		m.lastError = fmt.Errorf("pool status failed: %w", err)
		log.Printf("zfsio: pool %s status check failed: %v", m.poolName, err)
		return
	}

	status := string(out)
	if strings.Contains(status, "SUSPENDED") || strings.Contains(status, "UNAVAIL") {
		newErr := fmt.Errorf("pool is SUSPENDED or UNAVAIL")
		if m.lastError == nil || m.lastError.Error() != newErr.Error() {
			log.Printf("zfsio: pool %s is SUSPENDED/UNAVAIL", m.poolName)
		}
		m.lastError = newErr
		return
	}

	testData := []byte(fmt.Sprintf("heartbeat:%d\n", time.Now().Unix()))
	if err := os.WriteFile(m.heartbeatFile, testData, 0644); err != nil {
		m.lastError = fmt.Errorf("write probe failed: %w", err)
		log.Printf("zfsio: pool %s cannot write at %s: %v", m.poolName, m.mountPoint, err)
		return
	}

	readData, err := os.ReadFile(m.heartbeatFile)
	if err != nil {
		m.lastError = fmt.Errorf("read probe failed: %w", err)
		log.Printf("zfsio: pool %s cannot read at %s: %v", m.poolName, m.mountPoint, err)
		return
	}
	if string(readData) != string(testData) {
		m.lastError = fmt.Errorf("heartbeat data mismatch")
		log.Printf("zfsio: pool %s heartbeat file corrupted", m.poolName)
		return
	}

	m.lastSuccess = time.Now()
	m.lastError = nil
}

// GetStatus returns the timestamp of the last successful probe and the
// current error, if any.
func (m *PoolMonitor) GetStatus() (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSuccess, m.lastError
}

// IsHealthy reports false if the last probe failed or if no probe has
// succeeded within two check intervals (the monitor hasn't run yet, or
// the ticker itself is stuck).
func (m *PoolMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.lastError != nil {
		return false
	}
	if m.lastSuccess.IsZero() {
		return false
	}
	return time.Since(m.lastSuccess) <= m.checkInterval*2
}

// PoolHealthRegistry tracks one PoolMonitor per pool name and answers
// IsHealthy for a dataset path by looking up its leading pool segment.
// A pool with no registered monitor is reported healthy — most
// deployments run against a single well-known pool and callers that
// never wired monitors at all should not be gated.
type PoolHealthRegistry struct {
	mu       sync.RWMutex
	monitors map[string]*PoolMonitor
}

// NewPoolHealthRegistry returns an empty registry.
func NewPoolHealthRegistry() *PoolHealthRegistry {
	return &PoolHealthRegistry{monitors: make(map[string]*PoolMonitor)}
}

// Track registers m under its pool name, replacing any prior monitor
// for that pool. Does not call Start; callers own the monitor's
// lifecycle.
func (r *PoolHealthRegistry) Track(m *PoolMonitor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.monitors[m.poolName] = m
}

// IsHealthy reports whether the pool owning datasetOrPool is healthy.
// datasetOrPool may be a bare pool name or a "pool/child/dataset" path.
func (r *PoolHealthRegistry) IsHealthy(datasetOrPool string) bool {
	pool := datasetOrPool
	if idx := strings.IndexByte(pool, '/'); idx >= 0 {
		pool = pool[:idx]
	}

	r.mu.RLock()
	m, ok := r.monitors[pool]
	r.mu.RUnlock()
	if !ok {
		return true
	}
	return m.IsHealthy()
}

// PoolInfo is one entry of DiscoverPools' result.
type PoolInfo struct {
	Name       string
	MountPoint string
}

// DiscoverPools lists every imported pool and its mountpoint, skipping
// pools with no mountpoint (legacy/none/"-") or a name that fails the
// strict ZFS pool name whitelist.
func DiscoverPools() ([]PoolInfo, error) {
	out, err := cmdutil.RunZFS("zpool", "list", "-H", "-o", "name")
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	pools := make([]PoolInfo, 0, len(lines))

	for _, poolName := range lines {
		poolName = strings.TrimSpace(poolName)
		if poolName == "" {
			continue
		}
		if !isValidPoolName(poolName) {
			log.Printf("zfsio: pool discovery skipping invalid name %q", poolName)
			continue
		}

		mountOut, err := cmdutil.RunZFS("zfs", "get", "-H", "-o", "value", "mountpoint", poolName)
		if err != nil {
			continue
		}
		mountPoint := strings.TrimSpace(string(mountOut))
		if mountPoint == "-" || mountPoint == "none" || mountPoint == "legacy" {
			continue
		}

		pools = append(pools, PoolInfo{Name: poolName, MountPoint: mountPoint})
	}

	return pools, nil
}
