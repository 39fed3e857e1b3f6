package safechunk

// HealthReport is the fixed-shape snapshot returned by
// Engine.GetHealthReport, per spec.md §4.8.
type HealthReport struct {
	Active              bool
	ProjectID           string
	Root                string
	Shards              int
	Orphans             int
	DirtyBuffer         bool
	StorageUsagePercent float64
	InstanceID          string
}

// GetHealthReport counts shards and orphans, checks buffer dirtiness,
// and estimates storage usage. It mutates nothing beyond the orphan
// count it reports, matching spec.md §4.8.
func (e *Engine) GetHealthReport() (HealthReport, error) {
	orphans, err := e.shard.CountOrphans()
	if err != nil {
		return HealthReport{}, err
	}
	shards, err := e.shard.CountShards()
	if err != nil {
		return HealthReport{}, err
	}

	return HealthReport{
		Active:              e.IsActive(),
		ProjectID:           e.layout.ProjectID,
		Root:                e.layout.Root,
		Shards:              shards,
		Orphans:             orphans,
		DirtyBuffer:         e.buffer.IsDirty(),
		StorageUsagePercent: projectStorageUsagePercent(e.layout.ProjectDir),
		InstanceID:          e.instanceID,
	}, nil
}

// projectStorageUsagePercent is a best-effort estimate of how full the
// filesystem backing dir is. It returns 0 when the platform-specific
// statfs call is unavailable or fails, since storage_usage_percent is
// advisory observability data, not a correctness signal.
func projectStorageUsagePercent(dir string) float64 {
	usage, err := diskUsagePercent(dir)
	if err != nil {
		return 0
	}
	return usage
}
