package pod

// NamespacePaths are the /proc/<pid>/ns/* paths additional containers join.
type NamespacePaths struct {
	PID string
	Net string
	IPC string
	UTS string
}

// CNIBinding records the network a pod's pause sandbox is attached to.
type CNIBinding struct {
	Network string
	IfName  string
}

// Pause records the pause sandbox's container/process identity.
type Pause struct {
	CID string
	PID uint32
}

// Record is the §3 Pod Record. Created by the Pod Engine; mutated only by
// its owner; destroyed by an explicit DeletePod.
type Record struct {
	Name        string
	Pause       Pause
	NSPaths     NamespacePaths
	CNI         CNIBinding
	SnapshotKey string

	// Containers holds every application container successfully joined
	// to this pod so far, keyed by the name passed to AddContainer.
	Containers map[string]ContainerRecord
}

// ContainerRecord is the §3 Container Record.
type ContainerRecord struct {
	CID         string
	PID         uint32
	SnapshotKey string
	PodRef      string
}
