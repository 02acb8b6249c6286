package cluster

// RegisterRequest is posted by a chunk server to join, or rejoin, the cluster.
type RegisterRequest struct {
	Addr string `json:"addr" binding:"required"`
}

// ReportRequest is a chunk server's optional self-reported heartbeat.
type ReportRequest struct {
	Addr         string `json:"addr" binding:"required"`
	ServerID     string `json:"server_id"`
	StorageUsed  uint64 `json:"storage_used"`
	StorageTotal uint64 `json:"storage_total"`
}
