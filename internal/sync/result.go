// Package sync orchestrates push and fetch synchronization between the
// local record store and the remote reading service.
package sync

// SyncResult summarizes one push pass. Per-entry failures are swallowed
// into the counters and never propagated to the caller.
type SyncResult struct {
	Succeeded   int    `json:"succeeded"`
	Failed      int    `json:"failed"`
	LastError   string `json:"last_error,omitempty"`
	AuthFailure bool   `json:"auth_failure,omitempty"`
}

// FetchResult summarizes one fetch pass.
type FetchResult struct {
	Fetched int `json:"fetched"`
	Merged  int `json:"merged"`
}

// FullSyncResult combines the push and fetch halves of a full sync.
type FullSyncResult struct {
	Push  *SyncResult  `json:"push"`
	Fetch *FetchResult `json:"fetch"`
}
