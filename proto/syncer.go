// Package proto declares the sync.Syncer gRPC service and its messages.
// Messages are encoded as JSON under the "json" content subtype.
package proto

type ApplyStatus int32

const (
	ApplyStatus_APPLIED   ApplyStatus = 0
	ApplyStatus_DUPLICATE ApplyStatus = 1
	ApplyStatus_STALE     ApplyStatus = 2
)

func (s ApplyStatus) String() string {
	switch s {
	case ApplyStatus_APPLIED:
		return "APPLIED"
	case ApplyStatus_DUPLICATE:
		return "DUPLICATE"
	case ApplyStatus_STALE:
		return "STALE"
	}
	return "UNKNOWN"
}

type SyncItem struct {
	Id             string `json:"id"`
	Table          string `json:"table"`
	Operation      string `json:"operation"`
	Payload        []byte `json:"payload,omitempty"`
	ClientRevision int64  `json:"client_revision"`
	CreatedAt      int64  `json:"created_at"`
}

type ApplyBatchRequest struct {
	ProjectId   string      `json:"project_id"`
	Items       []*SyncItem `json:"items"`
	RequestTime int64       `json:"request_time"`
	Signature   string      `json:"signature"`
}

type ItemResult struct {
	Id             string      `json:"id"`
	Table          string      `json:"table"`
	ClientRevision int64       `json:"client_revision"`
	Status         ApplyStatus `json:"status"`
	Revision       int64       `json:"revision"`
}

type ApplyBatchReply struct {
	Results []*ItemResult `json:"results"`
}

type Record struct {
	ProjectId      string `json:"project_id"`
	Table          string `json:"table"`
	Id             string `json:"id"`
	Payload        []byte `json:"payload,omitempty"`
	Deleted        bool   `json:"deleted,omitempty"`
	ClientRevision int64  `json:"client_revision"`
	Revision       int64  `json:"revision"`
	UpdatedAt      int64  `json:"updated_at"`
}

type ListChangesRequest struct {
	ProjectId     string `json:"project_id"`
	SinceRevision int64  `json:"since_revision"`
	RequestTime   int64  `json:"request_time"`
	Signature     string `json:"signature"`
}

type ListChangesReply struct {
	Changes []*Record `json:"changes"`
}

type TrackChangesRequest struct {
	ProjectId   string `json:"project_id"`
	RequestTime int64  `json:"request_time"`
	Signature   string `json:"signature"`
}
