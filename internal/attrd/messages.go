package attrd

// Program identifies the attribute service in the transient,
// user-defined ONC RPC program range.
const (
	Program = 0x20000099
	Version = 1
)

// Procedures
const (
	ProcNull   = 0
	ProcGet    = 1
	ProcSet    = 2
	ProcRemove = 3
	ProcQuery  = 4
)

// Reply statuses
const (
	StatusOK       = 0
	StatusNotFound = 1
	StatusBadPath  = 2
	StatusIO       = 3
)

type GetRequest struct {
	Path string
}

type GetResponse struct {
	Status uint32
	Value  []byte `xdr:"opaque"`
}

type SetRequest struct {
	Path  string
	Value []byte `xdr:"opaque"`
}

type StatusResponse struct {
	Status uint32
}

type QueryRequest struct {
	Path string
}

type QueryEntry struct {
	Path  string
	Value []byte `xdr:"opaque"`
}

type QueryResponse struct {
	Status  uint32
	Entries []QueryEntry
}
