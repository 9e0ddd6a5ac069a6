// Package iampb is a hand-authored stand-in for the protoc-gen-go/
// protoc-gen-go-grpc output that would normally be generated from
// proto/iam/v5/iam.proto. Generated protocol bindings are out of scope per
// spec.md, and no retrieved example ships a checked-in .pb.go, so this
// package carries plain Go structs for the wire messages and
// grpc.ServiceDesc-based service descriptors shaped the way the real
// generator would emit them.
package iampb

import "time"

// NodeInfo mirrors the wire NodeInfo message (spec.md §3 NodeIdentity).
type NodeInfo struct {
	NodeID     string            `json:"node_id"`
	NodeType   string            `json:"node_type"`
	Name       string            `json:"name"`
	OSType     string            `json:"os_type"`
	Status     string            `json:"status"`
	Attrs      map[string]string `json:"attrs,omitempty"`
	CPUs       []CPUSpec         `json:"cpus,omitempty"`
	Partitions []PartitionSpec   `json:"partitions,omitempty"`
	MaxDMIPS   uint64            `json:"max_dmips"`
	TotalRAM   uint64            `json:"total_ram"`
}

// IsMain reports whether this node carries the attrs["MainNode"]=="true"
// marker, per spec.md §3's "is_main: bool (derived from attrs[MainNode])".
func (n NodeInfo) IsMain() bool {
	return n.Attrs != nil && n.Attrs["MainNode"] == "true"
}

type CPUSpec struct {
	ModelName string `json:"model_name"`
	NumCores  uint32 `json:"num_cores"`
	NumThreads uint32 `json:"num_threads"`
	ArchFamily string `json:"arch_family"`
	MaxDMIPS   uint64 `json:"max_dmips"`
}

type PartitionSpec struct {
	Name      string   `json:"name"`
	Types     []string `json:"types"`
	TotalSize uint64   `json:"total_size"`
	Path      string   `json:"path"`
}

// SystemInfo is returned by GetSystemInfo (public identity service).
type SystemInfo struct {
	SystemID  string `json:"system_id"`
	UnitModel string `json:"unit_model"`
}

// Subjects carries the current subject set for the public identity service.
type Subjects struct {
	Subjects []string `json:"subjects"`
}

// CertInfo mirrors spec.md §3 CertInfo.
type CertInfo struct {
	Type     string    `json:"type"`
	KeyURL   string    `json:"key_url"`
	CertURL  string    `json:"cert_url"`
	Serial   []byte    `json:"serial"`
	Issuer   []byte    `json:"issuer"`
	NotAfter time.Time `json:"not_after"`
}

// ErrorInfo is the in-band error representation embedded into provisioning
// and certificate responses per spec.md §7.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type GetCertRequest struct {
	Type   string `json:"type"`
	Issuer []byte `json:"issuer"`
	Serial []byte `json:"serial"`
}

type SubscribeCertChangedRequest struct {
	Type string `json:"type"`
}

type PermissionsRequest struct {
	Secret         string `json:"secret"`
	FunctionalServerID string `json:"functional_server_id"`
}

type PermissionsResponse struct {
	ServiceID      string            `json:"service_id"`
	SubjectID      string            `json:"subject_id"`
	Instance       uint64            `json:"instance"`
	Permissions    map[string]string `json:"permissions"`
	Error          *ErrorInfo        `json:"error,omitempty"`
}

type GetNodeInfoRequest struct {
	NodeID string `json:"node_id"`
}

type NodesID struct {
	IDs []string `json:"ids"`
}

// PauseNodeRequest / ResumeNodeRequest address one node and carry no body.
type PauseNodeRequest struct {
	NodeID string `json:"node_id"`
}

type PauseNodeResponse struct {
	NodeID string     `json:"node_id"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

type ResumeNodeRequest struct {
	NodeID string `json:"node_id"`
}

type ResumeNodeResponse struct {
	NodeID string     `json:"node_id"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

type GetCertTypesRequest struct {
	NodeID string `json:"node_id"`
}

type CertTypes struct {
	NodeID string     `json:"node_id"`
	Types  []string   `json:"types"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

type StartProvisioningRequest struct {
	NodeID   string `json:"node_id"`
	Password string `json:"password"`
}

type StartProvisioningResponse struct {
	NodeID string     `json:"node_id"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

type FinishProvisioningRequest struct {
	NodeID   string `json:"node_id"`
	Password string `json:"password"`
}

type FinishProvisioningResponse struct {
	NodeID string     `json:"node_id"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

type DeprovisionRequest struct {
	NodeID   string `json:"node_id"`
	Password string `json:"password"`
}

type DeprovisionResponse struct {
	NodeID string     `json:"node_id"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

type CreateKeyRequest struct {
	NodeID   string `json:"node_id"`
	Type     string `json:"type"`
	Subject  string `json:"subject"`
	Password string `json:"password"`
}

type CreateKeyResponse struct {
	NodeID string     `json:"node_id"`
	Type   string     `json:"type"`
	CSR    string     `json:"csr"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

type ApplyCertRequest struct {
	NodeID string `json:"node_id"`
	Type   string `json:"type"`
	Cert   string `json:"cert"`
}

type ApplyCertResponse struct {
	NodeID  string     `json:"node_id"`
	Type    string     `json:"type"`
	CertURL string     `json:"cert_url"`
	Serial  []byte     `json:"serial"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// InstanceIdentity mirrors spec.md §3; ordering-significant per §4.5.
type InstanceIdentity struct {
	ServiceID string `json:"service_id"`
	SubjectID string `json:"subject_id"`
	Instance  uint64 `json:"instance"`
}

type RegisterInstanceRequest struct {
	Instance    InstanceIdentity             `json:"instance"`
	Permissions map[string]map[string]string `json:"permissions"`
}

type RegisterInstanceResponse struct {
	Secret string     `json:"secret"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

type UnregisterInstanceRequest struct {
	Instance InstanceIdentity `json:"instance"`
}

// APIVersion is returned by GetAPIVersion.
type APIVersion struct {
	Version uint64 `json:"version"`
}

// IAMIncomingMessages / IAMOutgoingMessages are the RegisterNode bidi stream
// envelope. Rather than one protobuf oneof arm per RPC, the envelope carries
// a correlation ID, a kind discriminator naming the request/response type,
// and a CBOR-encoded payload (see internal/correlator), per SPEC_FULL.md §8.
type IAMIncomingMessages struct {
	CorrelationID string `json:"correlation_id"`
	Kind          string `json:"kind"`
	Payload       []byte `json:"payload"`
}

type IAMOutgoingMessages struct {
	CorrelationID string    `json:"correlation_id"`
	Kind          string    `json:"kind"`
	Payload       []byte    `json:"payload"`
	NodeInfo      *NodeInfo `json:"node_info,omitempty"`
}

// Message kind discriminators carried in IAMIncomingMessages.Kind /
// IAMOutgoingMessages.Kind.
const (
	KindNodeInfo                   = "node_info"
	KindGetCertTypesRequest        = "get_cert_types_request"
	KindCertTypes                  = "cert_types_response"
	KindStartProvisioningRequest   = "start_provisioning_request"
	KindStartProvisioningResponse  = "start_provisioning_response"
	KindFinishProvisioningRequest  = "finish_provisioning_request"
	KindFinishProvisioningResponse = "finish_provisioning_response"
	KindDeprovisionRequest         = "deprovision_request"
	KindDeprovisionResponse        = "deprovision_response"
	KindPauseNodeRequest           = "pause_node_request"
	KindPauseNodeResponse          = "pause_node_response"
	KindResumeNodeRequest          = "resume_node_request"
	KindResumeNodeResponse         = "resume_node_response"
	KindCreateKeyRequest           = "create_key_request"
	KindCreateKeyResponse          = "create_key_response"
	KindApplyCertRequest           = "apply_cert_request"
	KindApplyCertResponse          = "apply_cert_response"
)
