package iampb

import (
	"context"

	"google.golang.org/grpc"
)

// The interfaces below mirror what protoc-gen-go-grpc emits for each
// service defined in proto/iam/v5/iam.proto (not checked in — the binding
// generator is out of scope per spec.md §1). Method names and groupings
// follow spec.md §6 exactly: version, identity/node/cert/permissions public
// services and nodes/provisioning/certificate/permissions protected
// services.

// VersionServer implements GetAPIVersion, common to both endpoints.
type VersionServer interface {
	GetAPIVersion(ctx context.Context, empty *Empty) (*APIVersion, error)
}

// Empty mirrors google.protobuf.Empty for request/response bodies that
// carry no fields; kept distinct from emptypb.Empty so this package stays
// free of the real reflection machinery (see package doc).
type Empty struct{}

// PublicIdentityServer serves GetSystemInfo/GetSubjects/SubscribeSubjectsChanged.
type PublicIdentityServer interface {
	GetSystemInfo(ctx context.Context, empty *Empty) (*SystemInfo, error)
	GetSubjects(ctx context.Context, empty *Empty) (*Subjects, error)
	SubscribeSubjectsChanged(empty *Empty, stream SubjectsChangedStream) error
}

// SubjectsChangedStream is the server-streaming writer handed to
// SubscribeSubjectsChanged, shaped like a generated grpc.ServerStreamingServer.
type SubjectsChangedStream interface {
	Send(*Subjects) error
	grpc.ServerStream
}

// PublicNodesServer serves the node-facing public RPCs, including the
// RegisterNode bidi stream secondaries use to surrender control.
type PublicNodesServer interface {
	GetAllNodeIDs(ctx context.Context, empty *Empty) (*NodesID, error)
	GetNodeInfo(ctx context.Context, req *GetNodeInfoRequest) (*NodeInfo, error)
	SubscribeNodeChanged(empty *Empty, stream NodeChangedStream) error
	RegisterNode(stream RegisterNodeStream) error
}

type NodeChangedStream interface {
	Send(*NodeInfo) error
	grpc.ServerStream
}

// RegisterNodeStream is the server side of the bidi stream a secondary uses
// to register; the agent-side client drives RegisterNodeClientStream
// (client.go) instead.
type RegisterNodeStream interface {
	Send(*IAMIncomingMessages) error
	Recv() (*IAMOutgoingMessages, error)
	grpc.ServerStream
}

// PublicCertServer serves GetCert/SubscribeCertChanged.
type PublicCertServer interface {
	GetCert(ctx context.Context, req *GetCertRequest) (*CertInfo, error)
	SubscribeCertChanged(req *SubscribeCertChangedRequest, stream CertChangedStream) error
}

type CertChangedStream interface {
	Send(*CertInfo) error
	grpc.ServerStream
}

// PublicPermissionsServer serves the public-facing GetPermissions call used
// by functional servers to resolve a previously-minted secret.
type PublicPermissionsServer interface {
	GetPermissions(ctx context.Context, req *PermissionsRequest) (*PermissionsResponse, error)
}

// NodesServer (protected) serves PauseNode/ResumeNode.
type NodesServer interface {
	PauseNode(ctx context.Context, req *PauseNodeRequest) (*PauseNodeResponse, error)
	ResumeNode(ctx context.Context, req *ResumeNodeRequest) (*ResumeNodeResponse, error)
}

// ProvisioningServer (protected) serves the provisioning family.
type ProvisioningServer interface {
	GetCertTypes(ctx context.Context, req *GetCertTypesRequest) (*CertTypes, error)
	StartProvisioning(ctx context.Context, req *StartProvisioningRequest) (*StartProvisioningResponse, error)
	FinishProvisioning(ctx context.Context, req *FinishProvisioningRequest) (*FinishProvisioningResponse, error)
	Deprovision(ctx context.Context, req *DeprovisionRequest) (*DeprovisionResponse, error)
}

// CertificateServer (protected) serves CreateKey/ApplyCert.
type CertificateServer interface {
	CreateKey(ctx context.Context, req *CreateKeyRequest) (*CreateKeyResponse, error)
	ApplyCert(ctx context.Context, req *ApplyCertRequest) (*ApplyCertResponse, error)
}

// PermissionsServer (protected) serves RegisterInstance/UnregisterInstance.
type PermissionsServer interface {
	RegisterInstance(ctx context.Context, req *RegisterInstanceRequest) (*RegisterInstanceResponse, error)
	UnregisterInstance(ctx context.Context, req *UnregisterInstanceRequest) (*Empty, error)
}
