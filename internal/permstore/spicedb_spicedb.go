//go:build spicedb

// Adapted from the teacher's internal/rel/spicedb_client_spicedb.go: a
// SpiceDB-backed RelationChecker used as an additional capability check
// ahead of GetPermissions, for deployments that already run a
// Zanzibar-style authorization graph (SPEC_FULL.md §3).
package permstore

import (
	"context"

	authzed "github.com/authzed/authzed-go/v1"
	pb "github.com/authzed/authzed-go/proto/authzed/api/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// SpiceDBChecker implements RelationChecker using authzed-go.
type SpiceDBChecker struct {
	client authzed.Client
}

// NewSpiceDBFromEnv connects to the configured SpiceDB endpoint and returns
// a RelationChecker that asks whether subjectID can "call" functionalServerID.
func NewSpiceDBFromEnv(endpoint, token string) (RelationChecker, error) {
	conn, err := grpc.Dial(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	client := authzed.NewClientWithConn(conn, authzed.WithToken(token))
	return &SpiceDBChecker{client: client}, nil
}

func (s *SpiceDBChecker) Check(ctx context.Context, subjectID, functionalServerID string) (bool, error) {
	resp, err := s.client.CheckPermission(ctx, &pb.CheckPermissionRequest{
		Resource:   &pb.ObjectReference{ObjectType: "functional_server", ObjectId: functionalServerID},
		Permission: "call",
		Subject:    &pb.SubjectReference{Object: &pb.ObjectReference{ObjectType: "instance", ObjectId: subjectID}},
	})
	if err != nil {
		return false, err
	}
	return resp.GetPermissionship() == pb.CheckPermissionResponse_PERMISSIONSHIP_HAS_PERMISSION, nil
}
