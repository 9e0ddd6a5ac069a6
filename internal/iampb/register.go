package iampb

import (
	"context"

	"google.golang.org/grpc"
)

// Registration functions and grpc.ServiceDesc values below follow the
// shape protoc-gen-go-grpc emits: one _ServiceDesc per service, one unary
// handler per RPC that decodes into a fresh request value and invokes the
// server implementation. Streaming RPCs hand the raw grpc.ServerStream to a
// thin wrapper implementing the Send/Recv pair declared in service.go.

func RegisterVersionServer(s grpc.ServiceRegistrar, srv VersionServer) {
	s.RegisterService(&versionServiceDesc, srv)
}

var versionServiceDesc = grpc.ServiceDesc{
	ServiceName: "iamanager.IAMVersionService",
	HandlerType: (*VersionServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetAPIVersion",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(Empty)
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(VersionServer).GetAPIVersion(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/iamanager.IAMVersionService/GetAPIVersion"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(VersionServer).GetAPIVersion(ctx, req.(*Empty))
				}
				return interceptor(ctx, in, info, handler)
			},
		},
	},
}

func RegisterPublicIdentityServer(s grpc.ServiceRegistrar, srv PublicIdentityServer) {
	s.RegisterService(&publicIdentityServiceDesc, srv)
}

var publicIdentityServiceDesc = grpc.ServiceDesc{
	ServiceName: "iamanager.v5.IAMPublicIdentityService",
	HandlerType: (*PublicIdentityServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetSystemInfo",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(Empty)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(PublicIdentityServer).GetSystemInfo(ctx, in)
			},
		},
		{
			MethodName: "GetSubjects",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(Empty)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(PublicIdentityServer).GetSubjects(ctx, in)
			},
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SubscribeSubjectsChanged",
			ServerStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				in := new(Empty)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(PublicIdentityServer).SubscribeSubjectsChanged(in, &subjectsChangedStream{stream})
			},
		},
	},
}

type subjectsChangedStream struct{ grpc.ServerStream }

func (s *subjectsChangedStream) Send(m *Subjects) error { return s.ServerStream.SendMsg(m) }

func RegisterPublicNodesServer(s grpc.ServiceRegistrar, srv PublicNodesServer) {
	s.RegisterService(&publicNodesServiceDesc, srv)
}

var publicNodesServiceDesc = grpc.ServiceDesc{
	ServiceName: "iamanager.v5.IAMPublicNodesService",
	HandlerType: (*PublicNodesServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetAllNodeIDs",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(Empty)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(PublicNodesServer).GetAllNodeIDs(ctx, in)
			},
		},
		{
			MethodName: "GetNodeInfo",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(GetNodeInfoRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(PublicNodesServer).GetNodeInfo(ctx, in)
			},
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SubscribeNodeChanged",
			ServerStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				in := new(Empty)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(PublicNodesServer).SubscribeNodeChanged(in, &nodeChangedStream{stream})
			},
		},
		{
			StreamName:    "RegisterNode",
			ServerStreams: true,
			ClientStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(PublicNodesServer).RegisterNode(&registerNodeServerStream{stream})
			},
		},
	},
}

type nodeChangedStream struct{ grpc.ServerStream }

func (s *nodeChangedStream) Send(m *NodeInfo) error { return s.ServerStream.SendMsg(m) }

type registerNodeServerStream struct{ grpc.ServerStream }

func (s *registerNodeServerStream) Send(m *IAMIncomingMessages) error { return s.ServerStream.SendMsg(m) }
func (s *registerNodeServerStream) Recv() (*IAMOutgoingMessages, error) {
	m := new(IAMOutgoingMessages)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func RegisterPublicCertServer(s grpc.ServiceRegistrar, srv PublicCertServer) {
	s.RegisterService(&publicCertServiceDesc, srv)
}

var publicCertServiceDesc = grpc.ServiceDesc{
	ServiceName: "iamanager.v5.IAMPublicService",
	HandlerType: (*PublicCertServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetCert",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(GetCertRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(PublicCertServer).GetCert(ctx, in)
			},
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SubscribeCertChanged",
			ServerStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				in := new(SubscribeCertChangedRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(PublicCertServer).SubscribeCertChanged(in, &certChangedStream{stream})
			},
		},
	},
}

type certChangedStream struct{ grpc.ServerStream }

func (s *certChangedStream) Send(m *CertInfo) error { return s.ServerStream.SendMsg(m) }

func RegisterPublicPermissionsServer(s grpc.ServiceRegistrar, srv PublicPermissionsServer) {
	s.RegisterService(&publicPermissionsServiceDesc, srv)
}

var publicPermissionsServiceDesc = grpc.ServiceDesc{
	ServiceName: "iamanager.v5.IAMPublicPermissionsService",
	HandlerType: (*PublicPermissionsServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetPermissions",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(PermissionsRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(PublicPermissionsServer).GetPermissions(ctx, in)
			},
		},
	},
}

func RegisterNodesServer(s grpc.ServiceRegistrar, srv NodesServer) {
	s.RegisterService(&nodesServiceDesc, srv)
}

var nodesServiceDesc = grpc.ServiceDesc{
	ServiceName: "iamanager.v5.IAMNodesService",
	HandlerType: (*NodesServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "PauseNode",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(PauseNodeRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(NodesServer).PauseNode(ctx, in)
			},
		},
		{
			MethodName: "ResumeNode",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(ResumeNodeRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(NodesServer).ResumeNode(ctx, in)
			},
		},
	},
}

func RegisterProvisioningServer(s grpc.ServiceRegistrar, srv ProvisioningServer) {
	s.RegisterService(&provisioningServiceDesc, srv)
}

var provisioningServiceDesc = grpc.ServiceDesc{
	ServiceName: "iamanager.v5.IAMProvisioningService",
	HandlerType: (*ProvisioningServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetCertTypes",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(GetCertTypesRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(ProvisioningServer).GetCertTypes(ctx, in)
			},
		},
		{
			MethodName: "StartProvisioning",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(StartProvisioningRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(ProvisioningServer).StartProvisioning(ctx, in)
			},
		},
		{
			MethodName: "FinishProvisioning",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(FinishProvisioningRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(ProvisioningServer).FinishProvisioning(ctx, in)
			},
		},
		{
			MethodName: "Deprovision",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(DeprovisionRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(ProvisioningServer).Deprovision(ctx, in)
			},
		},
	},
}

func RegisterCertificateServer(s grpc.ServiceRegistrar, srv CertificateServer) {
	s.RegisterService(&certificateServiceDesc, srv)
}

var certificateServiceDesc = grpc.ServiceDesc{
	ServiceName: "iamanager.v5.IAMCertificateService",
	HandlerType: (*CertificateServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "CreateKey",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(CreateKeyRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(CertificateServer).CreateKey(ctx, in)
			},
		},
		{
			MethodName: "ApplyCert",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(ApplyCertRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(CertificateServer).ApplyCert(ctx, in)
			},
		},
	},
}

func RegisterPermissionsServer(s grpc.ServiceRegistrar, srv PermissionsServer) {
	s.RegisterService(&permissionsServiceDesc, srv)
}

var permissionsServiceDesc = grpc.ServiceDesc{
	ServiceName: "iamanager.v5.IAMPermissionsService",
	HandlerType: (*PermissionsServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RegisterInstance",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(RegisterInstanceRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(PermissionsServer).RegisterInstance(ctx, in)
			},
		},
		{
			MethodName: "UnregisterInstance",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(UnregisterInstanceRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(PermissionsServer).UnregisterInstance(ctx, in)
			},
		},
	},
}
