// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keychain-csp.
//
// go-keychain-csp is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cspv1

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "supacrypt.v1.SupacryptService"

const (
	MethodGenerateKey     = "/" + ServiceName + "/GenerateKey"
	MethodSignData        = "/" + ServiceName + "/SignData"
	MethodVerifySignature = "/" + ServiceName + "/VerifySignature"
	MethodGetKey          = "/" + ServiceName + "/GetKey"
	MethodListKeys        = "/" + ServiceName + "/ListKeys"
	MethodDeleteKey       = "/" + ServiceName + "/DeleteKey"
	MethodEncryptData     = "/" + ServiceName + "/EncryptData"
	MethodDecryptData     = "/" + ServiceName + "/DecryptData"
	MethodHealth          = "/" + ServiceName + "/Health"
)

// SupacryptServiceClient is the client API for the key service.
type SupacryptServiceClient interface {
	GenerateKey(ctx context.Context, in *GenerateKeyRequest, opts ...grpc.CallOption) (*GenerateKeyResponse, error)
	SignData(ctx context.Context, in *SignDataRequest, opts ...grpc.CallOption) (*SignDataResponse, error)
	VerifySignature(ctx context.Context, in *VerifySignatureRequest, opts ...grpc.CallOption) (*VerifySignatureResponse, error)
	GetKey(ctx context.Context, in *GetKeyRequest, opts ...grpc.CallOption) (*GetKeyResponse, error)
	ListKeys(ctx context.Context, in *ListKeysRequest, opts ...grpc.CallOption) (*ListKeysResponse, error)
	DeleteKey(ctx context.Context, in *DeleteKeyRequest, opts ...grpc.CallOption) (*DeleteKeyResponse, error)
	EncryptData(ctx context.Context, in *EncryptDataRequest, opts ...grpc.CallOption) (*EncryptDataResponse, error)
	DecryptData(ctx context.Context, in *DecryptDataRequest, opts ...grpc.CallOption) (*DecryptDataResponse, error)
	Health(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error)
}

type supacryptServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewSupacryptServiceClient wraps a connection. Every call is encoded with
// Codec.
func NewSupacryptServiceClient(cc grpc.ClientConnInterface) SupacryptServiceClient {
	return &supacryptServiceClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec())}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *supacryptServiceClient) GenerateKey(ctx context.Context, in *GenerateKeyRequest, opts ...grpc.CallOption) (*GenerateKeyResponse, error) {
	return invoke[GenerateKeyResponse](ctx, c.cc, MethodGenerateKey, in, opts)
}

func (c *supacryptServiceClient) SignData(ctx context.Context, in *SignDataRequest, opts ...grpc.CallOption) (*SignDataResponse, error) {
	return invoke[SignDataResponse](ctx, c.cc, MethodSignData, in, opts)
}

func (c *supacryptServiceClient) VerifySignature(ctx context.Context, in *VerifySignatureRequest, opts ...grpc.CallOption) (*VerifySignatureResponse, error) {
	return invoke[VerifySignatureResponse](ctx, c.cc, MethodVerifySignature, in, opts)
}

func (c *supacryptServiceClient) GetKey(ctx context.Context, in *GetKeyRequest, opts ...grpc.CallOption) (*GetKeyResponse, error) {
	return invoke[GetKeyResponse](ctx, c.cc, MethodGetKey, in, opts)
}

func (c *supacryptServiceClient) ListKeys(ctx context.Context, in *ListKeysRequest, opts ...grpc.CallOption) (*ListKeysResponse, error) {
	return invoke[ListKeysResponse](ctx, c.cc, MethodListKeys, in, opts)
}

func (c *supacryptServiceClient) DeleteKey(ctx context.Context, in *DeleteKeyRequest, opts ...grpc.CallOption) (*DeleteKeyResponse, error) {
	return invoke[DeleteKeyResponse](ctx, c.cc, MethodDeleteKey, in, opts)
}

func (c *supacryptServiceClient) EncryptData(ctx context.Context, in *EncryptDataRequest, opts ...grpc.CallOption) (*EncryptDataResponse, error) {
	return invoke[EncryptDataResponse](ctx, c.cc, MethodEncryptData, in, opts)
}

func (c *supacryptServiceClient) DecryptData(ctx context.Context, in *DecryptDataRequest, opts ...grpc.CallOption) (*DecryptDataResponse, error) {
	return invoke[DecryptDataResponse](ctx, c.cc, MethodDecryptData, in, opts)
}

func (c *supacryptServiceClient) Health(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error) {
	return invoke[HealthResponse](ctx, c.cc, MethodHealth, in, opts)
}

// SupacryptServiceServer is the server API for the key service.
type SupacryptServiceServer interface {
	GenerateKey(context.Context, *GenerateKeyRequest) (*GenerateKeyResponse, error)
	SignData(context.Context, *SignDataRequest) (*SignDataResponse, error)
	VerifySignature(context.Context, *VerifySignatureRequest) (*VerifySignatureResponse, error)
	GetKey(context.Context, *GetKeyRequest) (*GetKeyResponse, error)
	ListKeys(context.Context, *ListKeysRequest) (*ListKeysResponse, error)
	DeleteKey(context.Context, *DeleteKeyRequest) (*DeleteKeyResponse, error)
	EncryptData(context.Context, *EncryptDataRequest) (*EncryptDataResponse, error)
	DecryptData(context.Context, *DecryptDataRequest) (*DecryptDataResponse, error)
	Health(context.Context, *HealthRequest) (*HealthResponse, error)
}

// UnimplementedSupacryptServiceServer answers every method with
// OPERATION_NOT_SUPPORTED. Embed it to implement a subset of the service.
type UnimplementedSupacryptServiceServer struct{}

var notSupported = Status{Code: ErrorCodeOperationNotSupported, Message: "method not implemented"}

func (UnimplementedSupacryptServiceServer) GenerateKey(context.Context, *GenerateKeyRequest) (*GenerateKeyResponse, error) {
	return &GenerateKeyResponse{Status: notSupported}, nil
}
func (UnimplementedSupacryptServiceServer) SignData(context.Context, *SignDataRequest) (*SignDataResponse, error) {
	return &SignDataResponse{Status: notSupported}, nil
}
func (UnimplementedSupacryptServiceServer) VerifySignature(context.Context, *VerifySignatureRequest) (*VerifySignatureResponse, error) {
	return &VerifySignatureResponse{Status: notSupported}, nil
}
func (UnimplementedSupacryptServiceServer) GetKey(context.Context, *GetKeyRequest) (*GetKeyResponse, error) {
	return &GetKeyResponse{Status: notSupported}, nil
}
func (UnimplementedSupacryptServiceServer) ListKeys(context.Context, *ListKeysRequest) (*ListKeysResponse, error) {
	return &ListKeysResponse{Status: notSupported}, nil
}
func (UnimplementedSupacryptServiceServer) DeleteKey(context.Context, *DeleteKeyRequest) (*DeleteKeyResponse, error) {
	return &DeleteKeyResponse{Status: notSupported}, nil
}
func (UnimplementedSupacryptServiceServer) EncryptData(context.Context, *EncryptDataRequest) (*EncryptDataResponse, error) {
	return &EncryptDataResponse{Status: notSupported}, nil
}
func (UnimplementedSupacryptServiceServer) DecryptData(context.Context, *DecryptDataRequest) (*DecryptDataResponse, error) {
	return &DecryptDataResponse{Status: notSupported}, nil
}
func (UnimplementedSupacryptServiceServer) Health(context.Context, *HealthRequest) (*HealthResponse, error) {
	return &HealthResponse{Status: notSupported}, nil
}

// unaryHandler adapts a typed server method to grpc.MethodHandler.
func unaryHandler[Req any, Resp any](fullMethod string, call func(SupacryptServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SupacryptServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SupacryptServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes the key service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SupacryptServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GenerateKey", Handler: unaryHandler(MethodGenerateKey, SupacryptServiceServer.GenerateKey)},
		{MethodName: "SignData", Handler: unaryHandler(MethodSignData, SupacryptServiceServer.SignData)},
		{MethodName: "VerifySignature", Handler: unaryHandler(MethodVerifySignature, SupacryptServiceServer.VerifySignature)},
		{MethodName: "GetKey", Handler: unaryHandler(MethodGetKey, SupacryptServiceServer.GetKey)},
		{MethodName: "ListKeys", Handler: unaryHandler(MethodListKeys, SupacryptServiceServer.ListKeys)},
		{MethodName: "DeleteKey", Handler: unaryHandler(MethodDeleteKey, SupacryptServiceServer.DeleteKey)},
		{MethodName: "EncryptData", Handler: unaryHandler(MethodEncryptData, SupacryptServiceServer.EncryptData)},
		{MethodName: "DecryptData", Handler: unaryHandler(MethodDecryptData, SupacryptServiceServer.DecryptData)},
		{MethodName: "Health", Handler: unaryHandler(MethodHealth, SupacryptServiceServer.Health)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "supacrypt/v1/supacrypt.proto",
}

// RegisterSupacryptServiceServer registers srv with s.
func RegisterSupacryptServiceServer(s grpc.ServiceRegistrar, srv SupacryptServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}
