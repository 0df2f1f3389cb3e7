package upstream

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/grpc"
	rpb "google.golang.org/grpc/reflection/grpc_reflection_v1alpha"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/wudi/tollgate/internal/errors"
)

// descriptorSet is an immutable snapshot of one target's reflected
// services. Expired sets are replaced wholesale.
type descriptorSet struct {
	services map[string]protoreflect.ServiceDescriptor
	expires  time.Time
}

func (g *GRPCClient) methodDescriptor(ctx context.Context, conn *grpc.ClientConn, target, service, method string) (protoreflect.MethodDescriptor, error) {
	sd, err := g.serviceDescriptor(ctx, conn, target, service)
	if err != nil {
		return nil, err
	}
	methods := sd.Methods()
	for i := 0; i < methods.Len(); i++ {
		if string(methods.Get(i).Name()) == method {
			return methods.Get(i), nil
		}
	}
	return nil, errors.ErrUpstream.WithStatus(501).
		WithDetails("method " + strconv.Quote(method) + " is not part of service " + strconv.Quote(service))
}

func (g *GRPCClient) serviceDescriptor(ctx context.Context, conn *grpc.ClientConn, target, service string) (protoreflect.ServiceDescriptor, error) {
	if cached, ok := g.descs.Load(target); ok {
		ds := cached.(*descriptorSet)
		if time.Now().Before(ds.expires) {
			if sd, ok := ds.services[service]; ok {
				return sd, nil
			}
		}
	}

	fetchCtx := ctx
	if g.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, g.cfg.DialTimeout)
		defer cancel()
	}
	services, err := fetchServices(fetchCtx, conn)
	if err != nil {
		return nil, errors.Wrap(errors.ErrUpstream, err)
	}

	g.descs.Store(target, &descriptorSet{
		services: services,
		expires:  time.Now().Add(descriptorTTL),
	})

	if sd, ok := services[service]; ok {
		return sd, nil
	}
	return nil, errors.ErrUpstream.WithStatus(501).
		WithDetails("service " + strconv.Quote(service) + " is not exposed by " + target)
}

// fetchServices pulls every service descriptor the target exposes over
// the reflection API in one stream.
func fetchServices(ctx context.Context, conn *grpc.ClientConn) (map[string]protoreflect.ServiceDescriptor, error) {
	client := rpb.NewServerReflectionClient(conn)
	stream, err := client.ServerReflectionInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("reflection stream: %w", err)
	}
	defer stream.CloseSend()

	if err := stream.Send(&rpb.ServerReflectionRequest{
		MessageRequest: &rpb.ServerReflectionRequest_ListServices{},
	}); err != nil {
		return nil, fmt.Errorf("reflection list services: %w", err)
	}
	resp, err := stream.Recv()
	if err != nil {
		return nil, fmt.Errorf("reflection list services: %w", err)
	}
	listResp, ok := resp.MessageResponse.(*rpb.ServerReflectionResponse_ListServicesResponse)
	if !ok {
		return nil, fmt.Errorf("reflection list services: unexpected response %T", resp.MessageResponse)
	}

	seen := make(map[string]bool)
	var fileProtos []*descriptorpb.FileDescriptorProto

	for _, svc := range listResp.ListServicesResponse.Service {
		if svc.Name == "grpc.reflection.v1alpha.ServerReflection" || svc.Name == "grpc.reflection.v1.ServerReflection" {
			continue
		}

		if err := stream.Send(&rpb.ServerReflectionRequest{
			MessageRequest: &rpb.ServerReflectionRequest_FileContainingSymbol{
				FileContainingSymbol: svc.Name,
			},
		}); err != nil {
			return nil, fmt.Errorf("reflection file for %s: %w", svc.Name, err)
		}
		resp, err := stream.Recv()
		if err != nil {
			return nil, fmt.Errorf("reflection file for %s: %w", svc.Name, err)
		}
		fdResp, ok := resp.MessageResponse.(*rpb.ServerReflectionResponse_FileDescriptorResponse)
		if !ok {
			continue
		}

		for _, raw := range fdResp.FileDescriptorResponse.FileDescriptorProto {
			fd := &descriptorpb.FileDescriptorProto{}
			if err := proto.Unmarshal(raw, fd); err != nil {
				continue
			}
			if !seen[fd.GetName()] {
				seen[fd.GetName()] = true
				fileProtos = append(fileProtos, fd)
			}
		}
	}

	files, err := protodesc.NewFiles(&descriptorpb.FileDescriptorSet{File: fileProtos})
	if err != nil {
		return nil, fmt.Errorf("reflection descriptors: %w", err)
	}

	services := make(map[string]protoreflect.ServiceDescriptor)
	files.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		for i := 0; i < fd.Services().Len(); i++ {
			sd := fd.Services().Get(i)
			services[string(sd.FullName())] = sd
		}
		return true
	})
	return services, nil
}
