package registrar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	rpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// infrastructure services every gRPC server may expose; never mounted
var skippedPrefixes = []string{"grpc.reflection.", "grpc.health."}

// reflectionClient resolves descriptors over a single reflection stream
type reflectionClient struct {
	stream rpb.ServerReflection_ServerReflectionInfoClient
	protos map[string]*descriptorpb.FileDescriptorProto
	files  *protoregistry.Files
}

// discoverServices lists the backend's services and resolves their descriptors.
// When allow is non-empty only the named services are returned.
func discoverServices(ctx context.Context, conn grpc.ClientConnInterface, allow []string) ([]protoreflect.ServiceDescriptor, error) {
	stream, err := rpb.NewServerReflectionClient(conn).ServerReflectionInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("open reflection stream: %w", reflectionErr(err))
	}
	defer stream.CloseSend()

	c := &reflectionClient{
		stream: stream,
		protos: make(map[string]*descriptorpb.FileDescriptorProto),
		files:  new(protoregistry.Files),
	}

	names, err := c.listServices()
	if err != nil {
		return nil, err
	}

	var services []protoreflect.ServiceDescriptor
	for _, name := range names {
		if skipService(name, allow) {
			continue
		}
		sd, err := c.resolveService(name)
		if err != nil {
			return nil, err
		}
		services = append(services, sd)
	}

	if len(services) == 0 {
		return nil, ErrNoServices
	}
	return services, nil
}

func skipService(name string, allow []string) bool {
	if len(allow) > 0 {
		return !slices.Contains(allow, name)
	}
	for _, prefix := range skippedPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func (c *reflectionClient) roundTrip(req *rpb.ServerReflectionRequest) (*rpb.ServerReflectionResponse, error) {
	// Send reports io.EOF when the server already closed the stream; Recv carries the status
	if err := c.stream.Send(req); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("send reflection request: %w", reflectionErr(err))
	}
	resp, err := c.stream.Recv()
	if err != nil {
		return nil, fmt.Errorf("receive reflection response: %w", reflectionErr(err))
	}
	if e := resp.GetErrorResponse(); e != nil {
		return nil, status.Error(codes.Code(e.GetErrorCode()), e.GetErrorMessage())
	}
	return resp, nil
}

func (c *reflectionClient) listServices() ([]string, error) {
	resp, err := c.roundTrip(&rpb.ServerReflectionRequest{
		MessageRequest: &rpb.ServerReflectionRequest_ListServices{ListServices: "*"},
	})
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}

	var names []string
	for _, s := range resp.GetListServicesResponse().GetService() {
		names = append(names, s.GetName())
	}
	return names, nil
}

func (c *reflectionClient) resolveService(name string) (protoreflect.ServiceDescriptor, error) {
	resp, err := c.roundTrip(&rpb.ServerReflectionRequest{
		MessageRequest: &rpb.ServerReflectionRequest_FileContainingSymbol{FileContainingSymbol: name},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch descriptor for %s: %w", name, err)
	}

	root, err := c.collect(resp)
	if err != nil {
		return nil, err
	}
	// The first file in the response is the one declaring the symbol
	if _, err := c.build(root); err != nil {
		return nil, err
	}

	d, err := c.files.FindDescriptorByName(protoreflect.FullName(name))
	if err != nil {
		return nil, fmt.Errorf("find service %s: %w", name, err)
	}
	sd, ok := d.(protoreflect.ServiceDescriptor)
	if !ok {
		return nil, fmt.Errorf("%s is not a service", name)
	}
	return sd, nil
}

// collect decodes the file descriptors of a response and returns the first file's name
func (c *reflectionClient) collect(resp *rpb.ServerReflectionResponse) (string, error) {
	var first string
	for _, raw := range resp.GetFileDescriptorResponse().GetFileDescriptorProto() {
		fdp := new(descriptorpb.FileDescriptorProto)
		if err := proto.Unmarshal(raw, fdp); err != nil {
			return "", fmt.Errorf("decode file descriptor: %w", err)
		}
		if first == "" {
			first = fdp.GetName()
		}
		c.protos[fdp.GetName()] = fdp
	}
	if first == "" {
		return "", fmt.Errorf("empty file descriptor response")
	}
	return first, nil
}

func (c *reflectionClient) fetchFile(path string) error {
	resp, err := c.roundTrip(&rpb.ServerReflectionRequest{
		MessageRequest: &rpb.ServerReflectionRequest_FileByFilename{FileByFilename: path},
	})
	if err != nil {
		return err
	}
	_, err = c.collect(resp)
	return err
}

// build turns a file and its imports into descriptors, dependencies first.
// Files the server does not send (it sends each file once per stream) fall back
// to the descriptors linked into this binary.
func (c *reflectionClient) build(path string) (protoreflect.FileDescriptor, error) {
	if fd, err := c.files.FindFileByPath(path); err == nil {
		return fd, nil
	}

	fdp, ok := c.protos[path]
	if !ok {
		if err := c.fetchFile(path); err == nil {
			fdp, ok = c.protos[path]
		}
	}
	if !ok {
		fd, err := protoregistry.GlobalFiles.FindFileByPath(path)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", path, err)
		}
		if err := c.files.RegisterFile(fd); err != nil {
			return nil, fmt.Errorf("register %s: %w", path, err)
		}
		return fd, nil
	}

	for _, dep := range fdp.GetDependency() {
		if _, err := c.build(dep); err != nil {
			return nil, err
		}
	}

	fd, err := protodesc.NewFile(fdp, c.files)
	if err != nil {
		return nil, fmt.Errorf("build descriptor %s: %w", path, err)
	}
	if err := c.files.RegisterFile(fd); err != nil {
		return nil, fmt.Errorf("register %s: %w", path, err)
	}
	return fd, nil
}

func reflectionErr(err error) error {
	if status.Code(err) == codes.Unimplemented {
		return fmt.Errorf("%w: %v", ErrReflectionUnsupported, err)
	}
	return err
}
