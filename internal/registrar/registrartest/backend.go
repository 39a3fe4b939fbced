// Package registrartest provides an in-memory gRPC backend with HTTP-annotated
// methods and server reflection, for exercising registrars end to end.
package registrartest

import (
	"context"
	"net"
	"testing"

	"google.golang.org/genproto/googleapis/api/annotations"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	rpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

const (
	// ServiceName is the fully-qualified name of the fixture service
	ServiceName = "cms.test.v1.PageService"

	// MissingID makes GetPage answer NotFound
	MissingID = "missing"
)

// PageFile builds the descriptor of cms/test/v1/pages.proto:
//
//	GetPage    GET   /v1/pages/{id}   (additional GET /v1/page/{id})
//	CreatePage POST  /v1/tenants/{tenant}/pages  body: "page"
//	UpdatePage PATCH /v1/pages/{id}   body: "*"
//	ListPages  GET   /v1/pages        response_body: "first"
//	Ping       no HTTP binding
//	Watch      server streaming, GET /v1/watch
func PageFile() protoreflect.FileDescriptor {
	str := descriptorpb.FieldDescriptorProto_TYPE_STRING
	msg := descriptorpb.FieldDescriptorProto_TYPE_MESSAGE

	fdp := &descriptorpb.FileDescriptorProto{
		Name:       proto.String("cms/test/v1/pages.proto"),
		Package:    proto.String("cms.test.v1"),
		Syntax:     proto.String("proto3"),
		Dependency: []string{"google/api/annotations.proto"},
		MessageType: []*descriptorpb.DescriptorProto{
			message("Page", field("id", 1, str, ""), field("title", 2, str, ""), field("tenant", 3, str, "")),
			message("GetPageRequest", field("id", 1, str, ""), field("locale", 2, str, "")),
			message("CreatePageRequest", field("tenant", 1, str, ""), field("page", 2, msg, ".cms.test.v1.Page")),
			message("UpdatePageRequest", field("id", 1, str, ""), field("title", 2, str, "")),
			message("ListPagesRequest", field("tenant", 1, str, "")),
			message("ListPagesResponse", repeated(field("pages", 1, msg, ".cms.test.v1.Page")), field("first", 2, msg, ".cms.test.v1.Page")),
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("PageService"),
			Method: []*descriptorpb.MethodDescriptorProto{
				method("GetPage", "GetPageRequest", "Page", &annotations.HttpRule{
					Pattern: &annotations.HttpRule_Get{Get: "/v1/pages/{id}"},
					AdditionalBindings: []*annotations.HttpRule{
						{Pattern: &annotations.HttpRule_Get{Get: "/v1/page/{id}"}},
					},
				}),
				method("CreatePage", "CreatePageRequest", "Page", &annotations.HttpRule{
					Pattern: &annotations.HttpRule_Post{Post: "/v1/tenants/{tenant}/pages"},
					Body:    "page",
				}),
				method("UpdatePage", "UpdatePageRequest", "Page", &annotations.HttpRule{
					Pattern: &annotations.HttpRule_Patch{Patch: "/v1/pages/{id}"},
					Body:    "*",
				}),
				method("ListPages", "ListPagesRequest", "ListPagesResponse", &annotations.HttpRule{
					Pattern:      &annotations.HttpRule_Get{Get: "/v1/pages"},
					ResponseBody: "first",
				}),
				method("Ping", "GetPageRequest", "Page", nil),
				streaming(method("Watch", "GetPageRequest", "Page", &annotations.HttpRule{
					Pattern: &annotations.HttpRule_Get{Get: "/v1/watch"},
				})),
			},
		}},
	}

	fd, err := protodesc.NewFile(fdp, protoregistry.GlobalFiles)
	if err != nil {
		panic(err)
	}
	return fd
}

func message(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
}

func field(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type, typeName string) *descriptorpb.FieldDescriptorProto {
	f := &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Type:   typ.Enum(),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
	}
	if typeName != "" {
		f.TypeName = proto.String(typeName)
	}
	return f
}

func repeated(f *descriptorpb.FieldDescriptorProto) *descriptorpb.FieldDescriptorProto {
	f.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
	return f
}

func method(name, in, out string, rule *annotations.HttpRule) *descriptorpb.MethodDescriptorProto {
	m := &descriptorpb.MethodDescriptorProto{
		Name:       proto.String(name),
		InputType:  proto.String(".cms.test.v1." + in),
		OutputType: proto.String(".cms.test.v1." + out),
	}
	if rule != nil {
		m.Options = &descriptorpb.MethodOptions{}
		proto.SetExtension(m.Options, annotations.E_Http, rule)
	}
	return m
}

func streaming(m *descriptorpb.MethodDescriptorProto) *descriptorpb.MethodDescriptorProto {
	m.ServerStreaming = proto.Bool(true)
	return m
}

// Backend is a running fixture server
type Backend struct {
	Conn   *grpc.ClientConn
	Server *grpc.Server
	File   protoreflect.FileDescriptor

	listener *bufconn.Listener
}

// Dial connects to the in-memory listener regardless of addr
func (b *Backend) Dial(ctx context.Context, _ string) (net.Conn, error) {
	return b.listener.DialContext(ctx)
}

// Dialer returns a dial option routing any target to the in-memory listener
func (b *Backend) Dialer() grpc.DialOption {
	return grpc.WithContextDialer(b.Dial)
}

// Start runs the fixture PageService on an in-memory listener.
// Without reflection the server answers reflection requests with Unimplemented.
func Start(t testing.TB, withReflection bool) *Backend {
	t.Helper()

	fd := PageFile()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(serviceDesc(fd), struct{}{})

	if withReflection {
		files := new(protoregistry.Files)
		if err := files.RegisterFile(fd); err != nil {
			t.Fatalf("register fixture file: %v", err)
		}
		rpb.RegisterServerReflectionServer(srv, reflection.NewServerV1(reflection.ServerOptions{
			Services:           srv,
			DescriptorResolver: files,
		}))
	}

	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	b := &Backend{Server: srv, File: fd, listener: lis}
	conn, err := grpc.NewClient("passthrough:///bufnet", b.Dialer(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial fixture backend: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	b.Conn = conn
	return b
}

func serviceDesc(fd protoreflect.FileDescriptor) *grpc.ServiceDesc {
	sd := fd.Services().ByName("PageService")
	msgs := fd.Messages()
	page := msgs.ByName("Page")

	unary := func(name string, fn func(ctx context.Context, in *dynamicpb.Message) (*dynamicpb.Message, error)) grpc.MethodDesc {
		input := sd.Methods().ByName(protoreflect.Name(name)).Input()
		return grpc.MethodDesc{
			MethodName: name,
			Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := dynamicpb.NewMessage(input)
				if err := dec(in); err != nil {
					return nil, err
				}
				return fn(ctx, in)
			},
		}
	}

	newPage := func(id, title, tenant string) *dynamicpb.Message {
		p := dynamicpb.NewMessage(page)
		setString(p, "id", id)
		setString(p, "title", title)
		setString(p, "tenant", tenant)
		return p
	}

	return &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			unary("GetPage", func(ctx context.Context, in *dynamicpb.Message) (*dynamicpb.Message, error) {
				id := GetString(in, "id")
				if id == MissingID {
					return nil, status.Errorf(codes.NotFound, "page %s not found", id)
				}
				// Echo forwarded metadata so tests can observe it
				tenant := ""
				if md, ok := metadata.FromIncomingContext(ctx); ok {
					if v := md.Get("x-tenant-id"); len(v) > 0 {
						tenant = v[0]
					}
				}
				return newPage(id, "Page "+id+" "+GetString(in, "locale"), tenant), nil
			}),
			unary("CreatePage", func(_ context.Context, in *dynamicpb.Message) (*dynamicpb.Message, error) {
				body := in.Get(in.Descriptor().Fields().ByName("page")).Message()
				return newPage("new", body.Get(body.Descriptor().Fields().ByName("title")).String(), GetString(in, "tenant")), nil
			}),
			unary("UpdatePage", func(_ context.Context, in *dynamicpb.Message) (*dynamicpb.Message, error) {
				return newPage(GetString(in, "id"), GetString(in, "title"), ""), nil
			}),
			unary("ListPages", func(_ context.Context, in *dynamicpb.Message) (*dynamicpb.Message, error) {
				resp := dynamicpb.NewMessage(msgs.ByName("ListPagesResponse"))
				first := newPage("first", "First", GetString(in, "tenant"))
				resp.Set(resp.Descriptor().Fields().ByName("first"), protoreflect.ValueOfMessage(first))
				return resp, nil
			}),
			unary("Ping", func(_ context.Context, in *dynamicpb.Message) (*dynamicpb.Message, error) {
				return newPage("pong", "", ""), nil
			}),
		},
		Metadata: fd.Path(),
	}
}

// GetString reads a string field by name
func GetString(m protoreflect.ProtoMessage, name string) string {
	msg := m.ProtoReflect()
	fd := msg.Descriptor().Fields().ByName(protoreflect.Name(name))
	if fd == nil {
		return ""
	}
	return msg.Get(fd).String()
}

func setString(m *dynamicpb.Message, name, value string) {
	m.Set(m.Descriptor().Fields().ByName(protoreflect.Name(name)), protoreflect.ValueOfString(value))
}
