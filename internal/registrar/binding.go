package registrar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/grpc-ecosystem/grpc-gateway/v2/utilities"
	"github.com/lei/cms-gateway/internal/metrics"
	"github.com/lei/cms-gateway/internal/models"
	"google.golang.org/genproto/googleapis/api/annotations"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// pathVariable matches "{field}" and "{field=segments/*}" in an HTTP rule template
var pathVariable = regexp.MustCompile(`\{([^}=]+)(?:=[^}]*)?\}`)

// binding is one HTTP rule of a unary method
type binding struct {
	method   protoreflect.MethodDescriptor
	verb     string
	pattern  string
	body     protoreflect.FieldDescriptor // nil unless the body maps to a single field
	bodyAll  bool
	response protoreflect.FieldDescriptor // nil means the whole response message
	filter   *utilities.DoubleArray
}

// fullMethod returns the gRPC method path, e.g. /cms.content.v1.PageService/GetPage
func (b binding) fullMethod() string {
	return fmt.Sprintf("/%s/%s", b.method.Parent().FullName(), b.method.Name())
}

func (b binding) route() models.Route {
	return models.Route{Method: b.verb, Pattern: b.pattern, RPC: b.fullMethod()}
}

// bindingsFor returns the HTTP bindings of a method, including additional_bindings.
// Streaming methods and methods without a google.api.http option yield none.
func bindingsFor(md protoreflect.MethodDescriptor) ([]binding, error) {
	if md.IsStreamingClient() || md.IsStreamingServer() {
		return nil, nil
	}
	opts, ok := md.Options().(*descriptorpb.MethodOptions)
	if !ok || opts == nil {
		return nil, nil
	}
	rule, ok := proto.GetExtension(opts, annotations.E_Http).(*annotations.HttpRule)
	if !ok || rule == nil {
		return nil, nil
	}

	rules := append([]*annotations.HttpRule{rule}, rule.GetAdditionalBindings()...)
	bindings := make([]binding, 0, len(rules))
	for _, r := range rules {
		b, err := newBinding(md, r)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", md.FullName(), err)
		}
		if b.pattern != "" {
			bindings = append(bindings, b)
		}
	}
	return bindings, nil
}

func newBinding(md protoreflect.MethodDescriptor, rule *annotations.HttpRule) (binding, error) {
	b := binding{method: md}

	switch p := rule.GetPattern().(type) {
	case *annotations.HttpRule_Get:
		b.verb, b.pattern = http.MethodGet, p.Get
	case *annotations.HttpRule_Put:
		b.verb, b.pattern = http.MethodPut, p.Put
	case *annotations.HttpRule_Post:
		b.verb, b.pattern = http.MethodPost, p.Post
	case *annotations.HttpRule_Delete:
		b.verb, b.pattern = http.MethodDelete, p.Delete
	case *annotations.HttpRule_Patch:
		b.verb, b.pattern = http.MethodPatch, p.Patch
	case *annotations.HttpRule_Custom:
		b.verb, b.pattern = strings.ToUpper(p.Custom.GetKind()), p.Custom.GetPath()
	default:
		return b, nil
	}

	input := md.Input()
	var filterSeqs [][]string

	switch body := rule.GetBody(); body {
	case "":
	case "*":
		b.bodyAll = true
	default:
		fd := input.Fields().ByName(protoreflect.Name(body))
		if fd == nil {
			return b, fmt.Errorf("body field %q not found in %s", body, input.FullName())
		}
		if fd.Message() == nil || fd.IsList() || fd.IsMap() {
			return b, fmt.Errorf("body field %q must be a singular message", body)
		}
		b.body = fd
		filterSeqs = append(filterSeqs, []string{body})
	}

	if rb := rule.GetResponseBody(); rb != "" {
		fd := md.Output().Fields().ByName(protoreflect.Name(rb))
		if fd == nil {
			return b, fmt.Errorf("response_body field %q not found in %s", rb, md.Output().FullName())
		}
		// Non-message response fields cannot be forwarded on their own; the whole reply is sent
		if fd.Message() != nil && !fd.IsList() && !fd.IsMap() {
			b.response = fd
		}
	}

	for _, m := range pathVariable.FindAllStringSubmatch(b.pattern, -1) {
		filterSeqs = append(filterSeqs, strings.Split(m[1], "."))
	}
	b.filter = utilities.NewDoubleArray(filterSeqs)

	return b, nil
}

// handler translates one HTTP request into a unary call on conn
func (b binding) handler(mux *runtime.ServeMux, conn grpc.ClientConnInterface) runtime.HandlerFunc {
	fullMethod := b.fullMethod()

	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		metrics.SetRoute(ctx, b.pattern)

		inbound, outbound := runtime.MarshalerForRequest(mux, r)

		annotated, err := runtime.AnnotateContext(ctx, mux, r, fullMethod, runtime.WithHTTPPathPattern(b.pattern))
		if err != nil {
			runtime.HTTPError(ctx, mux, outbound, w, r, err)
			return
		}

		in := dynamicpb.NewMessage(b.method.Input())
		if err := b.decode(r, inbound, in, pathParams); err != nil {
			runtime.HTTPError(annotated, mux, outbound, w, r, err)
			return
		}

		out := dynamicpb.NewMessage(b.method.Output())
		var md runtime.ServerMetadata
		err = conn.Invoke(annotated, fullMethod, in, out, grpc.Header(&md.HeaderMD), grpc.Trailer(&md.TrailerMD))
		annotated = runtime.NewServerMetadataContext(annotated, md)
		if err != nil {
			runtime.HTTPError(annotated, mux, outbound, w, r, err)
			return
		}

		runtime.ForwardResponseMessage(annotated, mux, outbound, w, r, b.responseMessage(out))
	}
}

// decode fills the request message from the body, path parameters and query string
func (b binding) decode(r *http.Request, marshaler runtime.Marshaler, msg *dynamicpb.Message, pathParams map[string]string) error {
	var target proto.Message
	switch {
	case b.bodyAll:
		target = msg
	case b.body != nil:
		target = msg.Mutable(b.body).Message().Interface()
	}
	if target != nil {
		if err := marshaler.NewDecoder(r.Body).Decode(target); err != nil && !errors.Is(err, io.EOF) {
			return status.Errorf(codes.InvalidArgument, "%v", err)
		}
	}

	for field, value := range pathParams {
		if err := runtime.PopulateFieldFromPath(msg, field, value); err != nil {
			return status.Errorf(codes.InvalidArgument, "type mismatch, parameter: %s, error: %v", field, err)
		}
	}

	if b.bodyAll {
		return nil
	}
	if err := r.ParseForm(); err != nil {
		return status.Errorf(codes.InvalidArgument, "%v", err)
	}
	if err := runtime.PopulateQueryParameters(msg, r.Form, b.filter); err != nil {
		return status.Errorf(codes.InvalidArgument, "%v", err)
	}
	return nil
}

func (b binding) responseMessage(out *dynamicpb.Message) proto.Message {
	if b.response == nil {
		return out
	}
	return out.Get(b.response).Message().Interface()
}
