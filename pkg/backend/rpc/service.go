// Package rpc exposes a backend.Conn over gRPC, so that the nodes of a
// simulated cluster can be reached over the network (or a bufconn) like the
// nodes of a real one.
//
// There's no generated code. The service has two methods: Exec, a unary call
// which carries every operation except changefeeds, and Changes, which streams
// the changes of one table. Requests and responses are structpb.Structs which
// hold the JSON encoding of the request and response structs below.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/adammck/fixture/pkg/api"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName = "fixture.Backend"
	execMethod  = "/" + serviceName + "/Exec"
	chgMethod   = "/" + serviceName + "/Changes"
)

type op string

const (
	opPing              op = "ping"
	opDBList            op = "db_list"
	opDBCreate          op = "db_create"
	opDBDrop            op = "db_drop"
	opTableList         op = "table_list"
	opTableCreate       op = "table_create"
	opTableDrop         op = "table_drop"
	opTableConfig       op = "table_config"
	opUpdateTableConfig op = "update_table_config"
	opTableStatus       op = "table_status"
	opReconfigure       op = "reconfigure"
	opRebalance         op = "rebalance"
	opWait              op = "wait"
	opIndexList         op = "index_list"
	opIndexCreate       op = "index_create"
	opIndexDrop         op = "index_drop"
	opCount             op = "count"
	opGet               op = "get"
	opScan              op = "scan"
	opKeys              op = "keys"
	opInsert            op = "insert"
	opUpdate            op = "update"
	opDelete            op = "delete"
	opProject           op = "project"
	opIssues            op = "issues"
)

type request struct {
	Op         op              `json:"op"`
	DB         string          `json:"db,omitempty"`
	Table      api.TableRef    `json:"table,omitempty"`
	PrimaryKey string          `json:"primary_key,omitempty"`
	Patch      api.ConfigPatch `json:"patch,omitempty"`
	Shards     int             `json:"shards,omitempty"`
	Replicas   int             `json:"replicas,omitempty"`
	Readiness  api.Readiness   `json:"readiness,omitempty"`
	TimeoutMS  int64           `json:"timeout_ms,omitempty"`
	Index      string          `json:"index,omitempty"`
	Key        interface{}     `json:"key,omitempty"`
	Query      api.Query       `json:"query,omitempty"`
	Rows       []api.Record    `json:"rows,omitempty"`
	Conflict   api.Conflict    `json:"conflict,omitempty"`
	Fields     api.Record      `json:"fields,omitempty"`
	Project    []string        `json:"project,omitempty"`
}

type response struct {
	Names   []string         `json:"names,omitempty"`
	Config  *api.TableConfig `json:"config,omitempty"`
	Status  *api.TableStatus `json:"status,omitempty"`
	Result  *api.WriteResult `json:"result,omitempty"`
	Count   int              `json:"count,omitempty"`
	Record  api.Record       `json:"record,omitempty"`
	Records []api.Record     `json:"records,omitempty"`
	Keys    []interface{}    `json:"keys,omitempty"`
	Issues  []api.Issue      `json:"issues,omitempty"`
}

// encode converts any JSON-able value to a Struct.
func encode(v interface{}) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	return s, nil
}

// ToStruct converts any JSON-able value to a Struct, the same way that
// requests and responses are.
func ToStruct(v interface{}) (*structpb.Struct, error) {
	return encode(v)
}

// decode is the inverse of encode.
func decode(s *structpb.Struct, v interface{}) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	return nil
}

// backendServer is the HandlerType of the service. Only *Server implements
// it.
type backendServer interface {
	exec(ctx context.Context, req *request) (*response, error)
	changes(req *request, stream grpc.ServerStream) error
}

func execHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}

	handler := func(ctx context.Context, in interface{}) (interface{}, error) {
		req := &request{}
		if err := decode(in.(*structpb.Struct), req); err != nil {
			return nil, statusError(fmt.Errorf("%w: %s", api.ErrInvalidArgument, err))
		}

		res, err := srv.(backendServer).exec(ctx, req)
		if err != nil {
			return nil, statusError(err)
		}

		return encode(res)
	}

	if interceptor == nil {
		return handler(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: execMethod,
	}

	return interceptor(ctx, in, info, handler)
}

func changesHandler(srv interface{}, stream grpc.ServerStream) error {
	in := &structpb.Struct{}
	if err := stream.RecvMsg(in); err != nil {
		return err
	}

	req := &request{}
	if err := decode(in, req); err != nil {
		return statusError(fmt.Errorf("%w: %s", api.ErrInvalidArgument, err))
	}

	return srv.(backendServer).changes(req, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*backendServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Exec",
			Handler:    execHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Changes",
			Handler:       changesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "fixture/backend.proto",
}
