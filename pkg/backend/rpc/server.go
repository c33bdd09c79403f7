package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/adammck/fixture/pkg/api"
	"github.com/adammck/fixture/pkg/backend"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server serves a backend.Conn to remote Clients.
type Server struct {
	conn backend.Conn
}

func NewServer(conn backend.Conn) *Server {
	return &Server{conn: conn}
}

// Register registers the service with a gRPC server.
func (s *Server) Register(srv *grpc.Server) {
	srv.RegisterService(&serviceDesc, s)
}

func (s *Server) exec(ctx context.Context, req *request) (*response, error) {
	c := s.conn
	res := &response{}
	var err error

	switch req.Op {
	case opPing:
		err = c.Ping(ctx)

	case opDBList:
		res.Names, err = c.DBList(ctx)

	case opDBCreate:
		err = c.DBCreate(ctx, req.DB)

	case opDBDrop:
		err = c.DBDrop(ctx, req.DB)

	case opTableList:
		res.Names, err = c.TableList(ctx, req.DB)

	case opTableCreate:
		err = c.TableCreate(ctx, req.Table, req.PrimaryKey)

	case opTableDrop:
		err = c.TableDrop(ctx, req.Table)

	case opTableConfig:
		var cfg api.TableConfig
		cfg, err = c.TableConfig(ctx, req.Table)
		res.Config = &cfg

	case opUpdateTableConfig:
		res.Result, err = result(c.UpdateTableConfig(ctx, req.Table, req.Patch))

	case opTableStatus:
		var st api.TableStatus
		st, err = c.TableStatus(ctx, req.Table)
		res.Status = &st

	case opReconfigure:
		res.Result, err = result(c.Reconfigure(ctx, req.Table, req.Shards, req.Replicas))

	case opRebalance:
		err = c.Rebalance(ctx, req.Table)

	case opWait:
		err = c.Wait(ctx, req.Table, req.Readiness, time.Duration(req.TimeoutMS)*time.Millisecond)

	case opIndexList:
		res.Names, err = c.IndexList(ctx, req.Table)

	case opIndexCreate:
		err = c.IndexCreate(ctx, req.Table, req.Index)

	case opIndexDrop:
		err = c.IndexDrop(ctx, req.Table, req.Index)

	case opCount:
		res.Count, err = c.Count(ctx, req.Table)

	case opGet:
		res.Record, err = c.Get(ctx, req.Table, req.Key)

	case opScan:
		res.Records, err = c.Scan(ctx, req.Table, req.Query)

	case opKeys:
		res.Keys, err = c.Keys(ctx, req.Table, req.Query)

	case opInsert:
		res.Result, err = result(c.Insert(ctx, req.Table, req.Rows, req.Conflict))

	case opUpdate:
		res.Result, err = result(c.Update(ctx, req.Table, req.Key, req.Fields))

	case opDelete:
		res.Result, err = result(c.Delete(ctx, req.Table, req.Query))

	case opProject:
		res.Result, err = result(c.Project(ctx, req.Table, req.Query, req.Project))

	case opIssues:
		res.Issues, err = c.Issues(ctx)

	default:
		err = fmt.Errorf("%w: unknown op: %q", api.ErrInvalidArgument, req.Op)
	}

	if err != nil {
		return nil, err
	}

	return res, nil
}

func (s *Server) changes(req *request, stream grpc.ServerStream) error {
	ctx := stream.Context()

	ch, err := s.conn.Changes(ctx, req.Table)
	if err != nil {
		return statusError(err)
	}

	// Acknowledge, so the client knows the feed is open.
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		return err
	}

	for c := range ch {
		msg, err := encode(c)
		if err != nil {
			return statusError(err)
		}

		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}

	// The feed was closed by the backend rather than by the client going away,
	// so tell the client that it's over.
	if ctx.Err() == nil {
		return statusError(fmt.Errorf("%w: changefeed on %s closed", api.ErrUnavailable, req.Table))
	}

	return nil
}

func result(r api.WriteResult, err error) (*api.WriteResult, error) {
	return &r, err
}
