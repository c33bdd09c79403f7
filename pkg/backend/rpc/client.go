package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/adammck/fixture/pkg/api"
	"github.com/adammck/fixture/pkg/backend"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a backend.Conn to a remote Server.
type Client struct {
	cc *grpc.ClientConn

	// owned is true if Close should close cc.
	owned bool
}

var _ backend.Conn = (*Client)(nil)

// NewClient wraps an existing connection. Closing the Client doesn't close
// the connection.
func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc}
}

// NewOwnedClient is NewClient, except that closing the Client closes cc.
func NewOwnedClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc, owned: true}
}

// Dial connects to the Server at addr, blocking until the connection is up or
// ctx expires.
func Dial(ctx context.Context, addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithInsecure(), grpc.WithBlock()}, opts...)

	cc, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, clientError(err)
	}

	return &Client{cc: cc, owned: true}, nil
}

func (c *Client) Close() error {
	if !c.owned {
		return nil
	}
	return c.cc.Close()
}

func (c *Client) exec(ctx context.Context, req *request) (*response, error) {
	in, err := encode(req)
	if err != nil {
		return nil, err
	}

	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, execMethod, in, out); err != nil {
		return nil, clientError(err)
	}

	res := &response{}
	if err := decode(out, res); err != nil {
		return nil, err
	}

	return res, nil
}

// write is exec for ops which return a WriteResult.
func (c *Client) write(ctx context.Context, req *request) (api.WriteResult, error) {
	res, err := c.exec(ctx, req)
	if err != nil {
		return api.WriteResult{}, err
	}
	if res.Result == nil {
		return api.WriteResult{}, nil
	}
	return *res.Result, nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.exec(ctx, &request{Op: opPing})
	return err
}

func (c *Client) DBList(ctx context.Context) ([]string, error) {
	res, err := c.exec(ctx, &request{Op: opDBList})
	if err != nil {
		return nil, err
	}
	return nonNil(res.Names), nil
}

func (c *Client) DBCreate(ctx context.Context, db string) error {
	_, err := c.exec(ctx, &request{Op: opDBCreate, DB: db})
	return err
}

func (c *Client) DBDrop(ctx context.Context, db string) error {
	_, err := c.exec(ctx, &request{Op: opDBDrop, DB: db})
	return err
}

func (c *Client) TableList(ctx context.Context, db string) ([]string, error) {
	res, err := c.exec(ctx, &request{Op: opTableList, DB: db})
	if err != nil {
		return nil, err
	}
	return nonNil(res.Names), nil
}

func (c *Client) TableCreate(ctx context.Context, ref api.TableRef, primaryKey string) error {
	_, err := c.exec(ctx, &request{Op: opTableCreate, Table: ref, PrimaryKey: primaryKey})
	return err
}

func (c *Client) TableDrop(ctx context.Context, ref api.TableRef) error {
	_, err := c.exec(ctx, &request{Op: opTableDrop, Table: ref})
	return err
}

func (c *Client) TableConfig(ctx context.Context, ref api.TableRef) (api.TableConfig, error) {
	res, err := c.exec(ctx, &request{Op: opTableConfig, Table: ref})
	if err != nil {
		return api.TableConfig{}, err
	}
	if res.Config == nil {
		return api.TableConfig{}, nil
	}
	return *res.Config, nil
}

func (c *Client) UpdateTableConfig(ctx context.Context, ref api.TableRef, patch api.ConfigPatch) (api.WriteResult, error) {
	return c.write(ctx, &request{Op: opUpdateTableConfig, Table: ref, Patch: patch})
}

func (c *Client) TableStatus(ctx context.Context, ref api.TableRef) (api.TableStatus, error) {
	res, err := c.exec(ctx, &request{Op: opTableStatus, Table: ref})
	if err != nil {
		return api.TableStatus{}, err
	}
	if res.Status == nil {
		return api.TableStatus{}, nil
	}
	return *res.Status, nil
}

func (c *Client) Reconfigure(ctx context.Context, ref api.TableRef, shards, replicas int) (api.WriteResult, error) {
	return c.write(ctx, &request{Op: opReconfigure, Table: ref, Shards: shards, Replicas: replicas})
}

func (c *Client) Rebalance(ctx context.Context, ref api.TableRef) error {
	_, err := c.exec(ctx, &request{Op: opRebalance, Table: ref})
	return err
}

func (c *Client) Wait(ctx context.Context, ref api.TableRef, r api.Readiness, timeout time.Duration) error {
	_, err := c.exec(ctx, &request{
		Op:        opWait,
		Table:     ref,
		Readiness: r,
		TimeoutMS: timeout.Milliseconds(),
	})
	return err
}

func (c *Client) IndexList(ctx context.Context, ref api.TableRef) ([]string, error) {
	res, err := c.exec(ctx, &request{Op: opIndexList, Table: ref})
	if err != nil {
		return nil, err
	}
	return nonNil(res.Names), nil
}

func (c *Client) IndexCreate(ctx context.Context, ref api.TableRef, name string) error {
	_, err := c.exec(ctx, &request{Op: opIndexCreate, Table: ref, Index: name})
	return err
}

func (c *Client) IndexDrop(ctx context.Context, ref api.TableRef, name string) error {
	_, err := c.exec(ctx, &request{Op: opIndexDrop, Table: ref, Index: name})
	return err
}

func (c *Client) Count(ctx context.Context, ref api.TableRef) (int, error) {
	res, err := c.exec(ctx, &request{Op: opCount, Table: ref})
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

func (c *Client) Get(ctx context.Context, ref api.TableRef, key interface{}) (api.Record, error) {
	res, err := c.exec(ctx, &request{Op: opGet, Table: ref, Key: key})
	if err != nil {
		return nil, err
	}
	return res.Record, nil
}

func (c *Client) Scan(ctx context.Context, ref api.TableRef, q api.Query) ([]api.Record, error) {
	res, err := c.exec(ctx, &request{Op: opScan, Table: ref, Query: q})
	if err != nil {
		return nil, err
	}
	if res.Records == nil {
		return []api.Record{}, nil
	}
	return res.Records, nil
}

func (c *Client) Keys(ctx context.Context, ref api.TableRef, q api.Query) ([]interface{}, error) {
	res, err := c.exec(ctx, &request{Op: opKeys, Table: ref, Query: q})
	if err != nil {
		return nil, err
	}
	if res.Keys == nil {
		return []interface{}{}, nil
	}
	return res.Keys, nil
}

func (c *Client) Insert(ctx context.Context, ref api.TableRef, rows []api.Record, conflict api.Conflict) (api.WriteResult, error) {
	return c.write(ctx, &request{Op: opInsert, Table: ref, Rows: rows, Conflict: conflict})
}

func (c *Client) Update(ctx context.Context, ref api.TableRef, key interface{}, fields api.Record) (api.WriteResult, error) {
	return c.write(ctx, &request{Op: opUpdate, Table: ref, Key: key, Fields: fields})
}

func (c *Client) Delete(ctx context.Context, ref api.TableRef, q api.Query) (api.WriteResult, error) {
	return c.write(ctx, &request{Op: opDelete, Table: ref, Query: q})
}

func (c *Client) Project(ctx context.Context, ref api.TableRef, q api.Query, fields []string) (api.WriteResult, error) {
	return c.write(ctx, &request{Op: opProject, Table: ref, Query: q, Project: fields})
}

func (c *Client) Issues(ctx context.Context) ([]api.Issue, error) {
	res, err := c.exec(ctx, &request{Op: opIssues})
	if err != nil {
		return nil, err
	}
	if res.Issues == nil {
		return []api.Issue{}, nil
	}
	return res.Issues, nil
}

// Changes opens a stream, and waits for the server to acknowledge it, so that
// errors such as a missing table are returned here rather than by closing the
// channel.
func (c *Client) Changes(ctx context.Context, ref api.TableRef) (<-chan api.Change, error) {
	in, err := encode(&request{Table: ref})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], chgMethod)
	if err != nil {
		cancel()
		return nil, clientError(err)
	}

	if err := stream.SendMsg(in); err != nil {
		cancel()
		return nil, clientError(err)
	}

	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, clientError(err)
	}

	if err := stream.RecvMsg(&structpb.Struct{}); err != nil {
		cancel()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: changefeed on %s closed before it opened", api.ErrUnavailable, ref)
		}
		return nil, clientError(err)
	}

	ch := make(chan api.Change)

	go func() {
		defer cancel()
		defer close(ch)

		for {
			msg := &structpb.Struct{}
			if err := stream.RecvMsg(msg); err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					log.Printf("WARN: changefeed on %s closed: %v", ref, clientError(err))
				}
				return
			}

			var chg api.Change
			if err := decode(msg, &chg); err != nil {
				log.Printf("WARN: bad change from %s: %v", ref, err)
				return
			}

			select {
			case ch <- chg:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
