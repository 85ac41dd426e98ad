// ============================================================================
// Admin gRPC service
// ============================================================================
//
// Package: internal/server
// File: grpc.go
// Purpose: dlqueue.v1.Admin, the operator RPC surface used by the CLI.
//
// Messages are google.protobuf.Struct so the service needs no generated
// code: requests and responses are the JSON forms of the queue types. The
// service descriptor below is registered by hand the way protoc-gen-go-grpc
// would emit it.
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/download-queue/internal/jobmanager"
	"github.com/ChuLiYu/download-queue/internal/queue"
	"github.com/ChuLiYu/download-queue/internal/storage"
	"github.com/ChuLiYu/download-queue/pkg/types"
)

const adminServiceName = "dlqueue.v1.Admin"

// AdminServer is the server API of dlqueue.v1.Admin.
type AdminServer interface {
	Enqueue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Dequeue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Pause(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Resume(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Verify(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryDeadLetter(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Export(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Import(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type adminCall func(AdminServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call adminCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AdminServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + adminServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(AdminServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// AdminServiceDesc describes dlqueue.v1.Admin.
var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: adminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Enqueue", AdminServer.Enqueue),
		unaryMethod("Dequeue", AdminServer.Dequeue),
		unaryMethod("Stats", AdminServer.Stats),
		unaryMethod("Pause", AdminServer.Pause),
		unaryMethod("Resume", AdminServer.Resume),
		unaryMethod("Verify", AdminServer.Verify),
		unaryMethod("RetryDeadLetter", AdminServer.RetryDeadLetter),
		unaryMethod("Export", AdminServer.Export),
		unaryMethod("Import", AdminServer.Import),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dlqueue/v1/admin.proto",
}

// RegisterAdminServer registers srv on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&AdminServiceDesc, srv)
}

// ============================================================================
// Server side
// ============================================================================

// Admin implements AdminServer on top of the queue.
type Admin struct {
	queue *queue.Queue
	log   *zap.Logger
}

var _ AdminServer = (*Admin)(nil)

func NewAdmin(q *queue.Queue, log *zap.Logger) *Admin {
	if log == nil {
		log = zap.NewNop()
	}
	return &Admin{queue: q, log: log.Named("grpc")}
}

// NewGRPCServer returns a gRPC server with the admin service and a logging
// interceptor installed.
func NewGRPCServer(admin *Admin, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.UnaryInterceptor(admin.logUnary))
	s := grpc.NewServer(opts...)
	RegisterAdminServer(s, admin)
	return s
}

func (a *Admin) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	fields := []zap.Field{zap.String("method", info.FullMethod), zap.Duration("latency", time.Since(start))}
	if err != nil {
		a.log.Warn("rpc failed", append(fields, zap.Error(err))...)
	} else {
		a.log.Debug("rpc", fields...)
	}
	return resp, err
}

// grpcError maps domain errors onto status codes.
func grpcError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, jobmanager.ErrJobNotFound),
		errors.Is(err, jobmanager.ErrDeadLetterNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, queue.ErrTerminalJob),
		errors.Is(err, queue.ErrJobInFlight),
		errors.Is(err, jobmanager.ErrNotRetryable),
		errors.Is(err, jobmanager.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, queue.ErrIncompatibleExport):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func (a *Admin) Enqueue(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var job types.Job
	if err := FromStruct(in, &job); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if job.Kind == "" {
		return nil, status.Error(codes.InvalidArgument, "kind is required")
	}
	job.Status = ""
	entry, err := a.queue.Enqueue(ctx, &job)
	if err != nil {
		return nil, grpcError(err)
	}
	return ToStruct(entry)
}

// DequeueRequest is the Dequeue payload.
type DequeueRequest struct {
	ID     types.JobID `json:"id"`
	Reason string      `json:"reason,omitempty"`
}

func (a *Admin) Dequeue(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req DequeueRequest
	if err := FromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	entry, err := a.queue.Dequeue(ctx, req.ID, req.Reason)
	if err != nil {
		return nil, grpcError(err)
	}
	if entry == nil {
		return nil, status.Errorf(codes.NotFound, "job %s is not queued", req.ID)
	}
	return ToStruct(entry)
}

func (a *Admin) Stats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s, err := a.queue.Stats(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	return ToStruct(s)
}

func (a *Admin) Pause(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	a.queue.Pause()
	return ToStruct(map[string]any{"paused": true})
}

func (a *Admin) Resume(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	a.queue.Resume()
	return ToStruct(map[string]any{"paused": false})
}

func (a *Admin) Verify(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	report, err := a.queue.VerifyIntegrity(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	return ToStruct(report)
}

// RetryRequest retries one dead-letter item by ID, or every retryable item
// matching Filter when ID is empty.
type RetryRequest struct {
	ID     string                 `json:"id,omitempty"`
	Filter types.DeadLetterFilter `json:"filter"`
}

// RetryResponse reports a dead-letter retry.
type RetryResponse struct {
	Attempted int               `json:"attempted"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Errors    map[string]string `json:"errors,omitempty"`
	Entries   []queue.Entry     `json:"entries,omitempty"`
}

func (a *Admin) RetryDeadLetter(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RetryRequest
	if err := FromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.ID != "" {
		entry, err := a.queue.RetryDeadLetter(ctx, req.ID)
		if err != nil {
			return nil, grpcError(err)
		}
		return ToStruct(RetryResponse{Attempted: 1, Succeeded: 1, Entries: []queue.Entry{entry}})
	}
	res, err := a.queue.RetryAllDeadLetters(ctx, req.Filter)
	if err != nil {
		return nil, grpcError(err)
	}
	return ToStruct(RetryResponse{
		Attempted: res.Attempted,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Errors:    res.Errors,
	})
}

func (a *Admin) Export(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	data, err := a.queue.Export(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	return ToStruct(data)
}

func (a *Admin) Import(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var data queue.ExportData
	if err := FromStruct(in, &data); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := a.queue.Import(ctx, &data)
	if err != nil {
		return nil, grpcError(err)
	}
	return ToStruct(res)
}

// ============================================================================
// Client side
// ============================================================================

// AdminClient calls dlqueue.v1.Admin with typed requests and responses.
type AdminClient struct {
	cc grpc.ClientConnInterface
}

func NewAdminClient(cc grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{cc: cc}
}

// call converts req to a Struct, invokes method and decodes the reply into out.
func (c *AdminClient) call(ctx context.Context, method string, req, out any) error {
	in, err := ToStruct(req)
	if err != nil {
		return err
	}
	reply := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+adminServiceName+"/"+method, in, reply); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return FromStruct(reply, out)
}

func (c *AdminClient) Enqueue(ctx context.Context, job *types.Job) (queue.Entry, error) {
	var entry queue.Entry
	err := c.call(ctx, "Enqueue", job, &entry)
	return entry, err
}

func (c *AdminClient) Dequeue(ctx context.Context, id types.JobID, reason string) (queue.Entry, error) {
	var entry queue.Entry
	err := c.call(ctx, "Dequeue", DequeueRequest{ID: id, Reason: reason}, &entry)
	return entry, err
}

func (c *AdminClient) Stats(ctx context.Context) (queue.Stats, error) {
	var s queue.Stats
	err := c.call(ctx, "Stats", struct{}{}, &s)
	return s, err
}

func (c *AdminClient) Pause(ctx context.Context) error {
	return c.call(ctx, "Pause", struct{}{}, nil)
}

func (c *AdminClient) Resume(ctx context.Context) error {
	return c.call(ctx, "Resume", struct{}{}, nil)
}

func (c *AdminClient) Verify(ctx context.Context) (queue.IntegrityReport, error) {
	var r queue.IntegrityReport
	err := c.call(ctx, "Verify", struct{}{}, &r)
	return r, err
}

func (c *AdminClient) RetryDeadLetter(ctx context.Context, req RetryRequest) (RetryResponse, error) {
	var r RetryResponse
	err := c.call(ctx, "RetryDeadLetter", req, &r)
	return r, err
}

func (c *AdminClient) Export(ctx context.Context) (*queue.ExportData, error) {
	var data queue.ExportData
	if err := c.call(ctx, "Export", struct{}{}, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

func (c *AdminClient) Import(ctx context.Context, data *queue.ExportData) (queue.ImportResult, error) {
	var r queue.ImportResult
	err := c.call(ctx, "Import", data, &r)
	return r, err
}

// ============================================================================
// Struct conversion
// ============================================================================

// ToStruct converts v to a Struct through its JSON form. v must encode to a
// JSON object.
func ToStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("convert message: %w", err)
	}
	return s, nil
}

// FromStruct decodes s into v through its JSON form.
func FromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		s = new(structpb.Struct)
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}
