package handler

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/core/notify"
	"github.com/rl1809/inventory-ledger/internal/core/service"
	"github.com/rl1809/inventory-ledger/internal/core/view"
)

// ActorMetadataKey is the gRPC counterpart of ActorHeader.
const ActorMetadataKey = "x-actor-id"

type GRPCHandler struct {
	inventory *service.InventoryService
	logger    *log.Logger
}

var _ LedgerServiceServer = (*GRPCHandler)(nil)

func NewGRPCHandler(inventory *service.InventoryService, logger *log.Logger) *GRPCHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &GRPCHandler{inventory: inventory, logger: logger}
}

// AppendTransaction expects {request_id, product_id, amount}.
func (h *GRPCHandler) AppendTransaction(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	amount, err := integerField(fields, "amount")
	if err != nil {
		return nil, grpcError(err)
	}
	actor, err := h.actor(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	tx, err := h.inventory.AppendTransaction(ctx,
		fields["request_id"].GetStringValue(),
		fields["product_id"].GetStringValue(),
		actor, amount)
	if err != nil {
		return nil, grpcError(err)
	}
	return structpb.NewStruct(map[string]any{
		"id":         tx.ID,
		"product_id": tx.ProductID,
		"actor_id":   tx.ActorID,
		"amount":     tx.Amount,
		"timestamp":  tx.Timestamp.Format(time.RFC3339Nano),
	})
}

func (h *GRPCHandler) GetQuantity(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	totals, err := h.inventory.Quantity(ctx, req.GetValue())
	if err != nil {
		return nil, grpcError(err)
	}
	return structpb.NewStruct(map[string]any{
		"product_id":       req.GetValue(),
		"quantity_on_hand": totals.QuantityOnHand(),
		"quantity_sold":    totals.QuantitySold(),
	})
}

// WatchView streams one live view. Criteria messages carry {sort, order, q};
// the first opens the view and each later one re-sorts and re-filters it.
func (h *GRPCHandler) WatchView(stream grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]) error {
	ctx := stream.Context()
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	c, err := criteriaFromStruct(first)
	if err != nil {
		return grpcError(err)
	}

	engine, stop, err := h.inventory.OpenView(ctx, c)
	if err != nil {
		return grpcError(err)
	}
	defer stop()
	sub := engine.Subscribe()
	defer sub.Unsubscribe()

	recvErr := make(chan error, 1)
	go func() {
		recvErr <- h.applyCriteria(ctx, stream, engine)
	}()

	for {
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case err := <-recvErr:
			if err != nil {
				return err
			}
			// Client closed its side; keep streaming until it cancels.
			recvErr = nil
		case b, ok := <-sub.C():
			if !ok {
				if errors.Is(sub.Err(), notify.ErrSlowSubscriber) {
					return status.Error(codes.ResourceExhausted, sub.Err().Error())
				}
				return nil
			}
			msg, err := batchStruct(b)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

func (h *GRPCHandler) applyCriteria(ctx context.Context, stream grpc.BidiStreamingServer[structpb.Struct, structpb.Struct], engine *view.Engine) error {
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		c, err := criteriaFromStruct(msg)
		if err != nil {
			return grpcError(err)
		}
		if err := engine.SetSort(ctx, c.Key, c.Ascending); err != nil {
			return grpcError(err)
		}
		if err := engine.SetFilter(ctx, c.Query); err != nil {
			return grpcError(err)
		}
		h.logger.Printf("grpc: view re-criteria sort=%s asc=%v q=%q", c.Key, c.Ascending, c.Query)
	}
}

func (h *GRPCHandler) actor(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(ActorMetadataKey)
	if len(values) == 0 || strings.TrimSpace(values[0]) == "" {
		return "", nil
	}
	id := strings.TrimSpace(values[0])
	if _, err := h.inventory.EnsurePerson(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

func criteriaFromStruct(s *structpb.Struct) (view.Criteria, error) {
	fields := s.GetFields()
	key, err := view.ParseSortKey(fields["sort"].GetStringValue())
	if err != nil {
		return view.Criteria{}, err
	}
	c := view.Criteria{Key: key, Ascending: true, Query: fields["q"].GetStringValue()}
	switch strings.ToLower(fields["order"].GetStringValue()) {
	case "", "asc":
	case "desc":
		c.Ascending = false
	default:
		return view.Criteria{}, domain.NewError(domain.CodeInvalidArgument, "order must be asc or desc")
	}
	return c, nil
}

func batchStruct(b view.Batch) (*structpb.Struct, error) {
	changes := make([]any, 0, len(b.Changes))
	for _, c := range b.Changes {
		change := map[string]any{
			"kind":  c.Kind.String(),
			"id":    c.ID,
			"index": c.Index,
		}
		if c.Kind == view.Move {
			change["from"] = c.From
		}
		changes = append(changes, change)
	}
	return structpb.NewStruct(map[string]any{
		"seq":     b.Seq,
		"initial": b.Initial,
		"changes": changes,
	})
}

func integerField(fields map[string]*structpb.Value, name string) (int64, error) {
	v, ok := fields[name]
	if !ok {
		return 0, domain.NewError(domain.CodeInvalidArgument, name+" is required")
	}
	n := v.GetNumberValue()
	if n != math.Trunc(n) || math.Abs(n) > 1<<53 {
		return 0, domain.NewError(domain.CodeInvalidArgument, name+" must be an integer")
	}
	return int64(n), nil
}

// grpcError maps service errors onto gRPC status codes.
func grpcError(err error) error {
	if errors.Is(err, service.ErrDuplicateRequest) {
		return status.Error(codes.AlreadyExists, "duplicate request")
	}
	code := codes.Internal
	switch domain.CodeOf(err) {
	case domain.CodeUnknownProduct, domain.CodeUnknownPerson:
		code = codes.NotFound
	case domain.CodeZeroAmount, domain.CodeInvalidArgument, domain.CodeImmutableFieldViolation:
		code = codes.InvalidArgument
	case domain.CodeQuantityLocked:
		code = codes.FailedPrecondition
	case domain.CodeAlreadyExists:
		code = codes.AlreadyExists
	case domain.CodeConcurrentWriteTimeout:
		code = codes.Unavailable
	}
	if code == codes.Internal {
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}
