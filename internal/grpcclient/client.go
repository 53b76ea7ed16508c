// Package grpcclient talks to a face inference sidecar over gRPC.
package grpcclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/face-verify/internal/extractor"
	"github.com/example/face-verify/internal/faceerr"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/matcher"
)

// DetectMethod is the unary RPC exposed by the sidecar. It takes the JPEG
// bytes as a BytesValue and answers with a Struct:
//
//	{"model": "ArcFace", "faces": [{"embedding": [...], "facial_area": {"x":..,"y":..,"w":..,"h":..}, "confidence": ..}]}
const DetectMethod = "/faceverify.extractor.v1.Extractor/Detect"

// Invoker is the subset of *grpc.ClientConn used by the backend.
type Invoker interface {
	Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error
}

// Backend implements extractor.Backend on top of a gRPC connection.
type Backend struct {
	conn   Invoker
	model  string
	logger *zap.Logger
}

// Dial connects to the sidecar at addr and returns a ready backend.
func Dial(ctx context.Context, addr, model string, logger *zap.Logger) (*Backend, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(16<<20), grpc.MaxCallSendMsgSize(32<<20)),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_extractor", "", err)
		logger.Error("failed to dial extractor", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return New(conn, model, logger), conn, nil
}

// New wraps an existing connection.
func New(conn Invoker, model string, logger *zap.Logger) *Backend {
	return &Backend{conn: conn, model: model, logger: logger.Named("grpc_extractor")}
}

// Name returns the configured model name.
func (b *Backend) Name() string {
	return b.model
}

// Detect sends image to the sidecar and returns every face it reports with
// L2-normalised embeddings.
func (b *Backend) Detect(ctx context.Context, image []byte) ([]extractor.Detection, error) {
	reply := &structpb.Struct{}
	if err := b.conn.Invoke(ctx, DetectMethod, wrapperspb.Bytes(image), reply); err != nil {
		return nil, b.mapError(err)
	}
	return parseFaces(reply)
}

func (b *Backend) mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return err
		}
		return logging.NewOperationError("grpcclient.detect", "", err)
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return faceerr.Wrap(faceerr.KindExtractionTimeout, "extractor deadline exceeded", err)
	case codes.InvalidArgument:
		return faceerr.Wrap(faceerr.KindInvalidImage, st.Message(), err)
	case codes.NotFound:
		return faceerr.Wrap(faceerr.KindNoFaceDetected, "no face found in the image", err)
	default:
		b.logger.Error("extractor call failed", zap.String("code", st.Code().String()), zap.String("message", st.Message()))
		return faceerr.Wrap(faceerr.KindExtractionFailure, "extractor call failed", err)
	}
}

func parseFaces(reply *structpb.Struct) ([]extractor.Detection, error) {
	faces := reply.GetFields()["faces"].GetListValue().GetValues()
	out := make([]extractor.Detection, 0, len(faces))
	for i, f := range faces {
		face := f.GetStructValue()
		if face == nil {
			return nil, faceerr.New(faceerr.KindExtractionFailure, fmt.Sprintf("face %d is not an object", i))
		}
		fields := face.GetFields()

		raw := fields["embedding"].GetListValue().GetValues()
		values := make([]float64, len(raw))
		for j, v := range raw {
			values[j] = v.GetNumberValue()
		}
		emb, err := matcher.Normalize(values)
		if err != nil {
			return nil, faceerr.Wrap(faceerr.KindExtractionFailure, fmt.Sprintf("face %d has an unusable embedding", i), err)
		}

		area := fields["facial_area"].GetStructValue().GetFields()
		out = append(out, extractor.Detection{
			Embedding: emb,
			Area: extractor.FaceArea{
				X: int(area["x"].GetNumberValue()),
				Y: int(area["y"].GetNumberValue()),
				W: int(area["w"].GetNumberValue()),
				H: int(area["h"].GetNumberValue()),
			},
			Confidence: fields["confidence"].GetNumberValue(),
		})
	}
	return out, nil
}
